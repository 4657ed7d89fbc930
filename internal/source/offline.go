package source

import (
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/pcap"
)

// Offline reads packets from a pcap capture file in file order. Grounded
// on the teacher's internal/source/file/source.go, adapted from the
// Start(ctx)/ReadPacket()/Stop() push-loop shape into Next()/Now()/Close().
type Offline struct {
	path   string
	handle *pcap.Handle
	now    time.Time
}

// OpenOffline opens path for reading. The handle stays open until Close.
func OpenOffline(path string) (*Offline, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("source: open pcap file %s: %w", path, err)
	}
	return &Offline{path: path, handle: handle}, nil
}

// Next returns the next packet in the file, io.EOF once exhausted.
func (o *Offline) Next() (Header, []byte, error) {
	data, ci, err := o.handle.ReadPacketData()
	if err != nil {
		if err == io.EOF {
			return Header{}, nil, io.EOF
		}
		return Header{}, nil, fmt.Errorf("source: read packet from %s: %w", o.path, err)
	}
	o.now = ci.Timestamp
	return Header{Timestamp: ci.Timestamp, CapLen: ci.CaptureLength, OrigLen: ci.Length}, data, nil
}

// Now returns the most recently read packet's own timestamp — offline
// capture's clock runs on capture time, not wall time.
func (o *Offline) Now() time.Time { return o.now }

// Close releases the underlying pcap handle.
func (o *Offline) Close() error {
	if o.handle != nil {
		o.handle.Close()
		o.handle = nil
	}
	return nil
}
