// Package source implements the concrete packet sources the dispatcher
// pulls from: an offline pcap file reader and a live AF_PACKET capture,
// both behind the same pull-based interface. Grounded on the teacher's
// internal/source/{file,afpacket} packages, adapted from its push-based
// otus.Source (Start/ReadPacket/Stop against a running context) to a
// pull loop the engine drives directly.
package source

import (
	"time"
)

// Header is the per-packet capture metadata the dispatcher needs:
// timestamp and the original vs. captured (possibly snapped) length.
type Header struct {
	Timestamp time.Time
	CapLen    int
	OrigLen   int
}

// Source yields successive captured packets until exhausted (offline)
// or until Close is called (live). Now reports the source's notion of
// "current time" — each offline packet's own timestamp, or wall clock
// for a live capture — used to drive the pipeline's periodic tick in
// both modes (spec.md §5).
type Source interface {
	Next() (Header, []byte, error)
	Now() time.Time
	Close() error
}
