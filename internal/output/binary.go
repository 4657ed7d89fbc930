package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// binaryMagicVersion is the version byte this writer/reader pair speaks,
// per spec.md §6 ("Captool packet log <version>", version currently 1).
const binaryMagicVersion = 1

func binaryMagic() string {
	return fmt.Sprintf("Captool packet log %d", binaryMagicVersion)
}

// Record is one binary per-packet record: the fixed fields of spec.md §6
// plus a dense per-facet focus-id vector (classify.Metadata.FocusIndex),
// since the wire format needs a u16 per facet rather than a variable-
// length tag string.
type Record struct {
	TsSec, TsUsec  uint32
	SrcIP, DstIP   [4]byte
	SrcPort        uint16
	DstPort        uint16
	Length         uint32
	Protocol       uint8
	Direction      uint8
	UserID         [8]byte
	EquipmentID    [8]byte
	Focus          []uint16 // one entry per facet, 0 means unset
}

// BinaryWriter writes spec.md §6's binary per-packet record stream: a
// NUL-terminated magic string followed by fixed-layout, network-byte-
// order records.
type BinaryWriter struct {
	w           io.Writer
	wroteHeader bool
}

// NewBinaryWriter returns a writer over w. The magic header is written
// lazily on the first WriteRecord call so an empty stream never gets one.
func NewBinaryWriter(w io.Writer) *BinaryWriter {
	return &BinaryWriter{w: w}
}

func (bw *BinaryWriter) writeHeader() error {
	if bw.wroteHeader {
		return nil
	}
	magic := binaryMagic()
	if _, err := bw.w.Write(append([]byte(magic), 0)); err != nil {
		return fmt.Errorf("output: write binary magic: %w", err)
	}
	bw.wroteHeader = true
	return nil
}

// WriteRecord appends one record, writing the magic header first if this
// is the first record written to the stream.
func (bw *BinaryWriter) WriteRecord(rec Record) error {
	if err := bw.writeHeader(); err != nil {
		return err
	}

	buf := make([]byte, 0, 4*5+2*2+1*2+8+8+1+2*len(rec.Focus))
	var tmp4 [4]byte
	var tmp2 [2]byte

	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(tmp4[:], v)
		buf = append(buf, tmp4[:]...)
	}
	putU16 := func(v uint16) {
		binary.BigEndian.PutUint16(tmp2[:], v)
		buf = append(buf, tmp2[:]...)
	}

	putU32(rec.TsSec)
	putU32(rec.TsUsec)
	putU32(be32(rec.SrcIP))
	putU32(be32(rec.DstIP))
	putU32(rec.Length)
	putU16(rec.SrcPort)
	putU16(rec.DstPort)
	buf = append(buf, rec.Protocol, rec.Direction)
	buf = append(buf, rec.UserID[:]...)
	buf = append(buf, rec.EquipmentID[:]...)

	if len(rec.Focus) > 255 {
		return fmt.Errorf("output: record has %d facets, exceeds u8 facet count", len(rec.Focus))
	}
	buf = append(buf, byte(len(rec.Focus)))
	for _, f := range rec.Focus {
		putU16(f)
	}

	if _, err := bw.w.Write(buf); err != nil {
		return fmt.Errorf("output: write record: %w", err)
	}
	return nil
}

func be32(ip [4]byte) uint32 {
	return binary.BigEndian.Uint32(ip[:])
}

func fromBE32(v uint32) [4]byte {
	var ip [4]byte
	binary.BigEndian.PutUint32(ip[:], v)
	return ip
}

// BinaryReader is BinaryWriter's round-trip counterpart, used by tests to
// verify spec.md §8's "binary per-packet record round-trip" property.
type BinaryReader struct {
	r        *bufio.Reader
	version  int
	haveRead bool
}

// NewBinaryReader returns a reader over r. The magic header is consumed
// and validated on the first ReadRecord call.
func NewBinaryReader(r io.Reader) *BinaryReader {
	return &BinaryReader{r: bufio.NewReader(r)}
}

func (br *BinaryReader) readHeader() error {
	if br.haveRead {
		return nil
	}
	magic, err := br.r.ReadString(0)
	if err != nil {
		return fmt.Errorf("output: read binary magic: %w", err)
	}
	magic = magic[:len(magic)-1] // drop the trailing NUL
	var version int
	if _, err := fmt.Sscanf(magic, "Captool packet log %d", &version); err != nil {
		return fmt.Errorf("output: malformed magic %q: %w", magic, err)
	}
	br.version = version
	br.haveRead = true
	return nil
}

// Version returns the stream's magic-string version, valid after the
// first successful ReadRecord.
func (br *BinaryReader) Version() int { return br.version }

// ReadRecord reads the next record, io.EOF once the stream is exhausted.
func (br *BinaryReader) ReadRecord() (Record, error) {
	if err := br.readHeader(); err != nil {
		return Record{}, err
	}

	var rec Record
	fixed := make([]byte, 4*5+2*2+1*2+8+8+1)
	if _, err := io.ReadFull(br.r, fixed); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, fmt.Errorf("output: truncated record: %w", err)
		}
		return Record{}, err
	}

	off := 0
	readU32 := func() uint32 {
		v := binary.BigEndian.Uint32(fixed[off : off+4])
		off += 4
		return v
	}
	readU16 := func() uint16 {
		v := binary.BigEndian.Uint16(fixed[off : off+2])
		off += 2
		return v
	}

	rec.TsSec = readU32()
	rec.TsUsec = readU32()
	rec.SrcIP = fromBE32(readU32())
	rec.DstIP = fromBE32(readU32())
	rec.Length = readU32()
	rec.SrcPort = readU16()
	rec.DstPort = readU16()
	rec.Protocol = fixed[off]
	off++
	rec.Direction = fixed[off]
	off++
	copy(rec.UserID[:], fixed[off:off+8])
	off += 8
	copy(rec.EquipmentID[:], fixed[off:off+8])
	off += 8
	numFacets := int(fixed[off])

	if numFacets > 0 {
		focusBytes := make([]byte, numFacets*2)
		if _, err := io.ReadFull(br.r, focusBytes); err != nil {
			return Record{}, fmt.Errorf("output: truncated focus vector: %w", err)
		}
		rec.Focus = make([]uint16, numFacets)
		for i := range rec.Focus {
			rec.Focus[i] = binary.BigEndian.Uint16(focusBytes[i*2 : i*2+2])
		}
	}

	return rec, nil
}
