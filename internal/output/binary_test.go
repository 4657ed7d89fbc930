package output

import (
	"bytes"
	"testing"
)

func TestBinaryWriterWritesMagicHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	w := NewBinaryWriter(&buf)

	rec := Record{TsSec: 1, TsUsec: 2, SrcIP: [4]byte{10, 0, 0, 1}, DstIP: [4]byte{10, 0, 0, 2}}
	if err := w.WriteRecord(rec); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := w.WriteRecord(rec); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	want := []byte("Captool packet log 1\x00")
	got := buf.Bytes()
	if !bytes.HasPrefix(got, want) {
		t.Fatalf("expected stream to start with magic %q, got %q", want, got[:len(want)])
	}
	if bytes.Count(got, []byte("Captool")) != 1 {
		t.Fatalf("expected magic written exactly once, stream: %q", got)
	}
}

func TestBinaryRoundTripPreservesAllFields(t *testing.T) {
	var buf bytes.Buffer
	w := NewBinaryWriter(&buf)

	want := Record{
		TsSec:       1700000000,
		TsUsec:      123456,
		SrcIP:       [4]byte{192, 168, 1, 10},
		DstIP:       [4]byte{8, 8, 8, 8},
		SrcPort:     51000,
		DstPort:     443,
		Length:      1500,
		Protocol:    6,
		Direction:   1,
		UserID:      [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		EquipmentID: [8]byte{8, 7, 6, 5, 4, 3, 2, 1},
		Focus:       []uint16{0, 3, 1},
	}

	if err := w.WriteRecord(want); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	r := NewBinaryReader(&buf)
	got, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}

	if got.TsSec != want.TsSec || got.TsUsec != want.TsUsec {
		t.Errorf("timestamps mismatch: got %+v want %+v", got, want)
	}
	if got.SrcIP != want.SrcIP || got.DstIP != want.DstIP {
		t.Errorf("addresses mismatch: got %+v want %+v", got, want)
	}
	if got.SrcPort != want.SrcPort || got.DstPort != want.DstPort {
		t.Errorf("ports mismatch: got %+v want %+v", got, want)
	}
	if got.Length != want.Length {
		t.Errorf("length mismatch: got %d want %d", got.Length, want.Length)
	}
	if got.Protocol != want.Protocol || got.Direction != want.Direction {
		t.Errorf("protocol/direction mismatch: got %+v want %+v", got, want)
	}
	if got.UserID != want.UserID || got.EquipmentID != want.EquipmentID {
		t.Errorf("identity mismatch: got %+v want %+v", got, want)
	}
	if len(got.Focus) != len(want.Focus) {
		t.Fatalf("focus length mismatch: got %d want %d", len(got.Focus), len(want.Focus))
	}
	for i := range got.Focus {
		if got.Focus[i] != want.Focus[i] {
			t.Errorf("focus[%d] = %d, want %d", i, got.Focus[i], want.Focus[i])
		}
	}
	if r.Version() != 1 {
		t.Errorf("Version() = %d, want 1", r.Version())
	}
}

func TestBinaryReaderReadsMultipleRecordsInOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewBinaryWriter(&buf)

	first := Record{TsSec: 1, SrcIP: [4]byte{1, 1, 1, 1}, DstIP: [4]byte{2, 2, 2, 2}}
	second := Record{TsSec: 2, SrcIP: [4]byte{3, 3, 3, 3}, DstIP: [4]byte{4, 4, 4, 4}}

	if err := w.WriteRecord(first); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := w.WriteRecord(second); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	r := NewBinaryReader(&buf)
	got1, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord 1: %v", err)
	}
	if got1.TsSec != 1 || got1.SrcIP != first.SrcIP {
		t.Errorf("first record mismatch: %+v", got1)
	}

	got2, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord 2: %v", err)
	}
	if got2.TsSec != 2 || got2.SrcIP != second.SrcIP {
		t.Errorf("second record mismatch: %+v", got2)
	}

	if _, err := r.ReadRecord(); err == nil {
		t.Fatalf("expected error reading past end of stream")
	}
}

func TestBinaryWriterRejectsTooManyFacets(t *testing.T) {
	var buf bytes.Buffer
	w := NewBinaryWriter(&buf)

	rec := Record{Focus: make([]uint16, 256)}
	if err := w.WriteRecord(rec); err == nil {
		t.Fatalf("expected error for facet count exceeding u8 range")
	}
}
