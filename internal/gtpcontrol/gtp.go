// Package gtpcontrol implements the GTP-C signalling stage: a
// message-typed dispatcher that maintains tunnel context state (the
// control/data endpoint bindings a subscriber's user-plane traffic is
// later matched against by internal/gtpuser) and emits a CSV record for
// every torn-down context.
package gtpcontrol

// messageType identifies a GTP-C message by its gtp_header.type byte.
type messageType uint8

const (
	msgCreatePDPRequest  messageType = 16
	msgCreatePDPResponse messageType = 17
	msgUpdatePDPRequest  messageType = 18
	msgUpdatePDPResponse messageType = 19
	msgDeletePDPRequest  messageType = 20
	msgDeletePDPResponse messageType = 21
	msgSGSNRequest       messageType = 50
	msgSGSNResponse      messageType = 51
	msgSGSNAck           messageType = 52
)

// headerCoreLength is the length of a GTP header with no sequence number,
// n-pdu number or next-extension-header fields.
const headerCoreLength = 8

// headerOptsLength is the additional length contributed by those three
// optional fields when the header's E/S/PN flag bits say they're present.
const headerOptsLength = 4

// flagsOptsMask is the bitwise-or of the extension/sequence/npdu flag
// bits in the header's first octet (gtp.h's GTP_EXT_MASK|GTP_SEQ_MASK|
// GTP_NPDU_MASK).
const flagsOptsMask = 0x04 | 0x02 | 0x01

// header is the parsed fixed part of a GTP-C message, independent of
// whether the optional sequence/npdu/next-extension fields are present.
type header struct {
	Flags  uint8
	Type   messageType
	Length uint16
	TEID   uint32
}

// parseHeader reads the core 8-byte GTP header from raw, returning the
// header and the offset of the first information element (8 or 12
// depending on the optional-fields flag bits).
func parseHeader(raw []byte) (header, int, bool) {
	if len(raw) < headerCoreLength {
		return header{}, 0, false
	}
	h := header{
		Flags:  raw[0],
		Type:   messageType(raw[1]),
		Length: uint16(raw[2])<<8 | uint16(raw[3]),
		TEID:   uint32(raw[4])<<24 | uint32(raw[5])<<16 | uint32(raw[6])<<8 | uint32(raw[7]),
	}
	offset := headerCoreLength
	if h.Flags&flagsOptsMask != 0 {
		offset += headerOptsLength
	}
	if offset > len(raw) {
		return header{}, 0, false
	}
	return h, offset, true
}
