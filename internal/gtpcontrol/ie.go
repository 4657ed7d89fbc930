package gtpcontrol

import "fmt"

// Information element type octets this stage understands, grounded on
// GTPControl.h's IE_* constants.
const (
	ieCause        = 1
	ieIMSI         = 2
	ieDataTEID     = 16
	ieControlTEID  = 17
	ieNSAPI        = 20
	ieUserIP       = 128
	iePDPContext   = 130
	ieAPN          = 131
	ieGSNAddress   = 133
	ieRATType      = 151
	ieUserLocation = 152
	ieIMEISV       = 154
)

// tvLengths gives the value length (excluding the type octet) of every
// Type-Value information element this stage parses. Types above 127 are
// always Type-Length-Value and never appear here.
var tvLengths = map[uint8]int{
	ieCause:       1,
	ieIMSI:        8,
	ieDataTEID:    4,
	ieControlTEID: 4,
	ieNSAPI:       1,
}

// informationElement is one decoded IE: its type and its value bytes
// (the length/type octets stripped off).
type informationElement struct {
	Type  uint8
	Value []byte
}

// parseInformationElements walks buf as a sequence of GTP-C information
// elements: a type octet; for types <= 127 a statically-known value
// length from tvLengths, for types > 127 a two-byte big-endian length
// prefix. Parsing stops at the first unrecognised type or truncated IE,
// returning what was successfully decoded along with an error noting the
// point of failure — callers treat that as a soft parse failure (drop
// the packet, spec.md §4.E "Failure semantics").
func parseInformationElements(buf []byte) ([]informationElement, error) {
	var ies []informationElement
	for len(buf) > 0 {
		typ := buf[0]
		var valueLen int
		var headerLen int
		if typ <= 127 {
			l, ok := tvLengths[typ]
			if !ok {
				return ies, fmt.Errorf("gtpcontrol: unknown TV information element type %d", typ)
			}
			valueLen = l
			headerLen = 1
		} else {
			if len(buf) < 3 {
				return ies, fmt.Errorf("gtpcontrol: truncated TLV information element header")
			}
			valueLen = int(buf[1])<<8 | int(buf[2])
			headerLen = 3
		}
		total := headerLen + valueLen
		if total > len(buf) {
			return ies, fmt.Errorf("gtpcontrol: information element type %d length %d exceeds remaining %d bytes", typ, total, len(buf))
		}
		ies = append(ies, informationElement{Type: typ, Value: buf[headerLen:total]})
		buf = buf[total:]
	}
	return ies, nil
}

// find returns the first element of the given type, if present.
func find(ies []informationElement, typ uint8) (informationElement, bool) {
	for _, ie := range ies {
		if ie.Type == typ {
			return ie, true
		}
	}
	return informationElement{}, false
}

// ipFrom4 reads a big-endian IPv4 address from a 4-byte value.
func ipFrom4(v []byte) (ip [4]byte, ok bool) {
	if len(v) < 4 {
		return ip, false
	}
	copy(ip[:], v[:4])
	return ip, true
}

// teidFrom4 reads a big-endian 32-bit tunnel endpoint identifier.
func teidFrom4(v []byte) (uint32, bool) {
	if len(v) < 4 {
		return 0, false
	}
	return uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3]), true
}
