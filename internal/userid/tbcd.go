package userid

// tbcdUnused is the "no digit here" nibble sentinel (0xf) used by 3GPP
// TBCD-encoded identifiers (IMSI, IMEI, IMEISV) to pad an odd digit count.
const tbcdUnused = 0x0f

// tbcdLength is the fixed raw octet length of the TBCD identifiers this
// decoder handles (IMSI/IMEISV information elements are always 8 octets).
const tbcdLength = 8

// DecodeTBCD decodes raw as a Telephony Binary Coded Decimal digit
// string: each byte contributes its low nibble then its high nibble, in
// that order, each mapped to its ASCII digit. Decoding stops at the
// first nibble equal to tbcdUnused, which also terminates the scan of
// the remaining bytes — a trailing unused nibble never resumes after a
// digit nibble later in the buffer.
func DecodeTBCD(raw []byte) string {
	digits := make([]byte, 0, len(raw)*2)
loop:
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		for _, nibble := range [2]byte{b & 0x0f, b >> 4} {
			if nibble == tbcdUnused {
				break loop
			}
			digits = append(digits, '0'+nibble)
		}
	}
	return string(digits)
}

// NewTBCD builds an ID holding a copy of a raw TBCD-encoded octet
// string; the ID keeps the raw octets, not the decoded digits (its
// HexString renders those octets, DecodeTBCD yields the digits). raw is expected to
// be tbcdLength octets (an IMSI or IMEISV information element), but any
// length is accepted — GTP-C parsing validates IE length separately.
func NewTBCD(raw []byte) ID {
	return ID(append([]byte(nil), raw...))
}

// TBCDString is a convenience wrapper returning the decoded digit string
// directly, for callers that only need the textual identifier (flow and
// tunnel context fields are plain strings, not userid.ID handles).
func TBCDString(raw []byte) string {
	return DecodeTBCD(raw)
}
