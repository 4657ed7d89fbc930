// Package userid implements the opaque subscriber/equipment identity
// handles stamped onto packets and flows by tunnel signalling, and the
// TBCD decoder used to turn raw IMSI/IMEI(SV) octets into their digit
// string form.
package userid

import "encoding/hex"

// ID is a raw identity handle in host byte order — an IMSI, an IMEI(SV),
// a MAC address, or any other subscriber/equipment identifier. It is
// carried as an opaque []byte throughout the packet/flow layers (see
// internal/packet.Descriptor.UserID) and only this package knows how to
// render one as a printable string.
type ID []byte

// HexString renders id as a lowercase hex transcript, the original's
// generic ID::mkstring() behaviour for identities with no more specific
// textual encoding (e.g. a MAC address).
func (id ID) HexString() string {
	return hex.EncodeToString(id)
}

// Hash folds id's bytes into a single value using FNV-1a, standing in
// for the original's ID::hashValue(). No hashing library appears in the
// reference corpus for anything outside TLS/crypto concerns, so this is
// a small stdlib-only leaf.
func (id ID) Hash() uint32 {
	var h uint32 = 2166136261
	for _, b := range id {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// Equal reports byte-for-byte equality.
func (id ID) Equal(o ID) bool {
	if len(id) != len(o) {
		return false
	}
	for i := range id {
		if id[i] != o[i] {
			return false
		}
	}
	return true
}
