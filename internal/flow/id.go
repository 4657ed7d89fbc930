// Package flow implements the bidirectional L4 conversation record, its
// canonicalised identifier, and the time-sorted eviction store that owns
// both flow and tunnel state.
package flow

import "fmt"

// ID identifies one bidirectional L4 conversation by its 5-tuple. IPs are
// IPv4 only, matching the binary per-packet record format (spec.md §6).
type ID struct {
	SrcIP    [4]byte
	DstIP    [4]byte
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// less provides a total order over (ip,port) pairs used to pick a
// canonical orientation for an ID.
func less(ip1 [4]byte, port1 uint16, ip2 [4]byte, port2 uint16) bool {
	for i := range ip1 {
		if ip1[i] != ip2[i] {
			return ip1[i] < ip2[i]
		}
	}
	return port1 < port2
}

// Canonical returns id, or its swapped form, whichever orients
// (srcIP,srcPort) as the lexicographically smaller endpoint. This exists
// for the flow store's map key only, so uplink and downlink packets of
// the same conversation always hash and compare equal without a custom
// hasher — Go's native comparable-struct map keys make the C++
// original's hand-rolled symmetric hasher/equality functors unnecessary
// for storage, though both are still provided below to satisfy spec.md
// §8's testable symmetric-equality property directly. It must not be
// used to decide a record's own identity or a packet's uplink/downlink
// direction: that is the creating packet's own (unswapped) orientation,
// fixed for the life of the flow (see translayer.Stage.bindFlow).
func (id ID) Canonical() ID {
	if less(id.SrcIP, id.SrcPort, id.DstIP, id.DstPort) {
		return id
	}
	return id.Swapped()
}

// Swapped returns id with source and destination exchanged.
func (id ID) Swapped() ID {
	return ID{
		SrcIP:    id.DstIP,
		DstIP:    id.SrcIP,
		SrcPort:  id.DstPort,
		DstPort:  id.SrcPort,
		Protocol: id.Protocol,
	}
}

// hashIP folds a 4-byte address into a single value, standing in for the
// original's IPAddress::hashValue().
func hashIP(ip [4]byte) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

// Hash implements the original FlowIDHasher formula:
// (hash(src) ^ hash(dst)) + (srcPort ^ dstPort) - protocol, direction
// independent.
func (id ID) Hash() uint32 {
	return (hashIP(id.SrcIP)^hashIP(id.DstIP))+uint32(id.SrcPort^id.DstPort) - uint32(id.Protocol)
}

// EqualsStrict reports whether a and b identify the same conversation in
// the same orientation (direction-sensitive).
func EqualsStrict(a, b ID) bool {
	return a == b
}

// EqualsSymmetric reports whether a and b identify the same conversation
// regardless of orientation.
func EqualsSymmetric(a, b ID) bool {
	return a == b || a == b.Swapped()
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d-%d.%d.%d.%d:%d/%d",
		id.SrcIP[0], id.SrcIP[1], id.SrcIP[2], id.SrcIP[3], id.SrcPort,
		id.DstIP[0], id.DstIP[1], id.DstIP[2], id.DstIP[3], id.DstPort,
		id.Protocol)
}

// IsSet reports whether id names a complete conversation (non-zero
// protocol, matching BasicFlow's isSet semantics carried over from
// FlowID::isSet in the original).
func (id ID) IsSet() bool {
	return id.Protocol != 0
}
