package classify

// ClassifiableFlow is the view over a flow record the evaluator needs.
// internal/flow.Record satisfies this without internal/classify importing
// internal/flow, keeping the dependency pointed the other way.
type ClassifiableFlow interface {
	FlowStats
	Hints() *Hints
	Tags() *TagContainer
	LastHintedPacketNumber() uint64
	LastEvaluatedPacketNumber() uint64
	SetLastEvaluatedPacketNumber(uint64)
}

// Evaluate runs one pass of spec.md §4.D's hint-bitmap evaluation against
// fl, applying block/rule tags and clearing facets that are no longer
// supported. It is a no-op (returns false) when fl has not received any
// new hints since the last time it was evaluated. onConflict, if non-nil,
// is invoked whenever a write would have overwritten an already-final
// facet with a different focus value.
func Evaluate(m *Metadata, pkt PacketPayload, fl ClassifiableFlow, onConflict ConflictFunc) bool {
	if fl.LastHintedPacketNumber() == fl.LastEvaluatedPacketNumber() {
		return false
	}
	defer fl.SetLastEvaluatedPacketNumber(fl.LastHintedPacketNumber())

	bitmap := NewBitset(m.Width)
	for _, h := range fl.Hints().All() {
		if bit := m.BitFor(h); bit >= 0 {
			bitmap.Set(bit)
		}
	}

	container := fl.Tags()
	before := container.DefinedFacets()
	touched := make(map[int]bool, len(before))
	changed := false

	applyTags := func(tags []TagSpec, final bool) {
		for _, t := range tags {
			touched[t.Facet] = true
			if container.SetTag(t.Facet, t.Focus, final || t.Final, onConflict) {
				changed = true
			}
		}
	}

	for _, blk := range m.Blocks() {
		if !blockContributes(blk, bitmap) {
			continue
		}

		if blk.Precondition != nil {
			if !bitmap.And(blk.Precondition.ExcludeMask).IsZero() {
				continue
			}
			if !allConstraintsHold(blk.Precondition.Constraints, pkt, fl) {
				continue
			}
		}

		for _, bit := range blk.Signatures {
			if !bitmap.Test(bit) || !m.IsStandalone(bit) {
				continue
			}
			final := m.IsFinalSignature(bit)
			applyTags(blk.Tags, final)
			if m.IsTagged(bit) {
				applyTags(m.SignatureTags(bit), final)
			}
		}

		for _, rule := range blk.Rules {
			if !bitmap.ContainsAll(rule.IncludeMask) {
				continue
			}
			if !bitmap.And(rule.ExcludeMask).IsZero() {
				continue
			}
			if !allConstraintsHold(rule.Constraints, pkt, fl) {
				continue
			}
			applyTags(blk.Tags, rule.Final)
			applyTags(rule.ExtraTags, rule.Final)
		}
	}

	for _, f := range before {
		if !touched[f] {
			container.ClearTag(f)
			changed = true
		}
	}

	return changed
}

func blockContributes(blk *CompiledBlock, bitmap Bitset) bool {
	for _, bit := range blk.Signatures {
		if bitmap.Test(bit) {
			return true
		}
	}
	return false
}

func allConstraintsHold(constraints []Constraint, pkt PacketPayload, fl FlowStats) bool {
	for _, c := range constraints {
		if !EvaluateConstraint(c, pkt, fl) {
			return false
		}
	}
	return true
}
