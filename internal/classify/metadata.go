package classify

import (
	"fmt"
	"io"
)

// TagSpec is one tag a block, rule or signature applies when it fires.
type TagSpec struct {
	Facet int
	Focus string
	Final bool
}

// Precondition gates whether a block is evaluated at all for a given
// packet/flow.
type Precondition struct {
	ExcludeMask Bitset
	Constraints []Constraint
}

// Rule is one block rule: include/exclude hint masks plus constraints plus
// the tags it applies on a match.
type Rule struct {
	IncludeMask Bitset
	ExcludeMask Bitset
	Constraints []Constraint
	ExtraTags   []TagSpec
	Final       bool
}

// CompiledBlock is one block's fully-compiled rule set.
type CompiledBlock struct {
	ID            string
	Signatures    []int // bit positions belonging to this block
	Tags          []TagSpec
	Precondition  *Precondition
	Rules         []Rule
}

// Metadata is the fully-compiled ruleset: a dense hint-bit index plus one
// CompiledBlock per block and the global standalone/final/tagged bitsets,
// built per the compilation recipe in spec.md §4.D.
type Metadata struct {
	Width int

	hintIndex  map[Hint]int
	facetIndex map[string]int
	facetNames []string

	// focusIndex assigns each distinct focus value seen for a facet a dense
	// per-facet id, so the binary record format can carry a u16 per facet
	// instead of a variable-length string (spec.md §3 "a set of focus values
	// (tag values) per facet", §6 record layout).
	focusIndex map[int]map[string]uint16
	focusNames map[int][]string

	blocks     map[string]*CompiledBlock
	blockOrder []string

	standalone Bitset
	final      Bitset
	tagged     Bitset

	// sigTags holds the per-signature extra tags, for bit positions in the
	// "tagged" bitset (spec.md §4.D step 2.b).
	sigTags map[int][]TagSpec
}

// FacetIndex returns the 1-based facet number for name, assigning a new
// one if name has not been seen before.
func (m *Metadata) FacetIndex(name string) int {
	if idx, ok := m.facetIndex[name]; ok {
		return idx
	}
	idx := len(m.facetNames) + 1
	m.facetIndex[name] = idx
	m.facetNames = append(m.facetNames, name)
	return idx
}

// NumFacets returns how many distinct facets the loaded ruleset defines.
func (m *Metadata) NumFacets() int {
	return len(m.facetNames)
}

// FacetName returns the name registered for the 1-based facet number idx,
// or "" if idx is out of range.
func (m *Metadata) FacetName(idx int) string {
	if idx < 1 || idx > len(m.facetNames) {
		return ""
	}
	return m.facetNames[idx-1]
}

// FocusIndex returns the dense per-facet id assigned to focus, assigning a
// new one (starting at 1; 0 means "no focus recorded") if focus has not
// been seen before for this facet.
func (m *Metadata) FocusIndex(facet int, focus string) uint16 {
	if focus == "" {
		return 0
	}
	if m.focusIndex == nil {
		m.focusIndex = make(map[int]map[string]uint16)
	}
	values, ok := m.focusIndex[facet]
	if !ok {
		values = make(map[string]uint16)
		m.focusIndex[facet] = values
	}
	if idx, ok := values[focus]; ok {
		return idx
	}
	idx := uint16(len(m.focusNames[facet]) + 1)
	values[focus] = idx
	if m.focusNames == nil {
		m.focusNames = make(map[int][]string)
	}
	m.focusNames[facet] = append(m.focusNames[facet], focus)
	return idx
}

// FocusName reverses FocusIndex: it returns the focus value assigned idx
// for facet, or "" if idx is 0 or unassigned.
func (m *Metadata) FocusName(facet int, idx uint16) string {
	if idx == 0 {
		return ""
	}
	names := m.focusNames[facet]
	if int(idx) > len(names) {
		return ""
	}
	return names[idx-1]
}

// FinalMask returns the bitset (indexed 0-based by facet-1) of facets that
// are declared final-bearing anywhere in the ruleset; callers build the
// IsFinalOverall test mask from this.
func (m *Metadata) FinalMask() Bitset {
	mask := NewBitset(len(m.facetNames))
	for _, blk := range m.blocks {
		collectFinalFacets(blk.Tags, mask)
		for _, r := range blk.Rules {
			collectFinalFacets(r.ExtraTags, mask)
		}
	}
	for _, tags := range m.sigTags {
		collectFinalFacets(tags, mask)
	}
	return mask
}

func collectFinalFacets(tags []TagSpec, mask Bitset) {
	for _, t := range tags {
		if t.Final {
			mask.Set(t.Facet - 1)
		}
	}
}

// Block returns the compiled block named id, or nil.
func (m *Metadata) Block(id string) *CompiledBlock {
	return m.blocks[id]
}

// Blocks returns compiled blocks in declaration order.
func (m *Metadata) Blocks() []*CompiledBlock {
	out := make([]*CompiledBlock, 0, len(m.blockOrder))
	for _, id := range m.blockOrder {
		out = append(out, m.blocks[id])
	}
	return out
}

// BitFor returns the bit position assigned to hint h, or -1 if it does not
// appear in the ruleset.
func (m *Metadata) BitFor(h Hint) int {
	if idx, ok := m.hintIndex[h]; ok {
		return idx
	}
	return -1
}

// IsStandalone reports whether bit is in the standalone bitset.
func (m *Metadata) IsStandalone(bit int) bool { return m.standalone.Test(bit) }

// IsFinalSignature reports whether bit is in the final bitset.
func (m *Metadata) IsFinalSignature(bit int) bool { return m.final.Test(bit) }

// IsTagged reports whether bit is in the tagged bitset.
func (m *Metadata) IsTagged(bit int) bool { return m.tagged.Test(bit) }

// SignatureTags returns the signature-specific tags for bit, if any.
func (m *Metadata) SignatureTags(bit int) []TagSpec {
	return m.sigTags[bit]
}

// LoadMetadata parses and compiles a ruleset document from r.
func LoadMetadata(r io.Reader) (*Metadata, error) {
	doc, err := ParseRuleset(r)
	if err != nil {
		return nil, err
	}
	return compile(doc)
}

// NewMetadata returns an empty, ready-to-use Metadata with no facets or
// blocks, for callers (tests, standalone stages) that need the
// FacetIndex/FocusIndex bookkeeping without loading an XML ruleset.
func NewMetadata() *Metadata {
	return &Metadata{
		hintIndex:  make(map[Hint]int),
		facetIndex: make(map[string]int),
		blocks:     make(map[string]*CompiledBlock),
		sigTags:    make(map[int][]TagSpec),
	}
}

func compile(doc *rulesetXML) (*Metadata, error) {
	m := &Metadata{
		hintIndex:  make(map[Hint]int),
		facetIndex: make(map[string]int),
		blocks:     make(map[string]*CompiledBlock),
		sigTags:    make(map[int][]TagSpec),
	}

	for _, f := range doc.Facets {
		m.FacetIndex(f.Name)
	}

	// Pass 1: assign every signature a dense bit position.
	next := 0
	for _, b := range doc.Blocks {
		if b.ID == "" {
			return nil, fmt.Errorf("classify: block with empty id")
		}
		for _, s := range b.Signatures {
			if s.ID == "" {
				return nil, fmt.Errorf("classify: block %q has signature with empty id", b.ID)
			}
			h := Hint{Block: b.ID, Signature: s.ID}
			if _, dup := m.hintIndex[h]; dup {
				return nil, fmt.Errorf("classify: duplicate signature %q in block %q", s.ID, b.ID)
			}
			m.hintIndex[h] = next
			next++
		}
	}
	m.Width = next
	m.standalone = NewBitset(m.Width)
	m.final = NewBitset(m.Width)
	m.tagged = NewBitset(m.Width)

	// Pass 2: compile each block now that every bit position is known.
	for _, b := range doc.Blocks {
		cb := &CompiledBlock{ID: b.ID}

		for _, s := range b.Signatures {
			bit := m.hintIndex[Hint{Block: b.ID, Signature: s.ID}]
			cb.Signatures = append(cb.Signatures, bit)
			if s.Standalone {
				m.standalone.Set(bit)
			}
			if s.Final {
				m.final.Set(bit)
			}
			if len(s.Tags) > 0 {
				m.tagged.Set(bit)
				tags, err := m.compileTags(b.ID, s.Tags)
				if err != nil {
					return nil, err
				}
				m.sigTags[bit] = tags
			}
		}

		tags, err := m.compileTags(b.ID, b.Tags)
		if err != nil {
			return nil, err
		}
		cb.Tags = tags

		if b.Precondition != nil {
			pre, err := m.compilePrecondition(b.ID, b.Precondition)
			if err != nil {
				return nil, err
			}
			cb.Precondition = pre
		}

		for _, rx := range b.Rules {
			rule, err := m.compileRule(b.ID, rx)
			if err != nil {
				return nil, err
			}
			cb.Rules = append(cb.Rules, rule)
		}

		m.blocks[b.ID] = cb
		m.blockOrder = append(m.blockOrder, b.ID)
	}

	return m, nil
}

func (m *Metadata) compileTags(blockID string, tx []tagXML) ([]TagSpec, error) {
	out := make([]TagSpec, 0, len(tx))
	for _, t := range tx {
		if t.Facet == "" {
			return nil, fmt.Errorf("classify: block %q has tag with empty facet", blockID)
		}
		out = append(out, TagSpec{
			Facet: m.FacetIndex(t.Facet),
			Focus: t.Focus,
			Final: t.Final,
		})
	}
	return out, nil
}

func (m *Metadata) compileMask(blockID string, include []refXML) (Bitset, error) {
	mask := NewBitset(m.Width)
	for _, ref := range include {
		h := Hint{Block: ref.Block, Signature: ref.Signature}
		bit, ok := m.hintIndex[h]
		if !ok {
			return Bitset{}, fmt.Errorf("classify: block %q references unknown signature %s/%s", blockID, ref.Block, ref.Signature)
		}
		mask.Set(bit)
	}
	return mask, nil
}

func (m *Metadata) compileConstraints(blockID string, cx []constrXML) ([]Constraint, error) {
	out := make([]Constraint, 0, len(cx))
	for _, c := range cx {
		parsed, ok := ParseConstraint(c.Name)
		if !ok {
			return nil, fmt.Errorf("classify: block %q references unknown constraint %q", blockID, c.Name)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func (m *Metadata) compilePrecondition(blockID string, px *preconditionXML) (*Precondition, error) {
	exclude, err := m.compileMask(blockID, px.Exclude)
	if err != nil {
		return nil, err
	}
	allow, err := m.compileMask(blockID, px.Allow)
	if err != nil {
		return nil, err
	}
	constraints, err := m.compileConstraints(blockID, px.Constraints)
	if err != nil {
		return nil, err
	}
	return &Precondition{
		ExcludeMask: exclude.AndNot(allow),
		Constraints: constraints,
	}, nil
}

func (m *Metadata) compileRule(blockID string, rx ruleXML) (Rule, error) {
	include, err := m.compileMask(blockID, rx.Include)
	if err != nil {
		return Rule{}, err
	}
	exclude, err := m.compileMask(blockID, rx.Exclude)
	if err != nil {
		return Rule{}, err
	}
	allow, err := m.compileMask(blockID, rx.Allow)
	if err != nil {
		return Rule{}, err
	}
	constraints, err := m.compileConstraints(blockID, rx.Constraints)
	if err != nil {
		return Rule{}, err
	}
	tags, err := m.compileTags(blockID, rx.Tags)
	if err != nil {
		return Rule{}, err
	}
	return Rule{
		IncludeMask: include,
		ExcludeMask: exclude.AndNot(allow),
		Constraints: constraints,
		ExtraTags:   tags,
		Final:       rx.Final,
	}, nil
}
