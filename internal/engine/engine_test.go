package engine

import (
	"bytes"
	"testing"

	"firestige.xyz/otus/internal/classify"
	"firestige.xyz/otus/internal/config"
	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/gtpcontrol"
	"firestige.xyz/otus/internal/output"
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

func TestGTPControlSettingsFindsStageByType(t *testing.T) {
	cfg := &config.Config{
		Stages: map[string]config.StageConfig{
			"tunnel-signalling": {
				Type:     typeGTPControl,
				Settings: map[string]any{"anonymize": true},
			},
			"other": {Type: typeTranslayer},
		},
	}

	settings := gtpControlSettings(cfg)
	if settings == nil || settings["anonymize"] != true {
		t.Fatalf("expected the gtpcontrol-typed stage's settings, got %v", settings)
	}
}

func TestGTPControlSettingsNilWhenNoSuchStage(t *testing.T) {
	cfg := &config.Config{Stages: map[string]config.StageConfig{"x": {Type: typeTranslayer}}}
	if got := gtpControlSettings(cfg); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestBuildRecordStampsFocusVectorFromFlowTags(t *testing.T) {
	meta := classify.NewMetadata()
	appFacet := meta.FacetIndex("application")
	otherFacet := meta.FacetIndex("transport")

	fl := flow.New(flow.ID{SrcIP: [4]byte{1, 1, 1, 1}, DstIP: [4]byte{2, 2, 2, 2}, SrcPort: 1, DstPort: 2, Protocol: 6}, meta.NumFacets())
	fl.Tags().SetTag(appFacet, "http", false, nil)

	e := &Engine{meta: meta}
	d := packet.New()
	d.Initialize(1)
	d.Raw = []byte("hello")
	d.SrcIP, d.DstIP = [4]byte{1, 1, 1, 1}, [4]byte{2, 2, 2, 2}
	d.Flow = fl

	rec := e.buildRecord(d)
	if len(rec.Focus) != meta.NumFacets() {
		t.Fatalf("expected one focus slot per facet, got %d want %d", len(rec.Focus), meta.NumFacets())
	}
	if rec.Focus[appFacet-1] == 0 {
		t.Fatalf("expected a non-zero focus id for the tagged facet")
	}
	if rec.Focus[otherFacet-1] != 0 {
		t.Fatalf("expected the untagged facet to stay zero, got %d", rec.Focus[otherFacet-1])
	}
	if rec.Length != uint32(len(d.Raw)) {
		t.Fatalf("expected record length to match raw packet length")
	}
}

func TestBuildRecordHandlesUnboundFlow(t *testing.T) {
	meta := classify.NewMetadata()
	meta.FacetIndex("application")

	e := &Engine{meta: meta}
	d := packet.New()
	d.Initialize(1)
	d.Raw = []byte("x")

	rec := e.buildRecord(d)
	if len(rec.Focus) != meta.NumFacets() {
		t.Fatalf("expected a zeroed focus vector even with no bound flow")
	}
	for _, v := range rec.Focus {
		if v != 0 {
			t.Fatalf("expected every focus slot to be zero, got %v", rec.Focus)
		}
	}
}

func TestTickEvictsTimedOutFlowsAndWritesRecords(t *testing.T) {
	meta := classify.NewMetadata()
	store := flow.NewStore[flow.ID, *flow.Record](10)
	fl := flow.New(flow.ID{SrcIP: [4]byte{1, 1, 1, 1}, DstIP: [4]byte{2, 2, 2, 2}, SrcPort: 1, DstPort: 2, Protocol: 17}, 0)
	fl.Packet(100, 0, true, 64)
	store.Insert(fl.ID, fl)

	var buf bytes.Buffer
	e := &Engine{
		meta:       meta,
		flowStore:  store,
		registry:   gtpcontrol.NewRegistry(0),
		graph:      stage.NewGraph("root", nil),
		flowWriter: output.NewFlowWriter(&buf),
	}

	e.tick(200) // well past the 10-second timeout relative to ts=100
	if store.Len() != 0 {
		t.Fatalf("expected the timed-out flow to be evicted, store still has %d entries", store.Len())
	}
	if buf.Len() == 0 {
		t.Fatalf("expected a flow record to be written on eviction")
	}
}

func TestDrainFlowsWritesEveryRemainingFlow(t *testing.T) {
	meta := classify.NewMetadata()
	store := flow.NewStore[flow.ID, *flow.Record](0) // never times out on its own
	fl := flow.New(flow.ID{SrcIP: [4]byte{1, 1, 1, 1}, DstIP: [4]byte{2, 2, 2, 2}, SrcPort: 1, DstPort: 2, Protocol: 17}, 0)
	fl.Packet(1, 0, true, 10)
	store.Insert(fl.ID, fl)

	var buf bytes.Buffer
	e := &Engine{
		meta:       meta,
		flowStore:  store,
		registry:   gtpcontrol.NewRegistry(0),
		graph:      stage.NewGraph("root", nil),
		flowWriter: output.NewFlowWriter(&buf),
	}

	e.drainFlows()
	if buf.Len() == 0 {
		t.Fatalf("expected the still-active flow to be written during shutdown drain")
	}
}
