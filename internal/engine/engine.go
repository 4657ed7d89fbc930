// Package engine wires every other internal package into the running
// pipeline spec.md §4 and §5 describe: it owns the capture source, the
// shared flow and tunnel stores, the loaded classification ruleset, the
// stage graph, the rotating output streams, and the control and metrics
// servers, and drives the packet-pull loop that feeds them all.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"firestige.xyz/otus/internal/classify"
	"firestige.xyz/otus/internal/config"
	"firestige.xyz/otus/internal/control"
	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/gtpcontrol"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/output"
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/source"
	"firestige.xyz/otus/internal/stage"
)

// Engine is the assembled runtime: everything New builds from a single
// config.Config, ready for Run to drive until its source is exhausted or
// its context is cancelled.
type Engine struct {
	cfg *config.Config

	src       source.Source
	graph     *stage.Graph
	flowStore *flow.Store[flow.ID, *flow.Record]
	registry  *gtpcontrol.Registry
	meta      *classify.Metadata
	gtpStage  *gtpcontrol.Stage

	outputs    *output.Manager
	binWriter  *output.BinaryWriter
	flowWriter *output.FlowWriter

	control *control.Server
	metrics *metrics.Server

	desc     *packet.Descriptor
	captures int

	tickInterval int64
	lastTick     int64
}

// controlHost is the interface the control channel binds on. cfg has no
// host field of its own (spec.md §6 names only a port and a retry
// bound), so every deployment listens on all interfaces.
const controlHost = "0.0.0.0"

// New assembles an Engine from cfg: opens the capture source, loads the
// classification ruleset, builds the shared flow/tunnel stores, wires
// the stage graph, and registers the rotating output streams. Nothing is
// started yet; call Run to begin processing.
func New(cfg *config.Config) (*Engine, error) {
	meta, err := loadRuleset(cfg.Ruleset.Path)
	if err != nil {
		return nil, fmt.Errorf("engine: load ruleset: %w", err)
	}

	src, err := openSource(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("engine: open source: %w", err)
	}

	outputs, err := output.NewManager(cfg.Output.Directory, cfg.Output.MinFreeBytes)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("engine: create output manager: %w", err)
	}

	binRaw, err := outputs.Register("packets", cfg.Output.Prefix+"-packets", ".bin", cfg.Output.RotateSizeBytes)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("engine: register packet stream: %w", err)
	}
	flowRaw, err := outputs.Register("flows", cfg.Output.Prefix+"-flows", ".log", cfg.Output.RotateSizeBytes)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("engine: register flow stream: %w", err)
	}

	flowWriter := output.NewFlowWriter(flowRaw)

	flowStore := flow.NewStore[flow.ID, *flow.Record](cfg.Pipeline.FlowTimeoutSeconds)
	registry := gtpcontrol.NewRegistry(cfg.Pipeline.TunnelTimeoutSeconds)

	gtpStage := gtpcontrol.NewStage(registry, flowWriter, gtpControlSettings(cfg))

	deps := sharedDeps{
		flowStore: flowStore,
		registry:  registry,
		meta:      meta,
		gtpStage:  gtpStage,
	}

	graph, err := buildGraph(cfg, deps, slog.Default())
	if err != nil {
		src.Close()
		outputs.Close()
		return nil, fmt.Errorf("engine: build stage graph: %w", err)
	}

	controlServer := control.NewServer(graph, cfg.Control.MaxPortTries)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	outputs.OnRotate(func() {
		n := gtpStage.CleanupExpired(uint32(src.Now().Unix()))
		if n > 0 {
			metrics.TunnelsEvictedTotal.WithLabelValues("rotation").Add(float64(n))
		}
		metrics.OutputRotationsTotal.WithLabelValues("size_or_disk").Inc()
		metrics.ActiveTunnels.Set(float64(registry.Len()))
	})

	return &Engine{
		cfg:          cfg,
		src:          src,
		graph:        graph,
		flowStore:    flowStore,
		registry:     registry,
		meta:         meta,
		gtpStage:     gtpStage,
		outputs:      outputs,
		binWriter:    output.NewBinaryWriter(binRaw),
		flowWriter:   flowWriter,
		control:      controlServer,
		metrics:      metricsServer,
		desc:         packet.New(),
		tickInterval: cfg.Pipeline.TickIntervalSeconds,
	}, nil
}

// gtpControlSettings finds the declared stage, if any, whose type is
// "gtpcontrol" and returns its settings block — the stage is looked up
// by type rather than by its configured graph name, since cfg.Stages is
// keyed by name and a deployment may call this stage anything.
func gtpControlSettings(cfg *config.Config) map[string]any {
	for _, sc := range cfg.Stages {
		if sc.Type == typeGTPControl {
			return sc.Settings
		}
	}
	return nil
}

func loadRuleset(path string) (*classify.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return classify.LoadMetadata(f)
}

func openSource(cfg config.SourceConfig) (source.Source, error) {
	switch cfg.Kind {
	case "offline":
		return source.OpenOffline(cfg.Offline.Path)
	case "live":
		return source.OpenLive(source.LiveConfig{
			Device:       cfg.Live.Device,
			SnapLen:      cfg.Live.SnapLen,
			BufferSizeMB: cfg.Live.BufferSizeMB,
			TimeoutMs:    cfg.Live.TimeoutMs,
			FanoutID:     cfg.Live.FanoutID,
			BPFFilter:    cfg.Live.BPFFilter,
		})
	default:
		return nil, fmt.Errorf("engine: unknown source kind %q", cfg.Kind)
	}
}

// Run starts the control and metrics servers, then blocks running the
// packet-pull loop until the source is exhausted (offline) or ctx is
// cancelled, at which point it tears everything down and returns.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.control.Start(ctx, controlHost, e.cfg.Control.Port); err != nil {
		return fmt.Errorf("engine: start control server: %w", err)
	}
	if e.metrics != nil {
		if err := e.metrics.Start(ctx); err != nil {
			return fmt.Errorf("engine: start metrics server: %w", err)
		}
	}

	runErr := e.packetLoop(ctx)

	if stopErr := e.Stop(); stopErr != nil && runErr == nil {
		runErr = stopErr
	}
	return runErr
}

// packetLoop pulls packets from the source one at a time, dispatching
// each through the stage graph and emitting its binary record, and
// drives the periodic tick off the source's own notion of "now" (spec.md
// §5 "periodic work is driven by the data-plane thread at packet-time
// boundaries").
func (e *Engine) packetLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		hdr, raw, err := e.src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			slog.Warn("engine: packet read failed, continuing", "error", err)
			continue
		}

		e.captures++
		e.processPacket(hdr, raw)
		e.maybeTick(hdr.Timestamp.Unix())
	}
}

func (e *Engine) processPacket(hdr source.Header, raw []byte) {
	d := e.desc
	d.Initialize(e.captures)
	d.Raw = raw
	d.CaptureLen = hdr.CapLen
	d.OrigLen = hdr.OrigLen
	d.TsSec = uint32(hdr.Timestamp.Unix())
	d.TsUsec = uint32(hdr.Timestamp.Nanosecond() / 1000)

	metrics.PacketsProcessedTotal.WithLabelValues("pipeline").Inc()
	e.graph.Dispatch(d)

	if err := e.binWriter.WriteRecord(e.buildRecord(d)); err != nil {
		slog.Error("engine: write binary record failed", "error", err)
	}
}

// buildRecord renders d (plus its bound flow's current tag state, if
// any) as one binary per-packet record. Facet numbers are 1-based
// externally (classify.Metadata), so the dense Focus slice's index i
// holds facet i+1's current focus id.
func (e *Engine) buildRecord(d *packet.Descriptor) output.Record {
	rec := output.Record{
		TsSec:     d.TsSec,
		TsUsec:    d.TsUsec,
		SrcIP:     d.SrcIP,
		DstIP:     d.DstIP,
		SrcPort:   d.SrcPort,
		DstPort:   d.DstPort,
		Length:    uint32(len(d.Raw)),
		Protocol:  d.Protocol,
		Direction: uint8(d.Direction),
		Focus:     make([]uint16, e.meta.NumFacets()),
	}

	fl, ok := d.Flow.(*flow.Record)
	if !ok || fl == nil {
		copy(rec.UserID[:], d.UserID)
		copy(rec.EquipmentID[:], d.EquipmentID)
		return rec
	}

	copy(rec.UserID[:], fl.UserID)
	copy(rec.EquipmentID[:], fl.EquipmentID)
	tags := fl.Tags()
	for facet := 1; facet <= e.meta.NumFacets(); facet++ {
		focus, ok := tags.Get(facet)
		if !ok || focus == "" {
			continue
		}
		rec.Focus[facet-1] = e.meta.FocusIndex(facet, focus)
	}
	return rec
}

// maybeTick runs the periodic store-cleanup pass once tickInterval
// capture-time seconds have elapsed since the last one (0 disables it).
func (e *Engine) maybeTick(now int64) {
	if e.tickInterval <= 0 {
		return
	}
	if e.lastTick != 0 && now-e.lastTick < e.tickInterval {
		return
	}
	e.lastTick = now
	e.tick(now)
}

func (e *Engine) tick(now int64) {
	evicted := e.flowStore.Cleanup(now, func(_ flow.ID, fl *flow.Record) {
		e.graph.DispatchFlow(fl)
		if err := e.flowWriter.WriteRecord(fl, e.meta); err != nil {
			slog.Error("engine: write flow record failed", "error", err)
		}
	})
	if evicted > 0 {
		metrics.FlowsEvictedTotal.WithLabelValues("timeout").Add(float64(evicted))
	}
	metrics.ActiveFlows.Set(float64(e.flowStore.Len()))
	metrics.ActiveTunnels.Set(float64(e.registry.Len()))
}

// Stop drains every still-active flow through the flow-level stage
// chain and the flow writer, then closes the source, the output
// manager, and the control and metrics servers. Safe to call once, after
// Run's packet loop has returned.
func (e *Engine) Stop() error {
	e.drainFlows()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(e.src.Close())
	record(e.outputs.Close())
	record(e.control.Stop())
	if e.metrics != nil {
		record(e.metrics.Stop(context.Background()))
	}
	return firstErr
}

// drainFlows forces every flow still held in the store through the same
// eviction path a timeout would have taken, so a clean shutdown never
// silently drops a flow's record.
func (e *Engine) drainFlows() {
	var live []*flow.Record
	e.flowStore.Each(func(_ flow.ID, fl *flow.Record) {
		live = append(live, fl)
	})
	for _, fl := range live {
		e.graph.DispatchFlow(fl)
		if err := e.flowWriter.WriteRecord(fl, e.meta); err != nil {
			slog.Error("engine: write flow record failed during shutdown", "error", err)
		}
	}
	metrics.ActiveFlows.Set(0)
}
