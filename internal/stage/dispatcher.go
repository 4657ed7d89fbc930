package stage

import (
	"fmt"
	"io"

	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/packet"
)

// maxHops bounds how many stages a single packet may traverse, guarding
// against a misconfigured connections cycle turning into an infinite loop
// — the graph equivalent of packet.maxStackDepth.
const maxHops = 128

// Logger is the minimal sink the dispatcher logs through; log/slog's
// *slog.Logger satisfies it without this package depending on it.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type node struct {
	impl        Stage
	connections map[Port]string
}

// Graph is the wired processing graph: named stage instances plus their
// per-port connections, rooted at the configured active stage. It is the
// dispatcher described in spec.md §5: strictly sequential, no suspension
// points within one packet's journey, every stage error handled by
// logging and dropping rather than propagating.
type Graph struct {
	nodes   map[string]*node
	root    string
	chain   []FlowStage // the flow-level stage chain invoked on eviction
	logger  Logger
}

// NewGraph returns an empty graph rooted at root. logger may be nil, in
// which case diagnostics are discarded.
func NewGraph(root string, logger Logger) *Graph {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Graph{nodes: make(map[string]*node), root: root, logger: logger}
}

// AddNode registers a constructed stage instance under name with its
// per-port connections table.
func (g *Graph) AddNode(name string, impl Stage, connections map[Port]string) {
	g.nodes[name] = &node{impl: impl, connections: connections}
	if fs, ok := impl.(FlowStage); ok {
		g.chain = append(g.chain, fs)
	}
}

// Validate checks that the root stage and every connection target name
// a stage that was actually added — a configuration error per spec.md §7
// ("unknown stage referenced"), fatal at initialisation.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.root]; !ok {
		return fmt.Errorf("stage: root stage %q is not defined", g.root)
	}
	for name, n := range g.nodes {
		for port, target := range n.connections {
			if _, ok := g.nodes[target]; !ok {
				return fmt.Errorf("stage: %q port %q connects to undefined stage %q", name, port, target)
			}
		}
	}
	return nil
}

// Dispatch walks d through the graph starting at the root stage,
// following each stage's returned port to its connection (falling back
// to DefaultPort), until a stage returns DropPort, a stage has no
// matching connection, or maxHops is exceeded.
func (g *Graph) Dispatch(d *packet.Descriptor) {
	current := g.root
	for hops := 0; hops < maxHops; hops++ {
		n, ok := g.nodes[current]
		if !ok {
			g.logger.Error("stage: dispatch reached undefined stage", "stage", current)
			return
		}
		port := g.safeProcessPacket(current, n, d)
		if port == DropPort {
			return
		}
		target, ok := n.connections[port]
		if !ok {
			target, ok = n.connections[DefaultPort]
		}
		if !ok {
			g.logger.Warn("stage: no connection for port, dropping", "stage", current, "port", string(port))
			return
		}
		current = target
	}
	g.logger.Error("stage: packet exceeded max hop count, dropping", "maxHops", maxHops)
}

// safeProcessPacket calls n's ProcessPacket, recovering and logging any
// panic as a dropped packet rather than letting it cross the stage
// boundary (spec.md §7 "errors never cross the stage boundary as
// exceptions").
func (g *Graph) safeProcessPacket(name string, n *node, d *packet.Descriptor) (port Port) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("stage: panic in ProcessPacket, dropping packet", "stage", name, "panic", r)
			port = DropPort
		}
	}()
	return n.impl.ProcessPacket(d)
}

// DispatchFlow runs fl through the flow-level stage chain (every added
// stage that implements FlowStage, in the order it was added), invoked by
// the store's evictor when fl times out — the handle's last use.
func (g *Graph) DispatchFlow(fl *flow.Record) {
	for _, fs := range g.chain {
		g.safeProcessFlow(fs, fl)
	}
}

func (g *Graph) safeProcessFlow(fs FlowStage, fl *flow.Record) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("stage: panic in ProcessFlow, skipping stage", "panic", r)
		}
	}()
	fs.ProcessFlow(fl)
}

// StageNames returns every stage name currently in the graph, useful for
// routing control-channel configuration blocks to the right Configure
// call.
func (g *Graph) StageNames() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	return names
}

// Configure looks up stage name and, if it implements ConfigurableStage,
// applies settings. Returns an error if the stage is unknown or does not
// accept configuration, or if Configure itself fails — both are runtime
// reconfig errors per spec.md §7 (logged by the caller, rest of the
// control block still processed).
func (g *Graph) Configure(name string, settings map[string]any) error {
	n, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("stage: unknown stage %q", name)
	}
	cfg, ok := n.impl.(ConfigurableStage)
	if !ok {
		return fmt.Errorf("stage: %q does not accept configuration", name)
	}
	return cfg.Configure(settings)
}

// Status looks up stage name and, if it implements StatusStage, renders
// its status. Returns an error if the stage is unknown or does not
// support status reporting.
func (g *Graph) Status(name string, w io.Writer) error {
	n, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("stage: unknown stage %q", name)
	}
	ss, ok := n.impl.(StatusStage)
	if !ok {
		return fmt.Errorf("stage: %q does not support status reporting", name)
	}
	return ss.GetStatus(w)
}
