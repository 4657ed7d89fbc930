package engine

import (
	"fmt"

	"firestige.xyz/otus/internal/classify"
	"firestige.xyz/otus/internal/config"
	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/gtpcontrol"
	"firestige.xyz/otus/internal/gtpuser"
	"firestige.xyz/otus/internal/stage"
	"firestige.xyz/otus/internal/translayer"
)

// Implementation type names that bypass internal/stage's zero-arg
// factory registry because they need a dependency this package
// constructs once and shares across the whole graph: the flow store,
// the GTP tunnel registry, and the loaded classification metadata.
// internal/translayer.Stage's doc comment names this exact split.
const (
	typeTranslayer = "translayer"
	typeGTPControl = "gtpcontrol"
	typeGTPUser    = "gtpuser"
	typeClassify   = "classify"
)

// sharedDeps are the engine-owned instances handed directly to the
// stage types constructStage special-cases, instead of the private,
// unshared ones each package's registered factory would build.
type sharedDeps struct {
	flowStore *flow.Store[flow.ID, *flow.Record]
	registry  *gtpcontrol.Registry
	meta      *classify.Metadata

	// gtpStage is pre-built by Engine.New, before buildGraph runs, so the
	// engine retains the exact pointer it needs to drive CleanupExpired
	// from an output rotation hook — stage.Graph's node map is private
	// and offers no way to recover a constructed instance afterward.
	gtpStage *gtpcontrol.Stage
}

// buildGraph constructs a stage.Graph from cfg's declared stages. Each
// stage is either constructed directly against deps (the hybrid
// construction path) or via stage.GetFactory followed by Configure, then
// wired into the graph with its configured port connections.
func buildGraph(cfg *config.Config, deps sharedDeps, logger stage.Logger) (*stage.Graph, error) {
	graph := stage.NewGraph(cfg.RootStage, logger)

	for name, sc := range cfg.Stages {
		impl, preconfigured, err := constructStage(sc, deps)
		if err != nil {
			return nil, fmt.Errorf("engine: build stage %q: %w", name, err)
		}
		if !preconfigured {
			if cs, ok := impl.(stage.ConfigurableStage); ok {
				if err := cs.Configure(sc.Settings); err != nil {
					return nil, fmt.Errorf("engine: configure stage %q: %w", name, err)
				}
			}
		}

		connections := make(map[stage.Port]string, len(sc.Connections))
		for port, target := range sc.Connections {
			connections[stage.Port(port)] = target
		}
		graph.AddNode(name, impl, connections)
	}

	if err := graph.Validate(); err != nil {
		return nil, err
	}
	return graph, nil
}

// constructStage builds one unconfigured-or-configured stage instance
// for sc.Type, reporting whether it already received its settings as
// part of construction (true for every shared-dependency type, since
// gtpcontrol.NewStage configures itself and the other three have no
// Configure hook at all).
func constructStage(sc config.StageConfig, deps sharedDeps) (stage.Stage, bool, error) {
	switch sc.Type {
	case typeTranslayer:
		return translayer.NewStage(deps.flowStore, deps.meta.NumFacets()), true, nil
	case typeGTPControl:
		return deps.gtpStage, true, nil
	case typeGTPUser:
		return gtpuser.NewStage(deps.registry), true, nil
	case typeClassify:
		return newClassifyStage(deps.meta), true, nil
	default:
		factory, err := stage.GetFactory(sc.Type)
		if err != nil {
			return nil, false, err
		}
		return factory(), false, nil
	}
}
