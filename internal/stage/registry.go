package stage

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is wrapped into the error GetFactory returns when name has
// no registered factory.
var ErrNotFound = errors.New("stage: implementation type not found")

// Factory builds a fresh, unconfigured Stage instance. Construction and
// configuration are deliberately separate steps (construct at graph-build
// time, configure via Configure or at first startup) mirroring the
// teacher's plugin factories in pkg/plugin/registry.go.
type Factory func() Stage

var registry = make(map[string]Factory)

// Register adds a named implementation type to the global registry.
// Called from implementation packages' init() functions. Panics on an
// empty name, a nil factory, or a duplicate registration — all three are
// compile-time bugs, not runtime conditions.
func Register(implType string, factory Factory) {
	if implType == "" {
		panic("stage: implementation type name cannot be empty")
	}
	if factory == nil {
		panic("stage: factory cannot be nil")
	}
	if _, exists := registry[implType]; exists {
		panic(fmt.Sprintf("stage: implementation type %q already registered", implType))
	}
	registry[implType] = factory
}

// GetFactory returns the factory registered for implType, or ErrNotFound
// wrapped with the implementation type name. A lookup miss here is a
// configuration error per spec.md §7 ("unknown stage referenced"),
// which is fatal at initialisation.
func GetFactory(implType string) (Factory, error) {
	factory, ok := registry[implType]
	if !ok {
		return nil, fmt.Errorf("implementation type %q: %w", implType, ErrNotFound)
	}
	return factory, nil
}

// List returns every registered implementation type name, sorted.
func List() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
