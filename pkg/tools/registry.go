package tools

import (
	"fmt"
	"sort"
	"sync"

	"conductor/pkg/logx"
)

// immutableRegistry is the global, read-only tool catalog. Tools are
// registered in init() and the registry is sealed at boot; any later
// registration is a programming error and panics.
type immutableRegistry struct {
	mu     sync.RWMutex
	sealed bool
	tools  map[string]ToolSpec
	order  []string
}

//nolint:gochecknoglobals // catalog pattern requires a package-level registry
var globalRegistry = &immutableRegistry{
	tools: make(map[string]ToolSpec),
}

//nolint:gochecknoglobals // package-scoped logger
var registryLogger = logx.NewLogger("tools")

// Register adds a tool to the global catalog. Panics if the registry is
// sealed or the name is empty or already taken.
func Register(spec ToolSpec) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	name := spec.Name()
	if globalRegistry.sealed {
		panic(fmt.Sprintf("tool registry sealed - cannot register tool %q", name))
	}
	if name == "" {
		panic("tool registration requires a name")
	}
	if _, exists := globalRegistry.tools[name]; exists {
		panic(fmt.Sprintf("tool %q already registered", name))
	}

	globalRegistry.tools[name] = spec
	globalRegistry.order = append(globalRegistry.order, name)
}

// Seal prevents further registrations. Called once at boot, before any
// tool definitions are handed to an LLM.
func Seal() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.sealed = true
}

// Sealed reports whether the catalog is frozen.
func Sealed() bool {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	return globalRegistry.sealed
}

// Get returns the spec for a tool name.
func Get(name string) (ToolSpec, bool) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	spec, ok := globalRegistry.tools[name]
	return spec, ok
}

// List returns all registered specs in registration order.
func List() []ToolSpec {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]ToolSpec, 0, len(globalRegistry.order))
	for _, name := range globalRegistry.order {
		result = append(result, globalRegistry.tools[name])
	}
	return result
}

// Names returns the sorted names of every registered tool.
func Names() []string {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	names := make([]string, 0, len(globalRegistry.tools))
	for name := range globalRegistry.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Filter resolves an allow-list to catalog specs, preserving the
// allow-list order. Unknown names are logged and skipped rather than
// failing the caller: an agent with a stale allow-list should still get
// its remaining tools.
func Filter(allow []string) []ToolSpec {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]ToolSpec, 0, len(allow))
	for _, name := range allow {
		spec, ok := globalRegistry.tools[name]
		if !ok {
			registryLogger.Warn("⚠️ Unknown tool in allow-list: %s", name)
			continue
		}
		result = append(result, spec)
	}
	return result
}

// Definitions maps an allow-list to the provider-facing definitions.
func Definitions(allow []string) []ToolDefinition {
	specs := Filter(allow)
	defs := make([]ToolDefinition, 0, len(specs))
	for i := range specs {
		defs = append(defs, specs[i].Definition)
	}
	return defs
}

// resetForTest unseals and clears the registry, then reinstalls the
// built-in catalog. Tests use it to exercise registration edge cases
// without leaving the catalog in a broken state.
func resetForTest() {
	globalRegistry.mu.Lock()
	globalRegistry.sealed = false
	globalRegistry.tools = make(map[string]ToolSpec)
	globalRegistry.order = nil
	globalRegistry.mu.Unlock()

	registerCatalog()
}
