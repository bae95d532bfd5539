package plugin

import (
	"sort"
	"sync"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
)

var (
	modulesMu sync.RWMutex
	modules   = make(map[moduleKey]Module)
)

type moduleKey struct {
	slot Slot
	name string
}

// RegisterModule adds a plugin module to the process-wide module table.
// Called from init() in each implementation package; only modules that
// are actually compiled in appear here. Invalid modules (empty slot or
// name, nil factory) are dropped silently.
func RegisterModule(m Module) {
	if m.Manifest.Slot == "" || m.Manifest.Name == "" || m.Factory == nil {
		return
	}
	modulesMu.Lock()
	defer modulesMu.Unlock()
	modules[moduleKey{m.Manifest.Slot, m.Manifest.Name}] = m
}

// Modules returns a snapshot of the registered module table.
func Modules() []Module {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	out := make([]Module, 0, len(modules))
	for _, m := range modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Manifest.Slot != out[j].Manifest.Slot {
			return out[i].Manifest.Slot < out[j].Manifest.Slot
		}
		return out[i].Manifest.Name < out[j].Manifest.Name
	})
	return out
}

type entry struct {
	manifest Manifest
	instance any
}

// Registry indexes instantiated plugins by (slot, name).
type Registry struct {
	mu      sync.RWMutex
	entries map[moduleKey]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[moduleKey]*entry)}
}

// Register constructs an instance from the module's factory and indexes
// it by (slot, name). Re-registering the same key replaces the previous
// instance. Invalid modules and factory failures are skipped silently;
// consumers observe the gap as a nil Get result.
func (r *Registry) Register(m Module, cfg map[string]any) {
	r.RegisterNamed(m, m.Manifest.Name, cfg)
}

// RegisterNamed registers under an instance name that may differ from
// the module name. Used for notifiers, where one plugin backs several
// configured channels.
func (r *Registry) RegisterNamed(m Module, name string, cfg map[string]any) {
	if m.Manifest.Slot == "" || name == "" || m.Factory == nil {
		return
	}
	inst, err := m.Factory(cfg)
	if err != nil || inst == nil {
		return
	}
	manifest := m.Manifest
	manifest.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[moduleKey{m.Manifest.Slot, name}] = &entry{manifest: manifest, instance: inst}
}

// Lookup returns the raw instance for (slot, name), or nil.
func (r *Registry) Lookup(slot Slot, name string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[moduleKey{slot, name}]
	if !ok {
		return nil
	}
	return e.instance
}

// List returns the manifests registered for a slot, sorted by name.
func (r *Registry) List(slot Slot) []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Manifest
	for k, e := range r.entries {
		if k.slot == slot {
			out = append(out, e.manifest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the typed instance for (slot, name), or the zero value
// and false when the plugin is absent or has the wrong shape. Missing
// plugins never raise.
func Get[T any](r *Registry, slot Slot, name string) (T, bool) {
	var zero T
	inst := r.Lookup(slot, name)
	if inst == nil {
		return zero, false
	}
	t, ok := inst.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// LoadBuiltins instantiates every compiled-in module with any
// slot/name-specific config from the orchestrator config. Notifier
// modules are instantiated once per configured notifier channel under
// the channel's name; other slots get one instance per module.
func (r *Registry) LoadBuiltins(cfg *config.Config) {
	for _, m := range Modules() {
		if m.Manifest.Slot == SlotNotifier {
			continue
		}
		r.Register(m, moduleConfig(cfg, m.Manifest))
	}
	if cfg == nil {
		return
	}
	for name, nc := range cfg.Notifiers {
		m, ok := moduleFor(SlotNotifier, nc.Plugin)
		if !ok {
			continue
		}
		r.RegisterNamed(m, name, nc.Options)
	}
}

// LoadFromConfig is LoadBuiltins plus (reserved) per-project plugin
// loading by package name or local path.
func (r *Registry) LoadFromConfig(cfg *config.Config) {
	r.LoadBuiltins(cfg)
	// Per-project external plugins are reserved; nothing to load until
	// a discovery mechanism exists for out-of-tree modules.
}

func moduleFor(slot Slot, name string) (Module, bool) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	m, ok := modules[moduleKey{slot, name}]
	return m, ok
}

func moduleConfig(cfg *config.Config, m Manifest) map[string]any {
	if cfg == nil {
		return nil
	}
	// Workspace and runtime builtins need the directory roots; hand
	// them the same keys regardless of plugin name.
	switch m.Slot {
	case SlotWorkspace:
		return map[string]any{"worktreeDir": cfg.WorktreeDir}
	case SlotRuntime:
		return map[string]any{"dataDir": cfg.DataDir}
	default:
		return nil
	}
}
