package cli

import (
	"sync"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/lifecycle"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/logging"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/sessions"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/telemetry"
)

// Services bundles the assembled engine: registry, then session
// manager, then lifecycle manager. There is no back-edge between them.
type Services struct {
	Config    *config.Config
	Registry  *plugin.Registry
	Sessions  *sessions.Manager
	Lifecycle *lifecycle.Manager
	Telemetry telemetry.Client
}

var (
	servicesMu sync.Mutex
	services   *Services
)

// getServices lazily assembles the engine once per process. Concurrent
// first callers share a single initialization; a failed initialization
// is not cached, so the next call retries.
func getServices(configPath string) (*Services, error) {
	servicesMu.Lock()
	defer servicesMu.Unlock()
	if services != nil {
		return services, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.DataDir); err != nil {
		return nil, err
	}

	registry := plugin.NewRegistry()
	registry.LoadFromConfig(cfg)

	sm := sessions.NewManager(cfg, registry)
	tc := telemetry.NewClient(Version, cfg.Telemetry)
	lm := lifecycle.NewManager(cfg, registry, sm, tc.CaptureEvent)

	services = &Services{
		Config:    cfg,
		Registry:  registry,
		Sessions:  sm,
		Lifecycle: lm,
		Telemetry: tc,
	}
	return services, nil
}

// resetServices clears the cache (tests).
func resetServices() {
	servicesMu.Lock()
	defer servicesMu.Unlock()
	services = nil
}
