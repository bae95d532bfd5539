// Package telemetry reports anonymous engine events (the status
// transitions, reactions, escalations and all-complete summaries that
// the lifecycle loop emits) to PostHog. Spawning a session emits no
// event and is not reported. Opt-in, best-effort, and
// never allowed to slow the control loop down.
package telemetry

import (
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

var (
	// PostHogAPIKey is set at build time for production
	PostHogAPIKey = "phc_development_key"
	// PostHogEndpoint is set at build time for production
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// OptOutEnvVar disables telemetry regardless of settings.
const OptOutEnvVar = "AO_TELEMETRY_OPTOUT"

// Client defines the telemetry interface
type Client interface {
	CaptureEvent(event *types.Event)
	Close()
}

// NoOpClient is a no-op implementation for when telemetry is disabled
type NoOpClient struct{}

func (n *NoOpClient) CaptureEvent(_ *types.Event) {}
func (n *NoOpClient) Close()                      {}

// silentLogger suppresses PostHog log output - expected for best-effort telemetry
type silentLogger struct{}

func (silentLogger) Logf(_ string, _ ...interface{})   {}
func (silentLogger) Debugf(_ string, _ ...interface{}) {}
func (silentLogger) Warnf(_ string, _ ...interface{})  {}
func (silentLogger) Errorf(_ string, _ ...interface{}) {}

// PostHogClient is the real telemetry client
type PostHogClient struct {
	client    posthog.Client
	machineID string
	version   string
	mu        sync.RWMutex
}

// NewClient creates a telemetry client. enabled=false (the default)
// yields a no-op client, as does the opt-out env var or any failure to
// initialize.
//
//nolint:ireturn // Factory function - returns NoOpClient or PostHogClient based on settings
func NewClient(version string, enabled bool) Client {
	if os.Getenv(OptOutEnvVar) != "" || !enabled {
		return &NoOpClient{}
	}

	id, err := machineid.ProtectedID("agent-orchestrator")
	if err != nil {
		return &NoOpClient{}
	}

	// Fast-timeout transport - the engine must never block on telemetry
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 100 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   100 * time.Millisecond,
		ResponseHeaderTimeout: 100 * time.Millisecond,
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    100 * time.Millisecond,
		BatchUploadTimeout: 200 * time.Millisecond,
		Transport:          transport,
		Logger:             silentLogger{},
		DisableGeoIP:       posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
	if err != nil {
		return &NoOpClient{}
	}

	return &PostHogClient{
		client:    client,
		machineID: id,
		version:   version,
	}
}

// CaptureEvent records one engine event. Only the event type, priority,
// and project are reported; messages and session data stay local.
func (p *PostHogClient) CaptureEvent(event *types.Event) {
	if event == nil {
		return
	}

	p.mu.RLock()
	id := p.machineID
	c := p.client
	p.mu.RUnlock()

	if c == nil {
		return
	}

	props := posthog.NewProperties().
		Set("event_type", string(event.Type)).
		Set("priority", string(event.Priority))
	if event.ProjectID != "" {
		props.Set("project", event.ProjectID)
	}

	//nolint:errcheck // Best-effort telemetry, failures should not affect the engine
	_ = c.Enqueue(posthog.Capture{
		DistinctId: id,
		Event:      "engine_event",
		Properties: props,
	})
}

// Close flushes and shuts down the underlying client.
func (p *PostHogClient) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
}
