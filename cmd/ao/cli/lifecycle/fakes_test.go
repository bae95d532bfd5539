package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

var errProbe = errors.New("probe failed")

type fakeRuntime struct {
	mu        sync.Mutex
	alive     bool
	aliveErr  error
	output    string
	outputErr error
	sent      map[string][]string
	sendErr   error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{alive: true, output: "$ agent running\n", sent: map[string][]string{}}
}

func (f *fakeRuntime) Create(_ context.Context, spec plugin.CreateSpec) (*types.RuntimeHandle, error) {
	return &types.RuntimeHandle{ID: spec.SessionID, RuntimeName: "fake"}, nil
}

func (f *fakeRuntime) Destroy(_ context.Context, _ *types.RuntimeHandle) error { return nil }

func (f *fakeRuntime) SendMessage(_ context.Context, handle *types.RuntimeHandle, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[handle.ID] = append(f.sent[handle.ID], message)
	return nil
}

func (f *fakeRuntime) GetOutput(_ context.Context, _ *types.RuntimeHandle, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output, f.outputErr
}

func (f *fakeRuntime) IsAlive(_ context.Context, _ *types.RuntimeHandle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive, f.aliveErr
}

func (f *fakeRuntime) sentTo(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[id]...)
}

type fakeAgent struct {
	mu       sync.Mutex
	activity types.Activity
	running  bool
}

func (f *fakeAgent) LaunchCommand(_ config.AgentConfig) string          { return "fake-agent" }
func (f *fakeAgent) Environment(_ config.AgentConfig) map[string]string { return nil }

func (f *fakeAgent) DetectActivity(_ string) types.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activity == "" {
		return types.ActivityActive
	}
	return f.activity
}

func (f *fakeAgent) IsProcessRunning(_ context.Context, _ *types.RuntimeHandle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeAgent) IsProcessing(_ context.Context, _ *types.Session) (bool, error) {
	return false, nil
}

func (f *fakeAgent) SessionInfo(_ context.Context, _ *types.Session) (*types.AgentInfo, error) {
	return nil, nil
}

type fakeSCM struct {
	mu       sync.Mutex
	detected *types.PRInfo
	state    plugin.PRState
	stateErr error
	ci       plugin.CISummary
	decision plugin.ReviewDecision
	merge    *plugin.Mergeability
}

func (f *fakeSCM) DetectPR(_ context.Context, _ *types.Session, _ *config.Project) (*types.PRInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detected, nil
}

func (f *fakeSCM) PRState(_ context.Context, _ *types.PRInfo) (plugin.PRState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return "", f.stateErr
	}
	if f.state == "" {
		return plugin.PRStateOpen, nil
	}
	return f.state, nil
}

func (f *fakeSCM) MergePR(_ context.Context, _ *types.PRInfo, _ string) error { return nil }
func (f *fakeSCM) ClosePR(_ context.Context, _ *types.PRInfo) error           { return nil }

func (f *fakeSCM) CIChecks(_ context.Context, _ *types.PRInfo) ([]plugin.CICheck, error) {
	return nil, nil
}

func (f *fakeSCM) CISummary(_ context.Context, _ *types.PRInfo) (plugin.CISummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ci == "" {
		return plugin.CINone, nil
	}
	return f.ci, nil
}

func (f *fakeSCM) Reviews(_ context.Context, _ *types.PRInfo) ([]plugin.Review, error) {
	return nil, nil
}

func (f *fakeSCM) ReviewDecision(_ context.Context, _ *types.PRInfo) (plugin.ReviewDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decision == "" {
		return plugin.ReviewNone, nil
	}
	return f.decision, nil
}

func (f *fakeSCM) PendingComments(_ context.Context, _ *types.PRInfo) ([]plugin.Comment, error) {
	return nil, nil
}

func (f *fakeSCM) AutomatedComments(_ context.Context, _ *types.PRInfo) ([]plugin.Comment, error) {
	return nil, nil
}

func (f *fakeSCM) Mergeability(_ context.Context, _ *types.PRInfo) (*plugin.Mergeability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.merge == nil {
		return &plugin.Mergeability{}, nil
	}
	return f.merge, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*types.Event
	err    error
}

func (f *fakeNotifier) Notify(_ context.Context, event *types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) received() []*types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Event(nil), f.events...)
}

func (f *fakeNotifier) countByType(t types.EventType) int {
	n := 0
	for _, e := range f.received() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func registerFake(r *plugin.Registry, slot plugin.Slot, name string, inst any) {
	r.Register(plugin.Module{
		Manifest: plugin.Manifest{Slot: slot, Name: name},
		Factory:  func(_ map[string]any) (any, error) { return inst, nil },
	}, nil)
}
