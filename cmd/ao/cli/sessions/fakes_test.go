package sessions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

// fakeRuntime records calls and lets tests script liveness and
// failures.
type fakeRuntime struct {
	mu        sync.Mutex
	created   []plugin.CreateSpec
	destroyed []string
	sent      map[string][]string

	createErr  error
	sendErr    error
	aliveByID  map[string]bool
	aliveErr   error
	destroyErr error
	output     string
	outputErr  error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{sent: map[string][]string{}, aliveByID: map[string]bool{}}
}

func (f *fakeRuntime) Create(_ context.Context, spec plugin.CreateSpec) (*types.RuntimeHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, spec)
	f.aliveByID[spec.SessionID] = true
	return &types.RuntimeHandle{ID: spec.SessionID, RuntimeName: "fake", Data: map[string]any{"pid": 4242}}, nil
}

func (f *fakeRuntime) Destroy(_ context.Context, handle *types.RuntimeHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, handle.ID)
	if f.destroyErr != nil {
		return f.destroyErr
	}
	delete(f.aliveByID, handle.ID)
	return nil
}

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

func (f *fakeRuntime) IsAlive(_ context.Context, handle *types.RuntimeHandle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aliveErr != nil {
		return false, f.aliveErr
	}
	alive, ok := f.aliveByID[handle.ID]
	return ok && alive, nil
}

// fakeAgent is a minimal agent plugin.
type fakeAgent struct {
	activity   types.Activity
	running    bool
	runningErr error
}

func (f *fakeAgent) LaunchCommand(_ config.AgentConfig) string { return "fake-agent" }

func (f *fakeAgent) Environment(_ config.AgentConfig) map[string]string {
	return map[string]string{"FAKE_AGENT": "1"}
}

func (f *fakeAgent) DetectActivity(_ string) types.Activity {
	if f.activity == "" {
		return types.ActivityActive
	}
	return f.activity
}

func (f *fakeAgent) IsProcessRunning(_ context.Context, _ *types.RuntimeHandle) (bool, error) {
	return f.running, f.runningErr
}

func (f *fakeAgent) IsProcessing(_ context.Context, _ *types.Session) (bool, error) {
	return false, nil
}

func (f *fakeAgent) SessionInfo(_ context.Context, _ *types.Session) (*types.AgentInfo, error) {
	return nil, nil
}

// fakeWorkspace creates real temp directories so destroy can be
// observed.
type fakeWorkspace struct {
	mu        sync.Mutex
	root      string
	created   []string
	destroyed []string
	createErr error
}

func (f *fakeWorkspace) Create(_ context.Context, spec plugin.WorkspaceSpec) (*plugin.WorkspaceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	path := filepath.Join(f.root, spec.SessionID)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, err
	}
	f.created = append(f.created, path)
	return &plugin.WorkspaceInfo{Path: path, Branch: spec.Branch, SessionID: spec.SessionID}, nil
}

func (f *fakeWorkspace) Destroy(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, path)
	return os.RemoveAll(path)
}

func (f *fakeWorkspace) List(_ context.Context, _ string) ([]plugin.WorkspaceInfo, error) {
	return nil, nil
}

// fakeTracker scripts branch naming and completion.
type fakeTracker struct {
	branch    string
	completed map[string]bool
}

func (f *fakeTracker) Issue(_ context.Context, issueID string, _ *config.Project) (*plugin.Issue, error) {
	return &plugin.Issue{ID: issueID, Title: "issue " + issueID}, nil
}

func (f *fakeTracker) IsCompleted(_ context.Context, issueID string, _ *config.Project) (bool, error) {
	return f.completed[issueID], nil
}

func (f *fakeTracker) IssueURL(issueID string, _ *config.Project) string { return "urn:" + issueID }

func (f *fakeTracker) BranchName(issueID string, _ *config.Project) string {
	if f.branch != "" {
		return f.branch
	}
	return ""
}

func (f *fakeTracker) GeneratePrompt(_ context.Context, issueID string, _ *config.Project) (string, error) {
	return "work on " + issueID, nil
}

// fakeSCM scripts PR state for cleanup and lifecycle tests.
type fakeSCM struct {
	mu       sync.Mutex
	detected *types.PRInfo
	state    plugin.PRState
	stateErr error
	ci       plugin.CISummary
	ciErr    error
	decision plugin.ReviewDecision
	decErr   error
	merge    *plugin.Mergeability
	mergeErr error
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
	if f.ciErr != nil {
		return "", f.ciErr
	}
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
	if f.decErr != nil {
		return "", f.decErr
	}
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
	if f.mergeErr != nil {
		return nil, f.mergeErr
	}
	if f.merge == nil {
		return &plugin.Mergeability{}, nil
	}
	return f.merge, nil
}

var errBoom = errors.New("boom")

func registerFake(r *plugin.Registry, slot plugin.Slot, name string, inst any) {
	r.Register(plugin.Module{
		Manifest: plugin.Manifest{Slot: slot, Name: name},
		Factory:  func(_ map[string]any) (any, error) { return inst, nil },
	}, nil)
}
