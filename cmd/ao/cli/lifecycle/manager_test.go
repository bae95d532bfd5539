package lifecycle

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/metadata"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/sessions"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

type testEnv struct {
	manager  *Manager
	sessions *sessions.Manager
	store    *metadata.Store
	cfg      *config.Config
	runtime  *fakeRuntime
	agent    *fakeAgent
	scm      *fakeSCM
	notifier *fakeNotifier
	events   []*types.Event
}

func intPtr(n int) *int { return &n }

func newTestEnv(t *testing.T, reactions map[string]*config.Reaction) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:     dataDir,
		WorktreeDir: filepath.Join(dataDir, "worktrees"),
		Defaults: config.Defaults{
			Runtime: "fake", Agent: "fake", Workspace: "fake",
			Notifiers: []string{"human"},
		},
		Projects: map[string]*config.Project{
			"my-app": {
				Name:          "my-app",
				Repo:          "acme/my-app",
				Path:          filepath.Join(dataDir, "repo"),
				DefaultBranch: "main",
				SessionPrefix: "app",
				SCM:           "fake",
			},
		},
		Reactions: reactions,
	}

	env := &testEnv{
		cfg:      cfg,
		runtime:  newFakeRuntime(),
		agent:    &fakeAgent{running: true},
		scm:      &fakeSCM{},
		notifier: &fakeNotifier{},
	}
	registry := plugin.NewRegistry()
	registerFake(registry, plugin.SlotRuntime, "fake", env.runtime)
	registerFake(registry, plugin.SlotAgent, "fake", env.agent)
	registerFake(registry, plugin.SlotSCM, "fake", env.scm)
	registerFake(registry, plugin.SlotNotifier, "human", env.notifier)

	env.sessions = sessions.NewManager(cfg, registry)
	env.store = env.sessions.Store()
	env.manager = NewManager(cfg, registry, env.sessions, func(evt *types.Event) {
		env.events = append(env.events, evt)
	})
	return env
}

// seedSession writes metadata for a session with a live fake runtime
// handle.
func (env *testEnv) seedSession(t *testing.T, id string, status types.SessionStatus, extra map[string]string) {
	t.Helper()
	handle, err := json.Marshal(&types.RuntimeHandle{ID: id, RuntimeName: "fake"})
	require.NoError(t, err)
	values := map[string]string{
		"status":        string(status),
		"project":       "my-app",
		"createdAt":     time.Now().UTC().Format(time.RFC3339),
		"runtimeHandle": string(handle),
	}
	for k, v := range extra {
		values[k] = v
	}
	require.NoError(t, env.store.Write("my-app", id, values))
}

func TestTick_CIFailedTriggersSendToAgent(t *testing.T) {
	env := newTestEnv(t, map[string]*config.Reaction{
		"ci-failed": {
			Auto: true, Action: config.ActionSendToAgent,
			Message: "Fix CI", Retries: intPtr(3), EscalateAfter: "3",
		},
	})
	env.seedSession(t, "app-1", types.StatusPROpen, map[string]string{
		"pr": "https://github.com/acme/my-app/pull/12",
	})
	env.scm.ci = plugin.CIFailing

	env.manager.Tick()

	// Status persisted as ci_failed.
	values, err := env.store.Read("my-app", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "ci_failed", values["status"])

	// The fix prompt went to the agent, and no human was notified.
	assert.Equal(t, []string{"Fix CI"}, env.runtime.sentTo("app-1"))
	assert.Empty(t, env.notifier.received())
}

func TestTick_EscalatesAfterRetriesExhausted(t *testing.T) {
	env := newTestEnv(t, map[string]*config.Reaction{
		"ci-failed": {
			Auto: true, Action: config.ActionSendToAgent,
			Message: "Fix CI", Retries: intPtr(3), EscalateAfter: "3",
		},
	})
	env.seedSession(t, "app-1", types.StatusPROpen, map[string]string{
		"pr": "https://github.com/acme/my-app/pull/12",
	})
	env.scm.ci = plugin.CIFailing

	// CI stays failing: tick 1 transitions, ticks 2-3 re-trigger, the
	// 4th trigger exceeds retries=3 and escalates.
	for i := 0; i < 4; i++ {
		env.manager.Tick()
	}

	assert.Len(t, env.runtime.sentTo("app-1"), 3)
	received := env.notifier.received()
	require.Len(t, received, 1)
	assert.Equal(t, types.EventReactionEscalated, received[0].Type)
	assert.Equal(t, types.PriorityUrgent, received[0].Priority)
	assert.Equal(t, 4, env.manager.Engine().Attempts("app-1", "ci-failed"))
}

func TestTick_TrackerClearedOnRecovery(t *testing.T) {
	env := newTestEnv(t, map[string]*config.Reaction{
		"ci-failed": {
			Auto: true, Action: config.ActionSendToAgent,
			Message: "Fix CI", Retries: intPtr(3),
		},
	})
	env.seedSession(t, "app-1", types.StatusPROpen, map[string]string{
		"pr": "https://github.com/acme/my-app/pull/12",
	})
	env.scm.ci = plugin.CIFailing

	env.manager.Tick()
	env.manager.Tick()
	assert.Equal(t, 2, env.manager.Engine().Attempts("app-1", "ci-failed"))

	// CI goes green: status leaves ci_failed, tracker resets.
	env.scm.ci = plugin.CIPassing
	env.manager.Tick()
	assert.Equal(t, 0, env.manager.Engine().Attempts("app-1", "ci-failed"))
}

func TestCheck_ProbeFailurePreservesStuck(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedSession(t, "app-1", types.StatusStuck, nil)
	env.runtime.outputErr = errProbe

	env.manager.Tick()

	values, err := env.store.Read("my-app", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "stuck", values["status"])
	assert.Empty(t, env.events)
	assert.Empty(t, env.notifier.received())
}

func TestCheck_EmptyOutputIsProbeFailureNotIdle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedSession(t, "app-1", types.StatusNeedsInput, nil)
	env.runtime.output = ""

	env.manager.Tick()

	values, err := env.store.Read("my-app", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "needs_input", values["status"])
}

func TestCheck_WaitingInputBecomesNeedsInput(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedSession(t, "app-1", types.StatusWorking, nil)
	env.agent.activity = types.ActivityWaitingInput

	env.manager.Tick()

	values, err := env.store.Read("my-app", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "needs_input", values["status"])
	// needs_input infers urgent and there is no reaction: humans hear
	// about it.
	require.Len(t, env.notifier.received(), 1)
	assert.Equal(t, types.EventSessionNeedsInput, env.notifier.received()[0].Type)
}

func TestCheck_IdleWithDeadProcessIsKilled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedSession(t, "app-1", types.StatusWorking, nil)
	env.agent.activity = types.ActivityIdle
	env.agent.running = false

	env.manager.Tick()

	values, err := env.store.Read("my-app", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "killed", values["status"])
}

func TestCheck_RuntimeDeadIsKilled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedSession(t, "app-1", types.StatusWorking, nil)
	env.runtime.alive = false

	env.manager.Tick()

	// List already observed killed; check still processes the
	// transition and persists it.
	values, err := env.store.Read("my-app", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "killed", values["status"])
}

func TestCheck_SpawningRecoversToWorking(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedSession(t, "app-1", types.StatusSpawning, nil)

	env.manager.Tick()

	values, err := env.store.Read("my-app", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "working", values["status"])
}

func TestTick_AllCompleteFiresOnce(t *testing.T) {
	env := newTestEnv(t, map[string]*config.Reaction{
		"all-complete": {Auto: true, Action: config.ActionNotify, Priority: "info"},
	})
	env.seedSession(t, "app-1", types.StatusApproved, map[string]string{
		"pr": "https://github.com/acme/my-app/pull/1",
	})
	env.seedSession(t, "app-2", types.StatusApproved, map[string]string{
		"pr": "https://github.com/acme/my-app/pull/2",
	})
	env.scm.state = plugin.PRStateMerged

	// Both transition to merged in the same tick.
	env.manager.Tick()
	env.manager.Tick()
	env.manager.Tick()

	count := 0
	for _, evt := range env.events {
		if evt.Type == types.EventAllComplete {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// A new non-terminal session resets the guard.
	env.seedSession(t, "app-3", types.StatusWorking, nil)
	env.manager.Tick()
	// app-3 merges too; the summary fires again.
	require.NoError(t, env.store.Update("my-app", "app-3", map[string]string{"status": "merged"}))
	env.manager.Tick()

	count = 0
	for _, evt := range env.events {
		if evt.Type == types.EventAllComplete {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestTick_PruneDropsVanishedSessions(t *testing.T) {
	env := newTestEnv(t, map[string]*config.Reaction{
		"ci-failed": {Auto: true, Action: config.ActionSendToAgent, Message: "Fix CI"},
	})
	env.seedSession(t, "app-1", types.StatusPROpen, map[string]string{
		"pr": "https://github.com/acme/my-app/pull/12",
	})
	env.scm.ci = plugin.CIFailing

	env.manager.Tick()
	assert.Equal(t, 1, env.manager.Engine().Attempts("app-1", "ci-failed"))

	// Session is archived out from under the loop.
	_, err := env.store.Archive("my-app", "app-1", time.Now())
	require.NoError(t, err)
	env.manager.Tick()

	assert.Equal(t, 0, env.manager.Engine().Attempts("app-1", "ci-failed"))
	assert.Empty(t, env.manager.States())
}

func TestStartStop_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	env.manager.Start(time.Hour)
	env.manager.Start(time.Hour) // no-op
	env.manager.Stop()
	env.manager.Stop() // no-op

	// Restartable after a stop.
	env.manager.Start(time.Hour)
	env.manager.Stop()
}

func TestCheck_DetectsPR(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedSession(t, "app-1", types.StatusWorking, nil)
	env.scm.detected = &types.PRInfo{
		Number: 9, URL: "https://github.com/acme/my-app/pull/9",
		Owner: "acme", Repo: "my-app",
	}

	env.manager.Tick()

	values, err := env.store.Read("my-app", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/my-app/pull/9", values["pr"])
	assert.Equal(t, "pr_open", values["status"])
}

func TestNotifierFailureDoesNotBlockSiblings(t *testing.T) {
	env := newTestEnv(t, nil)
	broken := &fakeNotifier{err: errProbe}
	second := &fakeNotifier{}
	registry := plugin.NewRegistry()
	registerFake(registry, plugin.SlotNotifier, "broken", broken)
	registerFake(registry, plugin.SlotNotifier, "second", second)
	env.cfg.Defaults.Notifiers = []string{"broken", "second"}

	m := NewManager(env.cfg, registry, env.sessions, nil)
	evt := types.NewEvent(types.EventSessionStuck, "app-1", "my-app", "stuck")
	m.NotifyHuman(t.Context(), evt, types.PriorityUrgent)

	assert.Len(t, second.received(), 1)
}
