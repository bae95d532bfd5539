package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

func prMeta() map[string]string {
	return map[string]string{"pr": "https://github.com/acme/my-app/pull/12"}
}

func readStatus(t *testing.T, env *testEnv, id string) string {
	t.Helper()
	values, err := env.store.Read("my-app", id)
	require.NoError(t, err)
	return values["status"]
}

func TestDetermineStatus_PRAxis(t *testing.T) {
	tests := []struct {
		name string
		scm  *fakeSCM
		want string
	}{
		{
			name: "merged pr",
			scm:  &fakeSCM{state: plugin.PRStateMerged},
			want: "merged",
		},
		{
			name: "closed pr is killed",
			scm:  &fakeSCM{state: plugin.PRStateClosed},
			want: "killed",
		},
		{
			name: "failing ci",
			scm:  &fakeSCM{ci: plugin.CIFailing},
			want: "ci_failed",
		},
		{
			name: "changes requested",
			scm:  &fakeSCM{ci: plugin.CIPassing, decision: plugin.ReviewChangesRequested},
			want: "changes_requested",
		},
		{
			name: "approved but not mergeable",
			scm:  &fakeSCM{ci: plugin.CIPassing, decision: plugin.ReviewApproved},
			want: "approved",
		},
		{
			name: "approved and mergeable",
			scm: &fakeSCM{
				ci: plugin.CIPassing, decision: plugin.ReviewApproved,
				merge: &plugin.Mergeability{Mergeable: true},
			},
			want: "mergeable",
		},
		{
			name: "review pending",
			scm:  &fakeSCM{ci: plugin.CIPassing, decision: plugin.ReviewPending},
			want: "review_pending",
		},
		{
			name: "open pr with no signals",
			scm:  &fakeSCM{ci: plugin.CINone},
			want: "pr_open",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.seedSession(t, "app-1", types.StatusWorking, prMeta())
			env.scm.detected = tt.scm.detected
			env.scm.state = tt.scm.state
			env.scm.stateErr = tt.scm.stateErr
			env.scm.ci = tt.scm.ci
			env.scm.decision = tt.scm.decision
			env.scm.merge = tt.scm.merge

			env.manager.Tick()
			assert.Equal(t, tt.want, readStatus(t, env, "app-1"))
		})
	}
}

func TestDetermineStatus_SCMFailureSkipsPRAxis(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedSession(t, "app-1", types.StatusPROpen, prMeta())
	env.scm.stateErr = errProbe

	env.manager.Tick()

	// Step 3 is skipped wholesale; pr_open is preserved by the default
	// rule, not coerced.
	assert.Equal(t, "pr_open", readStatus(t, env, "app-1"))
}

func TestDetermineStatus_PRStatusRequiresPR(t *testing.T) {
	// Without a PR on record the merge-axis statuses are unreachable
	// even when the SCM would report them.
	env := newTestEnv(t, nil)
	env.seedSession(t, "app-1", types.StatusWorking, nil)
	env.scm.state = plugin.PRStateMerged
	env.scm.ci = plugin.CIFailing

	env.manager.Tick()
	assert.Equal(t, "working", readStatus(t, env, "app-1"))
}
