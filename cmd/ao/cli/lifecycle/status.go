package lifecycle

import (
	"context"
	"log/slog"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/logging"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

// outputProbeLines is how much recent terminal output the activity
// classifier sees per check.
const outputProbeLines = 100

// statusEvents maps a newly derived status to the event it emits.
// Statuses absent here yield no event.
var statusEvents = map[types.SessionStatus]types.EventType{
	types.StatusWorking:          types.EventSessionWorking,
	types.StatusPROpen:           types.EventPRCreated,
	types.StatusCIFailed:         types.EventCIFailing,
	types.StatusReviewPending:    types.EventReviewPending,
	types.StatusChangesRequested: types.EventReviewChanges,
	types.StatusApproved:         types.EventReviewApproved,
	types.StatusMergeable:        types.EventMergeReady,
	types.StatusMerged:           types.EventMergeCompleted,
	types.StatusNeedsInput:       types.EventSessionNeedsInput,
	types.StatusStuck:            types.EventSessionStuck,
	types.StatusErrored:          types.EventSessionErrored,
	types.StatusKilled:           types.EventSessionKilled,
}

// reactionKeys maps event types to their configured reaction key.
// Events absent here have no automatic reaction.
var reactionKeys = map[types.EventType]string{
	types.EventCIFailing:         "ci-failed",
	types.EventReviewChanges:     "changes-requested",
	types.EventAutomatedReview:   "bugbot-comments",
	types.EventMergeConflicts:    "merge-conflicts",
	types.EventMergeReady:        "approved-and-green",
	types.EventSessionStuck:      "agent-stuck",
	types.EventSessionNeedsInput: "agent-needs-input",
	types.EventSessionKilled:     "agent-exited",
	types.EventAllComplete:       "all-complete",
}

// preserveOnProbeFailure reports whether a status must survive probe
// exceptions untouched.
func preserveOnProbeFailure(s types.SessionStatus) bool {
	return s == types.StatusStuck || s == types.StatusNeedsInput
}

// determineStatus correlates the three signal sources in priority
// order: runtime liveness, agent activity, then PR state. Probe
// failures are swallowed; stuck and needs_input are never coerced away
// by a failed probe.
func (m *Manager) determineStatus(ctx context.Context, s *types.Session) types.SessionStatus {
	cur := s.Status

	runtime := m.runtimePlugin(s)
	agent := m.agentPlugin(s)

	// 1. Runtime liveness. Probe errors mean "assume alive".
	if s.RuntimeHandle != nil && runtime != nil {
		alive, err := runtime.IsAlive(ctx, s.RuntimeHandle)
		if err == nil && !alive {
			return types.StatusKilled
		}
		if err != nil && preserveOnProbeFailure(cur) {
			return cur
		}
	}

	// 2. Agent activity. Empty output is a probe failure, not idle.
	if s.RuntimeHandle != nil && runtime != nil && agent != nil {
		output, err := runtime.GetOutput(ctx, s.RuntimeHandle, outputProbeLines)
		if err != nil || output == "" {
			if preserveOnProbeFailure(cur) {
				return cur
			}
		} else {
			activity := agent.DetectActivity(output)
			s.Activity = activity
			switch activity {
			case types.ActivityWaitingInput:
				return types.StatusNeedsInput
			case types.ActivityIdle, types.ActivityReady:
				running, err := agent.IsProcessRunning(ctx, s.RuntimeHandle)
				if err == nil && !running {
					return types.StatusKilled
				}
				if err != nil && preserveOnProbeFailure(cur) {
					return cur
				}
			}
		}
	}

	// 3. PR state. Every SCM call is wrapped: any failure skips the
	// whole step.
	if pr := s.PR; pr != nil {
		if scm := m.scmPlugin(s); scm != nil {
			if status, ok := derivePRStatus(ctx, scm, pr); ok {
				return status
			}
		}
	}

	// 4. Default: transient states recover to working, everything else
	// stands.
	switch cur {
	case types.StatusSpawning, types.StatusStuck, types.StatusNeedsInput:
		return types.StatusWorking
	default:
		return cur
	}
}

func derivePRStatus(ctx context.Context, scm plugin.SCM, pr *types.PRInfo) (types.SessionStatus, bool) {
	state, err := scm.PRState(ctx, pr)
	if err != nil {
		logging.Debug(ctx, "pr state probe failed", slog.String("error", err.Error()))
		return "", false
	}
	switch state {
	case plugin.PRStateMerged:
		return types.StatusMerged, true
	case plugin.PRStateClosed:
		return types.StatusKilled, true
	}

	ci, err := scm.CISummary(ctx, pr)
	if err != nil {
		return "", false
	}
	if ci == plugin.CIFailing {
		return types.StatusCIFailed, true
	}

	decision, err := scm.ReviewDecision(ctx, pr)
	if err != nil {
		return "", false
	}
	switch decision {
	case plugin.ReviewChangesRequested:
		return types.StatusChangesRequested, true
	case plugin.ReviewApproved:
		mergeability, err := scm.Mergeability(ctx, pr)
		if err != nil {
			return "", false
		}
		if mergeability != nil && mergeability.Mergeable {
			return types.StatusMergeable, true
		}
		return types.StatusApproved, true
	case plugin.ReviewPending:
		return types.StatusReviewPending, true
	}

	return types.StatusPROpen, true
}

func (m *Manager) runtimePlugin(s *types.Session) plugin.Runtime {
	name := m.cfg.Defaults.Runtime
	if s.RuntimeHandle != nil && s.RuntimeHandle.RuntimeName != "" {
		name = s.RuntimeHandle.RuntimeName
	} else if p := m.cfg.Project(s.ProjectID); p != nil && p.Runtime != "" {
		name = p.Runtime
	}
	rt, ok := plugin.Get[plugin.Runtime](m.registry, plugin.SlotRuntime, name)
	if !ok {
		return nil
	}
	return rt
}

func (m *Manager) agentPlugin(s *types.Session) plugin.Agent {
	name := m.cfg.Defaults.Agent
	if p := m.cfg.Project(s.ProjectID); p != nil && p.Agent != "" {
		name = p.Agent
	}
	agent, ok := plugin.Get[plugin.Agent](m.registry, plugin.SlotAgent, name)
	if !ok {
		return nil
	}
	return agent
}

func (m *Manager) scmPlugin(s *types.Session) plugin.SCM {
	p := m.cfg.Project(s.ProjectID)
	if p == nil || p.SCM == "" {
		return nil
	}
	scm, ok := plugin.Get[plugin.SCM](m.registry, plugin.SlotSCM, p.SCM)
	if !ok {
		return nil
	}
	return scm
}
