// Package lifecycle implements the periodic control loop: per-tick
// multi-source status derivation, transition persistence, reaction
// dispatch, and escalation to human notifiers.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/logging"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/metadata"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/sessions"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

// DefaultInterval is the polling cadence when the caller does not
// specify one.
const DefaultInterval = 30 * time.Second

// Capture receives engine events for best-effort telemetry.
type Capture func(event *types.Event)

// Manager runs the polling loop over all sessions.
type Manager struct {
	cfg      *config.Config
	registry *plugin.Registry
	sessions *sessions.Manager
	engine   *Engine
	capture  Capture

	mu                 sync.Mutex
	states             map[string]types.SessionStatus
	polling            bool
	allCompleteEmitted bool

	runMu   sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewManager assembles a lifecycle manager over the session manager
// and plugin registry. capture may be nil.
func NewManager(cfg *config.Config, registry *plugin.Registry, sm *sessions.Manager, capture Capture) *Manager {
	m := &Manager{
		cfg:      cfg,
		registry: registry,
		sessions: sm,
		states:   make(map[string]types.SessionStatus),
		capture:  capture,
	}
	m.engine = newEngine(cfg, sm, m.NotifyHuman, m.emit)
	return m
}

// Start begins the repeating poll. Idempotent: a second Start while
// running is a no-op. The cron schedule is wrapped in
// SkipIfStillRunning so a tick that outlives the interval makes the
// next timer firing a no-op instead of overlapping.
func (m *Manager) Start(interval time.Duration) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(interval), cron.FuncJob(m.Tick))
	c.Start()
	m.cron = c
	m.running = true
}

// Stop cancels the next scheduled tick; an in-flight tick runs to
// completion. Idempotent.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.cron = nil
	m.running = false
}

// Tick runs one poll pass. Exported for the CLI's --once mode and for
// tests; the cron schedule calls it on every interval. Re-entrant
// calls are dropped.
func (m *Manager) Tick() {
	m.mu.Lock()
	if m.polling {
		m.mu.Unlock()
		return
	}
	m.polling = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.polling = false
		m.mu.Unlock()
	}()

	ctx := logging.WithComponent(context.Background(), "lifecycle")
	defer logging.LogDuration(ctx, slog.LevelDebug, "tick completed", time.Now())

	list, err := m.sessions.List(ctx, "")
	if err != nil {
		logging.Warn(ctx, "session listing failed", slog.String("error", err.Error()))
		return
	}

	selected := m.selectSessions(list)

	var wg sync.WaitGroup
	for _, s := range selected {
		wg.Add(1)
		go func(s *types.Session) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logging.Error(ctx, "check panicked",
						slog.String("session_id", s.ID),
						slog.String("panic", fmt.Sprint(r)),
					)
				}
			}()
			if err := m.Check(ctx, s); err != nil {
				logging.Warn(logging.WithSession(ctx, s.ID), "check failed", slog.String("error", err.Error()))
			}
		}(s)
	}
	wg.Wait()

	m.prune(list)
	m.maybeEmitAllComplete(ctx, list)
}

// selectSessions picks the sessions this tick will check: every
// non-terminal session, plus any whose listed status differs from the
// engine's last tracked status, so a runtime-death observed by List is
// still processed even though the observed status is killed.
func (m *Manager) selectSessions(list []*types.Session) []*types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var selected []*types.Session
	for _, s := range list {
		if !s.Status.IsTerminal() {
			m.allCompleteEmitted = false
			selected = append(selected, s)
			continue
		}
		// Terminal as observed by List. Still check it when the
		// observation differs from the last tracked status, so a
		// runtime-death detected by the listing gets its transition
		// processed. Ids never tracked fall back to the persisted
		// status for the comparison.
		if m.lastTracked(s) != s.Status {
			selected = append(selected, s)
			continue
		}
		if _, seen := m.states[s.ID]; !seen {
			// Terminal before the engine ever saw it (e.g. across a
			// restart): record silently, no event.
			m.states[s.ID] = s.Status
		}
	}
	return selected
}

// lastTracked returns the engine's view of a session's previous
// status: the in-memory tracked value, or the metadata-persisted
// status before the engine has seen the id. Callers hold m.mu or
// tolerate the race.
func (m *Manager) lastTracked(s *types.Session) types.SessionStatus {
	if tracked, seen := m.states[s.ID]; seen {
		return tracked
	}
	return types.ParseStatus(s.Metadata[metadata.KeyStatus])
}

// prune drops tracked state and reaction trackers for ids that no
// longer appear in the listing. Without this, retries would leak
// across session lifetimes reusing the same id.
func (m *Manager) prune(list []*types.Session) {
	live := make(map[string]bool, len(list))
	for _, s := range list {
		live[s.ID] = true
	}
	m.mu.Lock()
	for id := range m.states {
		if !live[id] {
			delete(m.states, id)
		}
	}
	m.mu.Unlock()
	m.engine.Prune(live)
}

// maybeEmitAllComplete fires the all-complete reaction exactly once
// when every session is terminal. The guard resets as soon as any
// session is observed non-terminal again.
func (m *Manager) maybeEmitAllComplete(ctx context.Context, list []*types.Session) {
	if len(list) == 0 {
		return
	}
	m.mu.Lock()
	for _, s := range list {
		// Prefer the post-check state over the pre-tick listing
		// snapshot: sessions that reached terminal this tick count.
		status := s.Status
		if tracked, seen := m.states[s.ID]; seen {
			status = tracked
		}
		if !status.IsTerminal() {
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()
	if _, ok := m.cfg.Reactions[reactionKeys[types.EventAllComplete]]; !ok {
		return
	}

	m.mu.Lock()
	if m.allCompleteEmitted {
		m.mu.Unlock()
		return
	}
	m.allCompleteEmitted = true
	m.mu.Unlock()

	evt := types.NewEvent(types.EventAllComplete, "", "", fmt.Sprintf("All %d sessions complete", len(list)))
	m.emit(evt)
	m.engine.ExecuteGlobal(ctx, reactionKeys[types.EventAllComplete], evt)
}

// Check derives the session's current status and, on a change,
// persists it and dispatches the transition.
func (m *Manager) Check(ctx context.Context, s *types.Session) error {
	ctx = logging.WithSession(logging.WithProject(ctx, s.ProjectID), s.ID)

	m.detectPR(ctx, s)

	next := m.determineStatus(ctx, s)

	m.mu.Lock()
	prev := m.lastTracked(s)
	m.states[s.ID] = next
	if !next.IsTerminal() {
		m.allCompleteEmitted = false
	}
	m.mu.Unlock()

	if next == prev {
		// No transition, but a state that carries a reaction keeps
		// triggering it every tick: that is what makes retry counting
		// and delayed escalation meaningful.
		if evtType, ok := statusEvents[next]; ok {
			if key := reactionKeys[evtType]; key != "" {
				evt := types.NewEvent(evtType, s.ID, s.ProjectID, transitionMessage(s, next))
				m.engine.Execute(ctx, key, s, evt)
			}
		}
		return nil
	}

	logging.Info(ctx, "status changed",
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)

	// Merge-update the metadata; a session archived mid-tick is fine
	// to skip, the next listing prunes it.
	if err := m.sessions.UpdateStatus(s.ProjectID, s.ID, next); err != nil {
		logging.Warn(ctx, "persisting status failed", slog.String("error", err.Error()))
	}

	// Refresh the agent's self-reported summary alongside the status.
	// Best-effort, like every agent-log probe.
	if agent := m.agentPlugin(s); agent != nil {
		if info, err := agent.SessionInfo(ctx, s); err == nil && info != nil {
			s.AgentInfo = info
			if err := m.sessions.UpdateSummary(s.ProjectID, s.ID, info.Summary); err != nil {
				logging.Debug(ctx, "persisting summary failed", slog.String("error", err.Error()))
			}
		}
	}

	// The tracker for the state we just left must not carry its retry
	// count into a future re-entry of that state.
	if oldEvt, ok := statusEvents[prev]; ok {
		if key, ok := reactionKeys[oldEvt]; ok {
			m.engine.Clear(s.ID, key)
		}
	}

	evtType, ok := statusEvents[next]
	if !ok {
		return nil
	}
	evt := types.NewEvent(evtType, s.ID, s.ProjectID, transitionMessage(s, next))
	evt.Data = map[string]any{"from": string(prev), "to": string(next)}
	if s.Activity != "" {
		evt.Data["activity"] = string(s.Activity)
	}
	m.emit(evt)

	s.Status = next
	res := m.engine.Execute(ctx, reactionKeys[evtType], s, evt)
	if !res.Handled && evt.Priority != types.PriorityInfo {
		m.NotifyHuman(ctx, evt, evt.Priority)
	}
	return nil
}

// detectPR asks the SCM for a PR on the session's branch when none is
// recorded yet. Wrapped like every SCM probe: failures leave the
// session PR-less until a later tick.
func (m *Manager) detectPR(ctx context.Context, s *types.Session) {
	if s.PR != nil {
		return
	}
	scm := m.scmPlugin(s)
	if scm == nil {
		return
	}
	project := m.cfg.Project(s.ProjectID)
	pr, err := scm.DetectPR(ctx, s, project)
	if err != nil || pr == nil {
		return
	}
	s.PR = pr
	if err := m.sessions.UpdatePR(s.ProjectID, s.ID, pr); err != nil {
		logging.Warn(ctx, "persisting detected PR failed", slog.String("error", err.Error()))
	}
}

// States returns a copy of the engine's tracked status map (tests).
func (m *Manager) States() map[string]types.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.SessionStatus, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// Engine exposes the reaction engine (tests).
func (m *Manager) Engine() *Engine { return m.engine }

func (m *Manager) emit(evt *types.Event) {
	if m.capture != nil {
		m.capture(evt)
	}
}

func transitionMessage(s *types.Session, status types.SessionStatus) string {
	prNumber := 0
	if s.PR != nil {
		prNumber = s.PR.Number
	}
	switch status {
	case types.StatusWorking:
		return fmt.Sprintf("%s is working", s.ID)
	case types.StatusPROpen:
		return fmt.Sprintf("%s opened PR #%d", s.ID, prNumber)
	case types.StatusCIFailed:
		return fmt.Sprintf("CI failing on PR #%d (%s)", prNumber, s.ID)
	case types.StatusReviewPending:
		return fmt.Sprintf("PR #%d awaiting review (%s)", prNumber, s.ID)
	case types.StatusChangesRequested:
		return fmt.Sprintf("Changes requested on PR #%d (%s)", prNumber, s.ID)
	case types.StatusApproved:
		return fmt.Sprintf("PR #%d approved (%s)", prNumber, s.ID)
	case types.StatusMergeable:
		return fmt.Sprintf("PR #%d ready to merge (%s)", prNumber, s.ID)
	case types.StatusMerged:
		return fmt.Sprintf("PR #%d merged (%s)", prNumber, s.ID)
	case types.StatusNeedsInput:
		return fmt.Sprintf("%s is waiting for input", s.ID)
	case types.StatusStuck:
		return fmt.Sprintf("%s appears stuck", s.ID)
	case types.StatusErrored:
		return fmt.Sprintf("%s hit an error", s.ID)
	case types.StatusKilled:
		return fmt.Sprintf("%s exited", s.ID)
	default:
		return fmt.Sprintf("%s is now %s", s.ID, status)
	}
}
