package lifecycle

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/logging"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/sessions"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

var durationPattern = regexp.MustCompile(`^(\d+)(s|m|h)$`)

// ParseReactionDuration parses the reaction duration grammar: an
// integer followed by s, m, or h. Unmatched strings yield 0.
func ParseReactionDuration(s string) time.Duration {
	match := durationPattern.FindStringSubmatch(s)
	if match == nil {
		return 0
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	switch match[2] {
	case "s":
		return time.Duration(n) * time.Second
	case "m":
		return time.Duration(n) * time.Minute
	default:
		return time.Duration(n) * time.Hour
	}
}

// reactionTracker counts attempts per (session, reaction key).
type reactionTracker struct {
	attempts       int
	firstTriggered time.Time
}

// Result reports what a reaction trigger did.
type Result struct {
	// Handled means the reaction claimed the transition; the lifecycle
	// manager must not also notify humans for it.
	Handled bool

	// Escalated means the retry budget was exhausted and humans were
	// notified with reaction.escalated.
	Escalated bool

	// Success is false when a send-to-agent delivery failed; the next
	// poll tick retries without escalating.
	Success bool
}

type notifyFunc func(ctx context.Context, evt *types.Event, priority types.Priority)

// Engine executes configured reactions, tracking attempts and
// escalating when a reaction's budget is exhausted.
type Engine struct {
	cfg      *config.Config
	sessions *sessions.Manager
	notify   notifyFunc
	emit     Capture

	mu       sync.Mutex
	trackers map[string]*reactionTracker
	now      func() time.Time
}

func newEngine(cfg *config.Config, sm *sessions.Manager, notify notifyFunc, emit Capture) *Engine {
	return &Engine{
		cfg:      cfg,
		sessions: sm,
		notify:   notify,
		emit:     emit,
		trackers: make(map[string]*reactionTracker),
		now:      time.Now,
	}
}

func trackerKey(sessionID, reactionKey string) string {
	return sessionID + ":" + reactionKey
}

// Execute triggers the reaction configured for key against a session
// transition event.
func (e *Engine) Execute(ctx context.Context, key string, s *types.Session, evt *types.Event) Result {
	if key == "" {
		return Result{}
	}
	rc := e.cfg.ReactionsFor(s.ProjectID)[key]
	return e.run(ctx, key, s.ID, rc, evt)
}

// ExecuteGlobal triggers a sessionless reaction (all-complete).
func (e *Engine) ExecuteGlobal(ctx context.Context, key string, evt *types.Event) Result {
	rc := e.cfg.Reactions[key]
	return e.run(ctx, key, "", rc, evt)
}

func (e *Engine) run(ctx context.Context, key, sessionID string, rc *config.Reaction, evt *types.Event) Result {
	if rc == nil {
		return Result{}
	}
	// Disabled reactions still notify: notifications are always
	// allowed.
	if !rc.Auto && rc.Action != config.ActionNotify {
		return Result{}
	}

	attempts, first := e.bump(sessionID, key, rc)
	ctx = logging.WithComponent(ctx, "reactions")

	if e.shouldEscalate(rc, attempts, first) {
		priority := types.PriorityUrgent
		if rc.Priority != "" {
			priority = types.Priority(rc.Priority)
		}
		esc := types.NewEvent(types.EventReactionEscalated, evt.SessionID, evt.ProjectID,
			"Reaction "+key+" exhausted after "+strconv.Itoa(attempts)+" attempts: "+evt.Message)
		esc.Priority = priority
		esc.Data = map[string]any{"reaction": key, "attempts": attempts, "cause": string(evt.Type)}
		e.emit(esc)
		e.notify(ctx, esc, priority)
		logging.Warn(ctx, "reaction escalated",
			slog.String("reaction", key),
			slog.Int("attempts", attempts),
		)
		return Result{Handled: true, Escalated: true, Success: true}
	}

	switch rc.Action {
	case config.ActionSendToAgent:
		if err := e.sessions.Send(ctx, sessionID, rc.Message); err != nil {
			logging.Warn(ctx, "send-to-agent failed",
				slog.String("reaction", key),
				slog.String("error", err.Error()),
			)
			return Result{Handled: true, Success: false}
		}
		logging.Info(ctx, "sent reaction message",
			slog.String("reaction", key),
			slog.Int("attempt", attempts),
		)
		return Result{Handled: true, Success: true}

	case config.ActionNotify:
		priority := types.PriorityInfo
		if rc.Priority != "" {
			priority = types.Priority(rc.Priority)
		}
		trig := e.triggeredEvent(key, evt, attempts)
		trig.Priority = priority
		e.emit(trig)
		e.notify(ctx, trig, priority)
		return Result{Handled: true, Success: true}

	case config.ActionAutoMerge:
		// Notify-only for now; SCM-backed merging is deferred.
		trig := e.triggeredEvent(key, evt, attempts)
		trig.Priority = types.PriorityAction
		e.emit(trig)
		e.notify(ctx, trig, types.PriorityAction)
		return Result{Handled: true, Success: true}

	default:
		return Result{}
	}
}

func (e *Engine) triggeredEvent(key string, cause *types.Event, attempts int) *types.Event {
	evt := types.NewEvent(types.EventReactionTriggered, cause.SessionID, cause.ProjectID, cause.Message)
	evt.Data = map[string]any{"reaction": key, "attempts": attempts, "cause": string(cause.Type)}
	return evt
}

// bump increments the tracker, creating it on first trigger. When a
// retry budget exists the count caps at retries+1 so repeated
// escalations do not grow it without bound.
func (e *Engine) bump(sessionID, key string, rc *config.Reaction) (int, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := trackerKey(sessionID, key)
	t, ok := e.trackers[k]
	if !ok {
		t = &reactionTracker{firstTriggered: e.now()}
		e.trackers[k] = t
	}
	if rc.Retries == nil || t.attempts <= *rc.Retries {
		t.attempts++
	}
	return t.attempts, t.firstTriggered
}

func (e *Engine) shouldEscalate(rc *config.Reaction, attempts int, first time.Time) bool {
	if rc.Retries != nil && attempts > *rc.Retries {
		return true
	}
	if rc.EscalateAfter != "" {
		if n, ok := rc.EscalateAfter.AsAttempts(); ok {
			if n < attempts {
				return true
			}
		} else if d := ParseReactionDuration(rc.EscalateAfter.String()); d > 0 {
			if e.now().Sub(first) >= d {
				return true
			}
		}
	}
	return false
}

// Clear drops the tracker for (session, key). Called when the status
// that would re-trigger the key flips to any other status.
func (e *Engine) Clear(sessionID, key string) {
	if key == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trackers, trackerKey(sessionID, key))
}

// Prune drops trackers for sessions absent from the listing.
func (e *Engine) Prune(live map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.trackers {
		sessionID, _, _ := strings.Cut(k, ":")
		// Sessionless trackers (all-complete) have an empty session id
		// and are never pruned here.
		if sessionID != "" && !live[sessionID] {
			delete(e.trackers, k)
		}
	}
}

// Attempts reports a tracker's count (tests).
func (e *Engine) Attempts(sessionID, key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.trackers[trackerKey(sessionID, key)]; ok {
		return t.attempts
	}
	return 0
}
