// Package types defines the entities shared across the orchestrator:
// sessions, pull request records, events, and the enumerations that
// describe session lifecycle and agent activity.
package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the persisted lifecycle position of a session.
type SessionStatus string

const (
	StatusSpawning         SessionStatus = "spawning"
	StatusWorking          SessionStatus = "working"
	StatusPROpen           SessionStatus = "pr_open"
	StatusCIFailed         SessionStatus = "ci_failed"
	StatusReviewPending    SessionStatus = "review_pending"
	StatusChangesRequested SessionStatus = "changes_requested"
	StatusApproved         SessionStatus = "approved"
	StatusMergeable        SessionStatus = "mergeable"
	StatusMerged           SessionStatus = "merged"
	StatusCleanup          SessionStatus = "cleanup"
	StatusNeedsInput       SessionStatus = "needs_input"
	StatusStuck            SessionStatus = "stuck"
	StatusErrored          SessionStatus = "errored"
	StatusKilled           SessionStatus = "killed"
	StatusDone             SessionStatus = "done"
	StatusTerminated       SessionStatus = "terminated"
)

var validStatuses = map[SessionStatus]bool{
	StatusSpawning: true, StatusWorking: true, StatusPROpen: true,
	StatusCIFailed: true, StatusReviewPending: true, StatusChangesRequested: true,
	StatusApproved: true, StatusMergeable: true, StatusMerged: true,
	StatusCleanup: true, StatusNeedsInput: true, StatusStuck: true,
	StatusErrored: true, StatusKilled: true, StatusDone: true,
	StatusTerminated: true,
}

// ParseStatus maps a stored status string to a SessionStatus.
// Unknown strings become StatusSpawning; the legacy "starting" value
// maps to StatusWorking.
func ParseStatus(s string) SessionStatus {
	if s == "starting" {
		return StatusWorking
	}
	st := SessionStatus(s)
	if !validStatuses[st] {
		return StatusSpawning
	}
	return st
}

// IsTerminal reports whether the engine's polling filter treats the
// status as absorbing. Only merged and killed stop the loop from
// checking a session; done/terminated/cleanup are display-only.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusMerged || s == StatusKilled
}

// Activity is the instantaneous classification of what the agent is
// doing right now, independent of the persisted status.
type Activity string

const (
	ActivityActive       Activity = "active"
	ActivityReady        Activity = "ready"
	ActivityIdle         Activity = "idle"
	ActivityWaitingInput Activity = "waiting_input"
	ActivityBlocked      Activity = "blocked"
	ActivityExited       Activity = "exited"
)

// Priority routes events to notifier channels.
type Priority string

const (
	PriorityUrgent  Priority = "urgent"
	PriorityAction  Priority = "action"
	PriorityWarning Priority = "warning"
	PriorityInfo    Priority = "info"
)

// EventType is the closed set of engine event identifiers.
type EventType string

const (
	EventSessionSpawned    EventType = "session.spawned"
	EventSessionWorking    EventType = "session.working"
	EventSessionNeedsInput EventType = "session.needs_input"
	EventSessionStuck      EventType = "session.stuck"
	EventSessionErrored    EventType = "session.errored"
	EventSessionKilled     EventType = "session.killed"
	EventPRCreated         EventType = "pr.created"
	EventCIFailing         EventType = "ci.failing"
	EventReviewPending     EventType = "review.pending"
	EventReviewChanges     EventType = "review.changes_requested"
	EventReviewApproved    EventType = "review.approved"
	EventAutomatedReview   EventType = "automated_review.found"
	EventMergeReady        EventType = "merge.ready"
	EventMergeConflicts    EventType = "merge.conflicts"
	EventMergeCompleted    EventType = "merge.completed"
	EventReactionTriggered EventType = "reaction.triggered"
	EventReactionEscalated EventType = "reaction.escalated"
	EventAllComplete       EventType = "summary.all_complete"
)

// RuntimeHandle is the opaque address the runtime plugin uses to reach
// a session's process host. Data is plugin-defined.
type RuntimeHandle struct {
	ID          string         `json:"id"`
	RuntimeName string         `json:"runtimeName"`
	Data        map[string]any `json:"data,omitempty"`
}

// PRInfo describes the pull request a session is driving toward merge.
type PRInfo struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Repo       string `json:"repo,omitempty"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	IsDraft    bool   `json:"isDraft,omitempty"`
}

// AgentInfo is the summary the agent plugin extracts from the agent's
// own log (Claude Code's JSONL transcript, for example).
type AgentInfo struct {
	Summary     string    `json:"summary,omitempty"`
	CostUSD     float64   `json:"costUSD,omitempty"`
	LastLogTime time.Time `json:"lastLogTime,omitzero"`
}

// Session is the central entity: one agent working, in isolation,
// toward closing one issue.
type Session struct {
	ID             string
	ProjectID      string
	Status         SessionStatus
	Activity       Activity // empty when unknown
	Branch         string
	IssueID        string
	PR             *PRInfo
	WorkspacePath  string
	RuntimeHandle  *RuntimeHandle
	AgentInfo      *AgentInfo
	CreatedAt      time.Time
	LastActivityAt time.Time

	// Metadata is the raw key=value record this Session was
	// reconstructed from.
	Metadata map[string]string
}

// Event is the unit of notification and reaction dispatch.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Priority  Priority       `json:"priority"`
	SessionID string         `json:"sessionId,omitempty"`
	ProjectID string         `json:"projectId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh id and the current time.
// Priority is inferred from the event type; callers may overwrite it.
func NewEvent(t EventType, sessionID, projectID, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Priority:  InferPriority(t),
		SessionID: sessionID,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
}

// InferPriority derives a notification priority from the event type.
// Used when neither the reaction config nor the caller specifies one.
func InferPriority(t EventType) Priority {
	s := string(t)
	switch {
	case strings.Contains(s, "stuck") || strings.Contains(s, "needs_input") || strings.Contains(s, "errored"):
		return PriorityUrgent
	case strings.HasPrefix(s, "summary."):
		return PriorityInfo
	case strings.Contains(s, "approved") || strings.Contains(s, "ready") || strings.Contains(s, "merged") || strings.Contains(s, "completed"):
		return PriorityAction
	case strings.Contains(s, "fail") || strings.Contains(s, "changes_requested") || strings.Contains(s, "conflicts"):
		return PriorityWarning
	default:
		return PriorityInfo
	}
}
