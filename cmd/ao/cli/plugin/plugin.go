// Package plugin defines the orchestrator's plugin slots, the contracts
// each slot must satisfy, and the registry that indexes implementations
// by (slot, name). Implementations register a factory from init() in
// their own package; the registry instantiates them on demand with any
// slot/name-specific configuration.
package plugin

import (
	"context"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

// Slot is a fixed plugin category. The set is closed.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotTracker   Slot = "tracker"
	SlotSCM       Slot = "scm"
	SlotNotifier  Slot = "notifier"
	SlotTerminal  Slot = "terminal"
)

// Manifest identifies a plugin implementation.
type Manifest struct {
	Slot        Slot
	Name        string
	Description string
}

// Factory constructs a plugin instance from its slot-specific config.
// The returned value must satisfy the contract for the manifest's slot.
type Factory func(cfg map[string]any) (any, error)

// Module pairs a manifest with its factory. This is what implementation
// packages register from init().
type Module struct {
	Manifest Manifest
	Factory  Factory
}

// CreateSpec is the input to Runtime.Create.
type CreateSpec struct {
	SessionID     string
	WorkspacePath string
	LaunchCommand string
	Environment   map[string]string
}

// Runtime is the process-host abstraction: terminal multiplexer,
// container, or supervised child process.
type Runtime interface {
	Create(ctx context.Context, spec CreateSpec) (*types.RuntimeHandle, error)
	Destroy(ctx context.Context, handle *types.RuntimeHandle) error
	SendMessage(ctx context.Context, handle *types.RuntimeHandle, message string) error
	GetOutput(ctx context.Context, handle *types.RuntimeHandle, lines int) (string, error)
	IsAlive(ctx context.Context, handle *types.RuntimeHandle) (bool, error)
}

// Agent abstracts the AI coding tool running inside the runtime.
type Agent interface {
	// LaunchCommand composes the shell command that starts the agent.
	LaunchCommand(cfg config.AgentConfig) string

	// Environment returns agent-specific environment variables for the
	// spawned runtime.
	Environment(cfg config.AgentConfig) map[string]string

	// DetectActivity classifies recent terminal output into a coarse
	// activity state.
	DetectActivity(terminal string) types.Activity

	// IsProcessRunning reports whether the agent process itself is
	// still alive inside the runtime.
	IsProcessRunning(ctx context.Context, handle *types.RuntimeHandle) (bool, error)

	// IsProcessing is a deeper probe (e.g. tailing the agent's own log)
	// for whether the agent is mid-task.
	IsProcessing(ctx context.Context, session *types.Session) (bool, error)

	// SessionInfo extracts summary/cost/last-log-time from the agent's
	// own log. Returns nil when nothing is available.
	SessionInfo(ctx context.Context, session *types.Session) (*types.AgentInfo, error)
}

// PostLaunchSetup is implemented by agents that need a hook right after
// the runtime is created (seeding an initial prompt, installing hooks).
type PostLaunchSetup interface {
	Agent

	PostLaunchSetup(ctx context.Context, session *types.Session) error
}

// WorkspaceSpec is the input to Workspace.Create.
type WorkspaceSpec struct {
	ProjectID string
	Project   *config.Project
	SessionID string
	Branch    string
}

// WorkspaceInfo describes an isolated checkout.
type WorkspaceInfo struct {
	Path      string
	Branch    string
	SessionID string
}

// Workspace manages isolated code checkouts (worktrees or clones).
type Workspace interface {
	Create(ctx context.Context, spec WorkspaceSpec) (*WorkspaceInfo, error)
	Destroy(ctx context.Context, path string) error
	List(ctx context.Context, projectID string) ([]WorkspaceInfo, error)
}

// PostCreateHook is implemented by workspaces that support per-project
// post-create setup (symlinks, install commands).
type PostCreateHook interface {
	Workspace

	PostCreate(ctx context.Context, info *WorkspaceInfo, project *config.Project) error
}

// Issue is the tracker's view of a unit of work.
type Issue struct {
	ID     string
	Title  string
	Body   string
	State  string
	URL    string
	Labels []string
}

// Tracker is the issue source (GitHub Issues, Linear).
type Tracker interface {
	Issue(ctx context.Context, issueID string, project *config.Project) (*Issue, error)
	IsCompleted(ctx context.Context, issueID string, project *config.Project) (bool, error)
	IssueURL(issueID string, project *config.Project) string
	BranchName(issueID string, project *config.Project) string
	GeneratePrompt(ctx context.Context, issueID string, project *config.Project) (string, error)
}

// IssueLister is implemented by trackers that can enumerate and mutate
// issues, not just resolve them.
type IssueLister interface {
	Tracker

	ListIssues(ctx context.Context, project *config.Project) ([]Issue, error)
	UpdateIssue(ctx context.Context, issueID string, project *config.Project, fields map[string]string) error
	CreateIssue(ctx context.Context, project *config.Project, title, body string) (*Issue, error)
}

// PRState is the source platform's lifecycle state for a pull request.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateMerged PRState = "merged"
	PRStateClosed PRState = "closed"
)

// CISummary aggregates check results for a PR.
type CISummary string

const (
	CIPassing CISummary = "passing"
	CIFailing CISummary = "failing"
	CIPending CISummary = "pending"
	CINone    CISummary = "none"
)

// ReviewDecision is the aggregate review outcome for a PR.
type ReviewDecision string

const (
	ReviewApproved         ReviewDecision = "approved"
	ReviewChangesRequested ReviewDecision = "changes_requested"
	ReviewPending          ReviewDecision = "pending"
	ReviewNone             ReviewDecision = "none"
)

// CICheck is one named check run.
type CICheck struct {
	Name       string
	Status     string
	Conclusion string
	URL        string
}

// Review is one submitted review.
type Review struct {
	Author string
	State  string
	Body   string
}

// Comment is a review or bot comment on a PR.
type Comment struct {
	Author string
	Body   string
	Path   string
	URL    string
}

// Mergeability is the SCM's merge-readiness verdict.
type Mergeability struct {
	Mergeable   bool
	CIPassing   bool
	Approved    bool
	NoConflicts bool
	Blockers    []string
}

// SCM is the source-platform adapter covering PR, CI, reviews, and
// merge readiness.
type SCM interface {
	DetectPR(ctx context.Context, session *types.Session, project *config.Project) (*types.PRInfo, error)
	PRState(ctx context.Context, pr *types.PRInfo) (PRState, error)
	MergePR(ctx context.Context, pr *types.PRInfo, method string) error
	ClosePR(ctx context.Context, pr *types.PRInfo) error
	CIChecks(ctx context.Context, pr *types.PRInfo) ([]CICheck, error)
	CISummary(ctx context.Context, pr *types.PRInfo) (CISummary, error)
	Reviews(ctx context.Context, pr *types.PRInfo) ([]Review, error)
	ReviewDecision(ctx context.Context, pr *types.PRInfo) (ReviewDecision, error)
	PendingComments(ctx context.Context, pr *types.PRInfo) ([]Comment, error)
	AutomatedComments(ctx context.Context, pr *types.PRInfo) ([]Comment, error)
	Mergeability(ctx context.Context, pr *types.PRInfo) (*Mergeability, error)
}

// Notifier is an outbound channel to humans.
type Notifier interface {
	Notify(ctx context.Context, event *types.Event) error
}

// Terminal is the attachment helper slot. The engine never calls it;
// it exists so attach tooling can be looked up by the CLI layer.
type Terminal interface {
	Attach(ctx context.Context, handle *types.RuntimeHandle) error
}
