// Package sessions implements session CRUD: spawning, listing,
// inspection, messaging, teardown, and bulk cleanup. All side effects
// go through plugin interfaces; this package has no direct knowledge
// of tmux, git remotes, or the GitHub CLI.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/logging"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/metadata"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

// Session errors
var (
	ErrProjectNotFound = errors.New("Unknown project")
	ErrSessionNotFound = errors.New("not found")
	ErrIDExhausted     = errors.New("could not reserve a session id")
)

// idReserveAttempts bounds retries when concurrent spawns collide on
// the same numeric suffix.
const idReserveAttempts = 10

// SpawnConfig is the input to Spawn.
type SpawnConfig struct {
	ProjectID string
	IssueID   string
	Branch    string
	Prompt    string
}

// CleanupReport summarizes a bulk cleanup pass.
type CleanupReport struct {
	Killed  []string
	Skipped []string
	Errors  []string
}

// Manager owns session lifecycle CRUD.
type Manager struct {
	cfg      *config.Config
	registry *plugin.Registry
	store    *metadata.Store
}

// NewManager builds a session manager over the given config and plugin
// registry.
func NewManager(cfg *config.Config, registry *plugin.Registry) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		store:    metadata.NewStore(cfg.DataDir),
	}
}

// Store exposes the metadata store for collaborators (lifecycle loop).
func (m *Manager) Store() *metadata.Store { return m.store }

// Spawn creates a session: reserves an id, creates the workspace,
// starts the runtime, and persists metadata. Every step backs out all
// resources allocated so far on failure.
func (m *Manager) Spawn(ctx context.Context, spawn SpawnConfig) (*types.Session, error) {
	ctx = logging.WithComponent(logging.WithProject(ctx, spawn.ProjectID), "sessions")

	project := m.cfg.Project(spawn.ProjectID)
	if project == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, spawn.ProjectID)
	}

	runtimeName := pick(project.Runtime, m.cfg.Defaults.Runtime)
	runtime, ok := plugin.Get[plugin.Runtime](m.registry, plugin.SlotRuntime, runtimeName)
	if !ok {
		return nil, fmt.Errorf("runtime plugin '%s' not found", runtimeName)
	}
	agentName := pick(project.Agent, m.cfg.Defaults.Agent)
	agent, ok := plugin.Get[plugin.Agent](m.registry, plugin.SlotAgent, agentName)
	if !ok {
		return nil, fmt.Errorf("agent plugin '%s' not found", agentName)
	}
	// Workspace is optional; without one the session runs in the
	// project's main path.
	workspaceName := pick(project.Workspace, m.cfg.Defaults.Workspace)
	workspace, _ := plugin.Get[plugin.Workspace](m.registry, plugin.SlotWorkspace, workspaceName)
	tracker, _ := plugin.Get[plugin.Tracker](m.registry, plugin.SlotTracker, project.Tracker)

	sessionID, err := m.reserveID(spawn.ProjectID, project.SessionPrefix)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSession(ctx, sessionID)

	branch := m.resolveBranch(spawn, project, tracker)

	workspacePath := project.Path
	if workspace != nil {
		info, err := workspace.Create(ctx, plugin.WorkspaceSpec{
			ProjectID: spawn.ProjectID,
			Project:   project,
			SessionID: sessionID,
			Branch:    branch,
		})
		if err != nil {
			_ = m.store.Release(spawn.ProjectID, sessionID)
			return nil, fmt.Errorf("creating workspace: %w", err)
		}
		workspacePath = info.Path
		if hook, ok := workspace.(plugin.PostCreateHook); ok {
			if err := hook.PostCreate(ctx, info, project); err != nil {
				_ = workspace.Destroy(ctx, workspacePath)
				_ = m.store.Release(spawn.ProjectID, sessionID)
				return nil, fmt.Errorf("workspace post-create: %w", err)
			}
		}
	}

	agentCfg := project.AgentConfig
	launch := agent.LaunchCommand(agentCfg)
	env := map[string]string{}
	for k, v := range agent.Environment(agentCfg) {
		env[k] = v
	}
	env["AO_SESSION"] = sessionID

	handle, err := runtime.Create(ctx, plugin.CreateSpec{
		SessionID:     sessionID,
		WorkspacePath: workspacePath,
		LaunchCommand: launch,
		Environment:   env,
	})
	if err != nil {
		m.destroyWorkspace(ctx, workspace, workspacePath, project)
		_ = m.store.Release(spawn.ProjectID, sessionID)
		return nil, fmt.Errorf("creating runtime: %w", err)
	}
	if handle.RuntimeName == "" {
		handle.RuntimeName = runtimeName
	}

	now := time.Now().UTC()
	session := &types.Session{
		ID:             sessionID,
		ProjectID:      spawn.ProjectID,
		Status:         types.StatusSpawning,
		Activity:       types.ActivityActive,
		Branch:         branch,
		IssueID:        spawn.IssueID,
		WorkspacePath:  workspacePath,
		RuntimeHandle:  handle,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	err = m.persistNew(session)
	if err != nil {
		err = fmt.Errorf("persisting metadata: %w", err)
	} else if setup, ok := agent.(plugin.PostLaunchSetup); ok {
		if err = setup.PostLaunchSetup(ctx, session); err != nil {
			err = fmt.Errorf("agent post-launch setup: %w", err)
		}
	}
	if err == nil {
		m.sendInitialPrompt(ctx, runtime, handle, spawn, project, tracker)
		logging.Info(ctx, "session spawned",
			slog.String("branch", branch),
			slog.String("runtime", runtimeName),
		)
		return session, nil
	}

	_ = runtime.Destroy(ctx, handle)
	m.destroyWorkspace(ctx, workspace, workspacePath, project)
	_ = m.store.Release(spawn.ProjectID, sessionID)
	return nil, err
}

// SpawnForIssues spawns one session per issue, skipping issues that
// already have a live session. Returns the spawned sessions plus a
// skip reason per issue that was not started.
func (m *Manager) SpawnForIssues(ctx context.Context, projectID string, issues []string) ([]*types.Session, map[string]string, error) {
	existing, err := m.List(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	byIssue := make(map[string]string)
	for _, s := range existing {
		if s.IssueID != "" {
			byIssue[s.IssueID] = s.ID
		}
	}

	var spawned []*types.Session
	skipped := make(map[string]string)
	for _, issue := range issues {
		if sid, ok := byIssue[issue]; ok {
			skipped[issue] = "already has session: " + sid
			continue
		}
		s, err := m.Spawn(ctx, SpawnConfig{ProjectID: projectID, IssueID: issue})
		if err != nil {
			skipped[issue] = err.Error()
			continue
		}
		byIssue[issue] = s.ID
		spawned = append(spawned, s)
	}
	return spawned, skipped, nil
}

// List reconstructs every session from metadata, filtered by project
// when given. Sessions whose runtime is observably dead come back with
// status killed and activity exited; liveness probe failures are
// non-fatal and the session is assumed alive.
func (m *Manager) List(ctx context.Context, projectID string) ([]*types.Session, error) {
	records, err := m.store.List(projectID)
	if err != nil {
		return nil, err
	}
	sessions := make([]*types.Session, 0, len(records))
	for _, rec := range records {
		s := m.reconstruct(rec)
		if s.RuntimeHandle != nil {
			if runtime := m.runtimeFor(s); runtime != nil {
				alive, err := runtime.IsAlive(ctx, s.RuntimeHandle)
				if err == nil && !alive {
					s.Status = types.StatusKilled
					s.Activity = types.ActivityExited
				}
			}
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Get returns the reconstructed session, or nil when no metadata
// exists for the id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	rec, err := m.store.Find(sessionID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.reconstruct(*rec), nil
}

// Send writes a message into the session's terminal via the runtime
// plugin.
func (m *Manager) Send(ctx context.Context, sessionID, message string) error {
	rec, err := m.store.Find(sessionID)
	if errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return err
	}
	s := m.reconstruct(*rec)

	handle := s.RuntimeHandle
	if handle == nil {
		// No stored handle: synthesize one addressed by session id so
		// runtimes that key on the id can still deliver.
		handle = &types.RuntimeHandle{
			ID:          sessionID,
			RuntimeName: m.runtimeNameFor(s),
			Data:        map[string]any{},
		}
	}
	runtime, ok := plugin.Get[plugin.Runtime](m.registry, plugin.SlotRuntime, m.handleRuntimeName(s, handle))
	if !ok {
		return fmt.Errorf("runtime plugin '%s' not found", m.handleRuntimeName(s, handle))
	}
	return runtime.SendMessage(ctx, handle, message)
}

// Kill tears a session down: runtime and workspace destruction are
// best-effort, the metadata archive is mandatory.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	rec, err := m.store.Find(sessionID)
	if errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return err
	}
	s := m.reconstruct(*rec)
	ctx = logging.WithComponent(logging.WithSession(logging.WithProject(ctx, s.ProjectID), sessionID), "sessions")

	if s.RuntimeHandle != nil {
		if runtime := m.runtimeFor(s); runtime != nil {
			if err := runtime.Destroy(ctx, s.RuntimeHandle); err != nil {
				logging.Warn(ctx, "runtime destroy failed", slog.String("error", err.Error()))
			}
		}
	}

	project := m.cfg.Project(s.ProjectID)
	if s.WorkspacePath != "" && (project == nil || s.WorkspacePath != project.Path) {
		workspaceName := m.cfg.Defaults.Workspace
		if project != nil {
			workspaceName = pick(project.Workspace, m.cfg.Defaults.Workspace)
		}
		if workspace, ok := plugin.Get[plugin.Workspace](m.registry, plugin.SlotWorkspace, workspaceName); ok {
			if err := workspace.Destroy(ctx, s.WorkspacePath); err != nil {
				logging.Warn(ctx, "workspace destroy failed", slog.String("error", err.Error()))
			}
		}
	}

	if _, err := m.store.Archive(s.ProjectID, sessionID, time.Now()); err != nil {
		return fmt.Errorf("archiving session %s: %w", sessionID, err)
	}
	logging.Info(ctx, "session killed")
	return nil
}

// Cleanup kills every session whose PR is merged or closed, whose
// issue is completed, or whose runtime is dead. One session's failure
// never aborts the batch.
func (m *Manager) Cleanup(ctx context.Context, projectID string) (*CleanupReport, error) {
	sessions, err := m.List(ctx, projectID)
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{}
	for _, s := range sessions {
		kill, reason := m.shouldCleanup(ctx, s)
		if !kill {
			report.Skipped = append(report.Skipped, s.ID)
			continue
		}
		if err := m.Kill(ctx, s.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", s.ID, err))
			continue
		}
		report.Killed = append(report.Killed, fmt.Sprintf("%s (%s)", s.ID, reason))
	}
	return report, nil
}

func (m *Manager) shouldCleanup(ctx context.Context, s *types.Session) (bool, string) {
	if s.Status == types.StatusKilled {
		return true, "runtime dead"
	}
	project := m.cfg.Project(s.ProjectID)
	if s.PR != nil && project != nil {
		if scm, ok := plugin.Get[plugin.SCM](m.registry, plugin.SlotSCM, project.SCM); ok {
			if state, err := scm.PRState(ctx, s.PR); err == nil {
				if state == plugin.PRStateMerged {
					return true, "pr merged"
				}
				if state == plugin.PRStateClosed {
					return true, "pr closed"
				}
			}
		}
	}
	if s.IssueID != "" && project != nil {
		if tracker, ok := plugin.Get[plugin.Tracker](m.registry, plugin.SlotTracker, project.Tracker); ok {
			if done, err := tracker.IsCompleted(ctx, s.IssueID, project); err == nil && done {
				return true, "issue completed"
			}
		}
	}
	return false, ""
}

// UpdateStatus merges a status change into the session's metadata
// without rewriting unrelated keys.
func (m *Manager) UpdateStatus(projectID, sessionID string, status types.SessionStatus) error {
	return m.store.Update(projectID, sessionID, map[string]string{metadata.KeyStatus: string(status)})
}

// UpdateSummary records the agent's latest self-reported summary.
func (m *Manager) UpdateSummary(projectID, sessionID, summary string) error {
	if summary == "" {
		return nil
	}
	return m.store.Update(projectID, sessionID, map[string]string{metadata.KeySummary: summary})
}

// UpdatePR records a detected PR URL.
func (m *Manager) UpdatePR(projectID, sessionID string, pr *types.PRInfo) error {
	if pr == nil || pr.URL == "" {
		return nil
	}
	return m.store.Update(projectID, sessionID, map[string]string{metadata.KeyPR: pr.URL})
}

// sendInitialPrompt delivers the kickoff prompt into the fresh
// session's terminal. Best-effort: the agent is still usable without
// it, the operator can always type.
func (m *Manager) sendInitialPrompt(ctx context.Context, runtime plugin.Runtime, handle *types.RuntimeHandle, spawn SpawnConfig, project *config.Project, tracker plugin.Tracker) {
	prompt := spawn.Prompt
	if prompt == "" && spawn.IssueID != "" && tracker != nil {
		if generated, err := tracker.GeneratePrompt(ctx, spawn.IssueID, project); err == nil {
			prompt = generated
		}
	}
	if prompt == "" {
		return
	}
	if err := runtime.SendMessage(ctx, handle, prompt); err != nil {
		logging.Warn(ctx, "initial prompt delivery failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) persistNew(s *types.Session) error {
	handleJSON, err := json.Marshal(s.RuntimeHandle)
	if err != nil {
		return fmt.Errorf("serializing runtime handle: %w", err)
	}
	values := map[string]string{
		metadata.KeyStatus:        string(s.Status),
		metadata.KeyProject:       s.ProjectID,
		metadata.KeyBranch:        s.Branch,
		metadata.KeyIssue:         s.IssueID,
		metadata.KeyWorktree:      s.WorkspacePath,
		metadata.KeyCreatedAt:     s.CreatedAt.Format(time.RFC3339),
		metadata.KeyRuntimeHandle: string(handleJSON),
	}
	return m.store.Write(s.ProjectID, s.ID, values)
}

// reserveID computes <prefix>-<N> with N = max(existing)+1 and claims
// it with an exclusive create, retrying on collision.
func (m *Manager) reserveID(projectID, prefix string) (string, error) {
	next, err := m.nextSessionNumber(prefix)
	if err != nil {
		return "", err
	}
	for attempt := 0; attempt < idReserveAttempts; attempt++ {
		candidate := fmt.Sprintf("%s-%d", prefix, next)
		err := m.store.Reserve(projectID, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, metadata.ErrExists) {
			return "", err
		}
		next++
	}
	return "", fmt.Errorf("%w after %d attempts (prefix %s)", ErrIDExhausted, idReserveAttempts, prefix)
}

func (m *Manager) nextSessionNumber(prefix string) (int, error) {
	records, err := m.store.List("")
	if err != nil {
		return 0, err
	}
	re := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `-(\d+)$`)
	max := 0
	for _, rec := range records {
		match := re.FindStringSubmatch(rec.SessionID)
		if match == nil {
			continue
		}
		if n, err := strconv.Atoi(match[1]); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func (m *Manager) resolveBranch(spawn SpawnConfig, project *config.Project, tracker plugin.Tracker) string {
	if spawn.Branch != "" {
		return spawn.Branch
	}
	if spawn.IssueID != "" {
		if tracker != nil {
			if b := tracker.BranchName(spawn.IssueID, project); b != "" {
				return b
			}
		}
		return "feat/" + spawn.IssueID
	}
	return project.DefaultBranch
}

func (m *Manager) destroyWorkspace(ctx context.Context, workspace plugin.Workspace, path string, project *config.Project) {
	if workspace == nil || path == "" || path == project.Path {
		return
	}
	if err := workspace.Destroy(ctx, path); err != nil {
		logging.Warn(ctx, "workspace cleanup failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) runtimeNameFor(s *types.Session) string {
	if project := m.cfg.Project(s.ProjectID); project != nil && project.Runtime != "" {
		return project.Runtime
	}
	return m.cfg.Defaults.Runtime
}

func (m *Manager) handleRuntimeName(s *types.Session, handle *types.RuntimeHandle) string {
	if handle != nil && handle.RuntimeName != "" {
		return handle.RuntimeName
	}
	return m.runtimeNameFor(s)
}

func (m *Manager) runtimeFor(s *types.Session) plugin.Runtime {
	runtime, ok := plugin.Get[plugin.Runtime](m.registry, plugin.SlotRuntime, m.handleRuntimeName(s, s.RuntimeHandle))
	if !ok {
		return nil
	}
	return runtime
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
