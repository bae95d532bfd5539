// Package claudecode is the builtin agent plugin for Claude Code: it
// composes the launch command, classifies terminal output into
// activity states, probes the agent process, and lifts summary and
// cost data out of Claude's own JSONL transcript.
package claudecode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugins/procruntime"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

// Name is the registry key for this agent.
const Name = "claude-code"

// SessionDirEnvVar overrides the transcript directory root (tests).
const SessionDirEnvVar = "AO_CLAUDE_PROJECT_DIR"

var nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z0-9]`)

func init() {
	plugin.RegisterModule(plugin.Module{
		Manifest: plugin.Manifest{
			Slot:        plugin.SlotAgent,
			Name:        Name,
			Description: "Claude Code CLI agent",
		},
		Factory: func(_ map[string]any) (any, error) {
			return New(), nil
		},
	})
}

// Agent implements the agent contract for Claude Code.
type Agent struct {
	mu sync.Mutex
	// lastTail remembers the transcript tail per session so
	// IsProcessing can tell whether the log moved between probes.
	lastTail map[string]string
}

// New returns a Claude Code agent.
func New() *Agent {
	return &Agent{lastTail: make(map[string]string)}
}

// LaunchCommand composes the claude invocation from agent config.
// Recognized keys: command (binary override), model, args (appended
// verbatim).
func (a *Agent) LaunchCommand(cfg config.AgentConfig) string {
	command := cfg["command"]
	if command == "" {
		command = "claude"
	}
	parts := []string{command}
	if model := cfg["model"]; model != "" {
		parts = append(parts, "--model", model)
	}
	if args := cfg["args"]; args != "" {
		parts = append(parts, args)
	}
	return strings.Join(parts, " ")
}

// Environment returns Claude-specific env for the runtime. Recognized
// keys: configDir (CLAUDE_CONFIG_DIR).
func (a *Agent) Environment(cfg config.AgentConfig) map[string]string {
	env := map[string]string{}
	if dir := cfg["configDir"]; dir != "" {
		env["CLAUDE_CONFIG_DIR"] = dir
	}
	return env
}

// Activity markers in Claude Code's terminal UI.
var (
	// The spinner line while the agent is mid-turn.
	busyMarkers = []string{"esc to interrupt", "Thinking…", "✢", "✳"}

	// Prompts that block on a human answer.
	inputMarkers = []string{
		"Do you want",
		"❯ 1.",
		"(y/n)",
		"tell Claude what to do differently",
		"Would you like",
	}
)

// DetectActivity classifies recent terminal output. Permission and
// question prompts win over the spinner; an empty prompt box with no
// spinner reads as ready; anything else with a spinner is active.
func (a *Agent) DetectActivity(terminal string) types.Activity {
	tail := lastLines(terminal, 30)

	for _, marker := range inputMarkers {
		if strings.Contains(tail, marker) {
			return types.ActivityWaitingInput
		}
	}
	for _, marker := range busyMarkers {
		if strings.Contains(tail, marker) {
			return types.ActivityActive
		}
	}
	// The bare input box ("│ >" with nothing typed) means the agent
	// finished its turn and is waiting for the next prompt.
	if strings.Contains(tail, "│ >") || strings.Contains(tail, "> ") {
		return types.ActivityReady
	}
	return types.ActivityIdle
}

// IsProcessRunning reports whether a claude process is alive under the
// runtime's recorded pid (the shell), its children, or its
// grandchildren; deeper descendants are not inspected.
func (a *Agent) IsProcessRunning(_ context.Context, handle *types.RuntimeHandle) (bool, error) {
	pid := procruntime.PIDFromHandle(handle)
	if pid <= 0 {
		return false, nil
	}
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		// No such pid: the process tree is gone.
		return false, nil //nolint:nilerr // absence is an answer, not a probe failure
	}
	if isClaude(root) {
		return true, nil
	}
	children, err := root.Children()
	if err != nil {
		// The shell is alive even if we cannot enumerate children.
		return true, nil //nolint:nilerr // liveness of the root is already established
	}
	for _, child := range children {
		if isClaude(child) {
			return true, nil
		}
		grandchildren, err := child.Children()
		if err != nil {
			continue
		}
		for _, gc := range grandchildren {
			if isClaude(gc) {
				return true, nil
			}
		}
	}
	return false, nil
}

func isClaude(p *process.Process) bool {
	name, err := p.Name()
	if err != nil {
		return false
	}
	if strings.Contains(name, "claude") {
		return true
	}
	if name == "node" {
		if cmdline, err := p.Cmdline(); err == nil && strings.Contains(cmdline, "claude") {
			return true
		}
	}
	return false
}

// IsProcessing compares the transcript tail with the previous probe;
// any drift means the agent is still producing log entries.
func (a *Agent) IsProcessing(_ context.Context, session *types.Session) (bool, error) {
	path, err := latestTranscript(session.WorkspacePath)
	if err != nil || path == "" {
		return false, err
	}
	tail, err := readTail(path, 2048)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	prev := a.lastTail[session.ID]
	a.lastTail[session.ID] = tail
	a.mu.Unlock()

	if prev == "" {
		return tail != "", nil
	}
	dmp := diffmatchpatch.New()
	for _, d := range dmp.DiffMain(prev, tail, false) {
		if d.Type != diffmatchpatch.DiffEqual {
			return true, nil
		}
	}
	return false, nil
}

// SessionInfo extracts summary, cost, and last-log-time from the
// newest transcript for the session's workspace. Returns nil when no
// transcript exists.
func (a *Agent) SessionInfo(_ context.Context, session *types.Session) (*types.AgentInfo, error) {
	path, err := latestTranscript(session.WorkspacePath)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	return parseTranscriptInfo(path)
}

// sessionDir returns where Claude stores transcripts for a workspace:
// ~/.claude/projects/<sanitized-path>/.
func sessionDir(workspacePath string) (string, error) {
	if override := os.Getenv(SessionDirEnvVar); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".claude", "projects", sanitizePath(workspacePath)), nil
}

func sanitizePath(path string) string {
	return nonAlphanumericRegex.ReplaceAllString(path, "-")
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
