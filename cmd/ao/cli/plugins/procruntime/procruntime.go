// Package procruntime is the builtin "process" runtime: it hosts each
// agent as a supervised child process under a pseudo-terminal, keeping
// a bounded ring of recent terminal output for the activity classifier.
package procruntime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

// Name is the registry key for this runtime.
const Name = "process"

// outputBufferSize bounds the retained terminal output per session.
const outputBufferSize = 256 * 1024

// termGracePeriod is how long Destroy waits between SIGTERM and
// SIGKILL.
const termGracePeriod = 5 * time.Second

var errUnknownSession = errors.New("no process for session")

func init() {
	plugin.RegisterModule(plugin.Module{
		Manifest: plugin.Manifest{
			Slot:        plugin.SlotRuntime,
			Name:        Name,
			Description: "Supervised child process under a pty",
		},
		Factory: func(_ map[string]any) (any, error) {
			return New(), nil
		},
	})
}

type proc struct {
	cmd *exec.Cmd
	tty *os.File

	mu     sync.Mutex
	buf    []byte
	exited bool
}

func (p *proc) append(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, data...)
	if len(p.buf) > outputBufferSize {
		p.buf = p.buf[len(p.buf)-outputBufferSize:]
	}
}

func (p *proc) snapshot() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.buf)
}

func (p *proc) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *proc) markExited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
}

// Runtime hosts agent processes keyed by session id.
type Runtime struct {
	mu    sync.Mutex
	procs map[string]*proc
}

// New returns an empty process runtime.
func New() *Runtime {
	return &Runtime{procs: make(map[string]*proc)}
}

// Create launches the agent command under a pty in the workspace
// directory. The handle records the pid so liveness survives an
// orchestrator restart, when the in-memory proc table is empty.
func (r *Runtime) Create(_ context.Context, spec plugin.CreateSpec) (*types.RuntimeHandle, error) {
	cmd := exec.Command("/bin/sh", "-lc", spec.LaunchCommand) //nolint:gosec // launch command composed by the agent plugin
	cmd.Dir = spec.WorkspacePath
	cmd.Env = os.Environ()
	for k, v := range spec.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	tty, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting agent process: %w", err)
	}

	p := &proc{cmd: cmd, tty: tty}
	r.mu.Lock()
	r.procs[spec.SessionID] = p
	r.mu.Unlock()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := tty.Read(buf)
			if n > 0 {
				p.append(buf[:n])
			}
			if err != nil {
				break
			}
		}
		_ = cmd.Wait()
		p.markExited()
	}()

	return &types.RuntimeHandle{
		ID:          spec.SessionID,
		RuntimeName: Name,
		Data:        map[string]any{"pid": cmd.Process.Pid},
	}, nil
}

// Destroy terminates the process: SIGTERM to the process group, a
// grace period, then SIGKILL.
func (r *Runtime) Destroy(_ context.Context, handle *types.RuntimeHandle) error {
	r.mu.Lock()
	p, ok := r.procs[handle.ID]
	delete(r.procs, handle.ID)
	r.mu.Unlock()

	pid := PIDFromHandle(handle)
	if ok && p.cmd.Process != nil {
		pid = p.cmd.Process.Pid
	}
	if pid <= 0 {
		return nil
	}

	// pty.Start put the child in its own session, so the negative pid
	// reaches the whole process group.
	signalGroup(pid, syscall.SIGTERM)
	deadline := time.Now().Add(termGracePeriod)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if pidAlive(pid) {
		signalGroup(pid, syscall.SIGKILL)
	}
	if ok && p.tty != nil {
		_ = p.tty.Close()
	}
	return nil
}

// SendMessage types the message into the agent's terminal, followed by
// a carriage return.
func (r *Runtime) SendMessage(_ context.Context, handle *types.RuntimeHandle, message string) error {
	r.mu.Lock()
	p, ok := r.procs[handle.ID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownSession, handle.ID)
	}
	if !p.alive() {
		return fmt.Errorf("process for session %s has exited", handle.ID)
	}
	if _, err := io.WriteString(p.tty, message+"\r"); err != nil {
		return fmt.Errorf("writing to terminal: %w", err)
	}
	return nil
}

// GetOutput returns up to the last `lines` lines of terminal output.
func (r *Runtime) GetOutput(_ context.Context, handle *types.RuntimeHandle, lines int) (string, error) {
	r.mu.Lock()
	p, ok := r.procs[handle.ID]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownSession, handle.ID)
	}
	out := p.snapshot()
	if lines <= 0 {
		return out, nil
	}
	split := strings.Split(out, "\n")
	if len(split) > lines {
		split = split[len(split)-lines:]
	}
	return strings.Join(split, "\n"), nil
}

// IsAlive checks the in-memory proc first, then falls back to probing
// the recorded pid so sessions spawned by a previous orchestrator
// process are still observable.
func (r *Runtime) IsAlive(_ context.Context, handle *types.RuntimeHandle) (bool, error) {
	r.mu.Lock()
	p, ok := r.procs[handle.ID]
	r.mu.Unlock()
	if ok {
		return p.alive(), nil
	}
	pid := PIDFromHandle(handle)
	if pid <= 0 {
		return false, nil
	}
	return pidAlive(pid), nil
}

// PIDFromHandle extracts the recorded pid. JSON round-trips numbers as
// float64, so both int and float64 are accepted.
func PIDFromHandle(handle *types.RuntimeHandle) int {
	if handle == nil || handle.Data == nil {
		return 0
	}
	switch v := handle.Data["pid"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

func pidAlive(pid int) bool {
	// Signal 0 probes for existence without delivering anything.
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
