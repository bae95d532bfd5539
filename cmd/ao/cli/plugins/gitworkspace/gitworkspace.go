// Package gitworkspace is the builtin "git" workspace plugin. Each
// session gets its own local clone of the project repository under the
// worktree root, with the session branch checked out (created from the
// clone's HEAD when it does not exist yet).
package gitworkspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
)

// Name is the registry key for this workspace.
const Name = "git"

// postCreateTimeout bounds the per-project post-create command.
const postCreateTimeout = 30 * time.Second

var errOutsideRoot = errors.New("workspace path outside worktree root")

func init() {
	plugin.RegisterModule(plugin.Module{
		Manifest: plugin.Manifest{
			Slot:        plugin.SlotWorkspace,
			Name:        Name,
			Description: "Per-session git clone with session branch",
		},
		Factory: func(cfg map[string]any) (any, error) {
			root, _ := cfg["worktreeDir"].(string)
			if root == "" {
				return nil, errors.New("gitworkspace: worktreeDir is required")
			}
			return New(root), nil
		},
	})
}

// Workspace creates and destroys per-session clones under root.
type Workspace struct {
	root string
}

// New returns a workspace plugin rooted at the worktree directory.
func New(root string) *Workspace {
	return &Workspace{root: root}
}

// Create clones the project into <root>/<sessionId> and checks out the
// session branch, creating it from the cloned HEAD when missing.
func (w *Workspace) Create(_ context.Context, spec plugin.WorkspaceSpec) (*plugin.WorkspaceInfo, error) {
	if spec.Project == nil || spec.Project.Path == "" {
		return nil, errors.New("project path is required")
	}
	path := filepath.Join(w.root, spec.SessionID)
	if err := os.MkdirAll(w.root, 0o750); err != nil {
		return nil, fmt.Errorf("creating worktree root: %w", err)
	}

	repo, err := git.PlainClone(path, false, &git.CloneOptions{
		URL: spec.Project.Path,
	})
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("cloning %s: %w", spec.Project.Path, err)
	}

	if spec.Branch != "" && spec.Branch != spec.Project.DefaultBranch {
		worktree, err := repo.Worktree()
		if err != nil {
			_ = os.RemoveAll(path)
			return nil, fmt.Errorf("opening worktree: %w", err)
		}
		branchRef := plumbing.NewBranchReferenceName(spec.Branch)
		err = worktree.Checkout(&git.CheckoutOptions{Branch: branchRef})
		if err != nil {
			// Branch does not exist yet: create it from HEAD.
			err = worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true})
		}
		if err != nil {
			_ = os.RemoveAll(path)
			return nil, fmt.Errorf("checking out %s: %w", spec.Branch, err)
		}
	}

	return &plugin.WorkspaceInfo{Path: path, Branch: spec.Branch, SessionID: spec.SessionID}, nil
}

// PostCreate links configured paths from the project checkout and runs
// the project's post-create command inside the new workspace.
func (w *Workspace) PostCreate(ctx context.Context, info *plugin.WorkspaceInfo, project *config.Project) error {
	for _, rel := range project.Symlinks {
		src := filepath.Join(project.Path, rel)
		dst := filepath.Join(info.Path, rel)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return fmt.Errorf("preparing symlink dir: %w", err)
		}
		_ = os.Remove(dst)
		if err := os.Symlink(src, dst); err != nil {
			return fmt.Errorf("linking %s: %w", rel, err)
		}
	}

	if project.PostCreate == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, postCreateTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", project.PostCreate) //nolint:gosec // operator-configured hook
	cmd.Dir = info.Path
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("post-create command: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Destroy removes a workspace directory. Paths outside the worktree
// root are refused.
func (w *Workspace) Destroy(_ context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(w.root)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", errOutsideRoot, path)
	}
	return os.RemoveAll(abs)
}

// List enumerates workspaces under the root. When projectID is given,
// only session directories with that prefix are returned.
func (w *Workspace) List(_ context.Context, projectID string) ([]plugin.WorkspaceInfo, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var infos []plugin.WorkspaceInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if projectID != "" && !strings.HasPrefix(e.Name(), projectID+"-") {
			continue
		}
		infos = append(infos, plugin.WorkspaceInfo{
			Path:      filepath.Join(w.root, e.Name()),
			SessionID: e.Name(),
		})
	}
	return infos, nil
}
