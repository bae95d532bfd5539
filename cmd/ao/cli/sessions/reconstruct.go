package sessions

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/metadata"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

var (
	githubPRPattern  = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/pull/(\d+)`)
	trailingNumberRe = regexp.MustCompile(`/(\d+)/?$`)
)

// reconstruct rebuilds a Session from its raw metadata record.
// Malformed fields coerce to safe defaults rather than failing: bad
// status becomes spawning, an unparsable runtime handle becomes nil,
// a missing createdAt becomes now.
func (m *Manager) reconstruct(rec metadata.Record) *types.Session {
	values := rec.Values

	s := &types.Session{
		ID:            rec.SessionID,
		ProjectID:     rec.ProjectID,
		Status:        types.ParseStatus(values[metadata.KeyStatus]),
		Branch:        values[metadata.KeyBranch],
		IssueID:       values[metadata.KeyIssue],
		WorkspacePath: values[metadata.KeyWorktree],
		Metadata:      values,
	}

	s.PR = ParsePRURL(values[metadata.KeyPR])
	s.RuntimeHandle = parseHandle(values[metadata.KeyRuntimeHandle])

	if summary := values[metadata.KeySummary]; summary != "" {
		s.AgentInfo = &types.AgentInfo{Summary: summary}
	}

	if t, err := time.Parse(time.RFC3339, values[metadata.KeyCreatedAt]); err == nil {
		s.CreatedAt = t
	} else {
		s.CreatedAt = time.Now().UTC()
	}

	// The branch actually checked out in the workspace wins over the
	// cached value.
	if live := liveBranch(s.WorkspacePath); live != "" {
		s.Branch = live
	}

	return s
}

// ParsePRURL extracts a PRInfo from a stored PR URL. GitHub pull URLs
// yield owner/repo/number; anything else falls back to a trailing
// number. Returns nil when nothing matches.
func ParsePRURL(url string) *types.PRInfo {
	if url == "" {
		return nil
	}
	if match := githubPRPattern.FindStringSubmatch(url); match != nil {
		n, _ := strconv.Atoi(match[3])
		return &types.PRInfo{Number: n, URL: url, Owner: match[1], Repo: match[2]}
	}
	if match := trailingNumberRe.FindStringSubmatch(url); match != nil {
		n, _ := strconv.Atoi(match[1])
		return &types.PRInfo{Number: n, URL: url}
	}
	return nil
}

func parseHandle(raw string) *types.RuntimeHandle {
	if raw == "" {
		return nil
	}
	var handle types.RuntimeHandle
	if err := json.Unmarshal([]byte(raw), &handle); err != nil {
		return nil
	}
	if handle.ID == "" && handle.RuntimeName == "" {
		return nil
	}
	return &handle
}

// liveBranch reads HEAD from the workspace checkout. Best-effort; any
// failure returns empty and the cached branch stands.
func liveBranch(workspacePath string) string {
	if workspacePath == "" {
		return ""
	}
	repo, err := git.PlainOpen(workspacePath)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}
