// Package githubtracker is the builtin tracker plugin for GitHub
// Issues, backed by the gh CLI.
package githubtracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
)

// Name is the registry key for this tracker.
const Name = "github"

const commandTimeout = 30 * time.Second

func init() {
	plugin.RegisterModule(plugin.Module{
		Manifest: plugin.Manifest{
			Slot:        plugin.SlotTracker,
			Name:        Name,
			Description: "GitHub Issues via the gh CLI",
		},
		Factory: func(_ map[string]any) (any, error) {
			return New(), nil
		},
	})
}

// Tracker resolves issues with gh.
type Tracker struct{}

// New returns the gh-backed tracker.
func New() *Tracker { return &Tracker{} }

func run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gh %s: %w (%s)", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// issueNumber strips an optional "#" prefix.
func issueNumber(issueID string) string {
	return strings.TrimPrefix(issueID, "#")
}

// Issue fetches one issue.
func (t *Tracker) Issue(ctx context.Context, issueID string, project *config.Project) (*plugin.Issue, error) {
	data, err := run(ctx, "issue", "view", issueNumber(issueID), "--repo", project.Repo,
		"--json", "number,title,body,state,url,labels")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		State  string `json:"state"`
		URL    string `json:"url"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing issue: %w", err)
	}
	issue := &plugin.Issue{
		ID:    issueID,
		Title: resp.Title,
		Body:  resp.Body,
		State: resp.State,
		URL:   resp.URL,
	}
	for _, l := range resp.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue, nil
}

// IsCompleted reports whether the issue is closed.
func (t *Tracker) IsCompleted(ctx context.Context, issueID string, project *config.Project) (bool, error) {
	issue, err := t.Issue(ctx, issueID, project)
	if err != nil {
		return false, err
	}
	return issue.State == "CLOSED", nil
}

// IssueURL builds the issue URL without a network round trip.
func (t *Tracker) IssueURL(issueID string, project *config.Project) string {
	return fmt.Sprintf("https://github.com/%s/issues/%s", project.Repo, issueNumber(issueID))
}

// BranchName derives the session branch for an issue.
func (t *Tracker) BranchName(issueID string, _ *config.Project) string {
	return "feat/" + strings.ToLower(issueNumber(issueID))
}

// GeneratePrompt composes the kickoff prompt an agent receives for an
// issue.
func (t *Tracker) GeneratePrompt(ctx context.Context, issueID string, project *config.Project) (string, error) {
	issue, err := t.Issue(ctx, issueID, project)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Work on issue #%s: %s\n\n", issueNumber(issueID), issue.Title)
	if issue.Body != "" {
		b.WriteString(issue.Body)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "When done, open a pull request against %s that closes the issue.", project.DefaultBranch)
	return b.String(), nil
}

// ListIssues returns open issues for the project.
func (t *Tracker) ListIssues(ctx context.Context, project *config.Project) ([]plugin.Issue, error) {
	data, err := run(ctx, "issue", "list", "--repo", project.Repo, "--state", "open",
		"--json", "number,title,state,url")
	if err != nil {
		return nil, err
	}
	var resp []struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing issue list: %w", err)
	}
	issues := make([]plugin.Issue, 0, len(resp))
	for _, r := range resp {
		issues = append(issues, plugin.Issue{
			ID:    fmt.Sprintf("%d", r.Number),
			Title: r.Title,
			State: r.State,
			URL:   r.URL,
		})
	}
	return issues, nil
}

// UpdateIssue supports closing (state=closed) and commenting; when both
// are given only the close runs. Reopening is not supported.
func (t *Tracker) UpdateIssue(ctx context.Context, issueID string, project *config.Project, fields map[string]string) error {
	if state := fields["state"]; state == "closed" {
		_, err := run(ctx, "issue", "close", issueNumber(issueID), "--repo", project.Repo)
		return err
	}
	if comment := fields["comment"]; comment != "" {
		_, err := run(ctx, "issue", "comment", issueNumber(issueID), "--repo", project.Repo, "--body", comment)
		return err
	}
	return nil
}

// CreateIssue opens a new issue.
func (t *Tracker) CreateIssue(ctx context.Context, project *config.Project, title, body string) (*plugin.Issue, error) {
	data, err := run(ctx, "issue", "create", "--repo", project.Repo, "--title", title, "--body", body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(string(data))
	return &plugin.Issue{Title: title, Body: body, State: "OPEN", URL: url}, nil
}
