// Package githubscm is the builtin SCM plugin backed by the GitHub
// CLI. Every invocation carries a hard timeout so a wedged gh process
// can never stall the polling loop.
package githubscm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/config"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

// Name is the registry key for this SCM.
const Name = "github"

const (
	commandTimeout = 30 * time.Second
	probeTimeout   = 5 * time.Second
)

var errNoRepo = errors.New("pull request has no owner/repo")

func init() {
	plugin.RegisterModule(plugin.Module{
		Manifest: plugin.Manifest{
			Slot:        plugin.SlotSCM,
			Name:        Name,
			Description: "GitHub PRs, CI, and reviews via the gh CLI",
		},
		Factory: func(_ map[string]any) (any, error) {
			return New(), nil
		},
	})
}

// SCM shells out to gh for PR, CI, and review state.
type SCM struct{}

// New returns the gh-backed SCM.
func New() *SCM { return &SCM{} }

// Available reports whether the gh binary is on PATH.
func (s *SCM) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "which", "gh").Run() == nil
}

func run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gh %s: %w (%s)", strings.Join(args[:min(2, len(args))], " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func repoSlug(pr *types.PRInfo) (string, error) {
	if pr.Owner == "" || pr.Repo == "" {
		return "", errNoRepo
	}
	return pr.Owner + "/" + pr.Repo, nil
}

func prView(ctx context.Context, pr *types.PRInfo, fields string, out any) error {
	slug, err := repoSlug(pr)
	if err != nil {
		return err
	}
	data, err := run(ctx, "pr", "view", strconv.Itoa(pr.Number), "--repo", slug, "--json", fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// DetectPR looks for an open PR whose head is the session's branch.
func (s *SCM) DetectPR(ctx context.Context, session *types.Session, project *config.Project) (*types.PRInfo, error) {
	if session.Branch == "" || project == nil || project.Repo == "" {
		return nil, nil
	}
	data, err := run(ctx, "pr", "view", session.Branch, "--repo", project.Repo,
		"--json", "number,url,title,headRefName,baseRefName,isDraft")
	if err != nil {
		// gh exits non-zero when no PR exists for the branch; callers
		// treat any failure as "no PR yet".
		return nil, nil //nolint:nilerr // absence, not failure
	}
	var resp struct {
		Number      int    `json:"number"`
		URL         string `json:"url"`
		Title       string `json:"title"`
		HeadRefName string `json:"headRefName"`
		BaseRefName string `json:"baseRefName"`
		IsDraft     bool   `json:"isDraft"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.Number == 0 {
		return nil, nil
	}
	owner, repo, _ := strings.Cut(project.Repo, "/")
	return &types.PRInfo{
		Number:     resp.Number,
		URL:        resp.URL,
		Title:      resp.Title,
		Owner:      owner,
		Repo:       repo,
		Branch:     resp.HeadRefName,
		BaseBranch: resp.BaseRefName,
		IsDraft:    resp.IsDraft,
	}, nil
}

// PRState returns open, merged, or closed.
func (s *SCM) PRState(ctx context.Context, pr *types.PRInfo) (plugin.PRState, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := prView(ctx, pr, "state", &resp); err != nil {
		return "", err
	}
	switch resp.State {
	case "MERGED":
		return plugin.PRStateMerged, nil
	case "CLOSED":
		return plugin.PRStateClosed, nil
	default:
		return plugin.PRStateOpen, nil
	}
}

// MergePR squash-merges by default; method may be "merge", "squash",
// or "rebase".
func (s *SCM) MergePR(ctx context.Context, pr *types.PRInfo, method string) error {
	slug, err := repoSlug(pr)
	if err != nil {
		return err
	}
	flag := "--squash"
	switch method {
	case "merge":
		flag = "--merge"
	case "rebase":
		flag = "--rebase"
	}
	_, err = run(ctx, "pr", "merge", strconv.Itoa(pr.Number), "--repo", slug, flag)
	return err
}

// ClosePR closes without merging.
func (s *SCM) ClosePR(ctx context.Context, pr *types.PRInfo) error {
	slug, err := repoSlug(pr)
	if err != nil {
		return err
	}
	_, err = run(ctx, "pr", "close", strconv.Itoa(pr.Number), "--repo", slug)
	return err
}

type checkRollup struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	DetailsURL string `json:"detailsUrl"`
}

// CIChecks returns the individual check runs for the PR head.
func (s *SCM) CIChecks(ctx context.Context, pr *types.PRInfo) ([]plugin.CICheck, error) {
	var resp struct {
		StatusCheckRollup []checkRollup `json:"statusCheckRollup"`
	}
	if err := prView(ctx, pr, "statusCheckRollup", &resp); err != nil {
		return nil, err
	}
	checks := make([]plugin.CICheck, 0, len(resp.StatusCheckRollup))
	for _, c := range resp.StatusCheckRollup {
		checks = append(checks, plugin.CICheck{
			Name:       c.Name,
			Status:     c.Status,
			Conclusion: c.Conclusion,
			URL:        c.DetailsURL,
		})
	}
	return checks, nil
}

// CISummary folds the check rollup into one verdict: any failure wins,
// then any still-running check, then success.
func (s *SCM) CISummary(ctx context.Context, pr *types.PRInfo) (plugin.CISummary, error) {
	checks, err := s.CIChecks(ctx, pr)
	if err != nil {
		return "", err
	}
	if len(checks) == 0 {
		return plugin.CINone, nil
	}
	summary := plugin.CIPassing
	for _, c := range checks {
		switch c.Conclusion {
		case "FAILURE", "TIMED_OUT", "CANCELLED":
			return plugin.CIFailing, nil
		case "":
			summary = plugin.CIPending
		}
	}
	return summary, nil
}

// Reviews returns submitted reviews.
func (s *SCM) Reviews(ctx context.Context, pr *types.PRInfo) ([]plugin.Review, error) {
	var resp struct {
		Reviews []struct {
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
			State string `json:"state"`
			Body  string `json:"body"`
		} `json:"reviews"`
	}
	if err := prView(ctx, pr, "reviews", &resp); err != nil {
		return nil, err
	}
	reviews := make([]plugin.Review, 0, len(resp.Reviews))
	for _, rv := range resp.Reviews {
		reviews = append(reviews, plugin.Review{Author: rv.Author.Login, State: rv.State, Body: rv.Body})
	}
	return reviews, nil
}

// ReviewDecision returns GitHub's aggregate review decision.
func (s *SCM) ReviewDecision(ctx context.Context, pr *types.PRInfo) (plugin.ReviewDecision, error) {
	var resp struct {
		ReviewDecision string `json:"reviewDecision"`
	}
	if err := prView(ctx, pr, "reviewDecision", &resp); err != nil {
		return "", err
	}
	switch resp.ReviewDecision {
	case "APPROVED":
		return plugin.ReviewApproved, nil
	case "CHANGES_REQUESTED":
		return plugin.ReviewChangesRequested, nil
	case "REVIEW_REQUIRED":
		return plugin.ReviewPending, nil
	default:
		return plugin.ReviewNone, nil
	}
}

type prComment struct {
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	Body string `json:"body"`
	URL  string `json:"url"`
}

func (s *SCM) comments(ctx context.Context, pr *types.PRInfo) ([]prComment, error) {
	var resp struct {
		Comments []prComment `json:"comments"`
	}
	if err := prView(ctx, pr, "comments", &resp); err != nil {
		return nil, err
	}
	return resp.Comments, nil
}

// PendingComments returns human comments on the PR.
func (s *SCM) PendingComments(ctx context.Context, pr *types.PRInfo) ([]plugin.Comment, error) {
	all, err := s.comments(ctx, pr)
	if err != nil {
		return nil, err
	}
	var out []plugin.Comment
	for _, c := range all {
		if isBot(c.Author.Login) {
			continue
		}
		out = append(out, plugin.Comment{Author: c.Author.Login, Body: c.Body, URL: c.URL})
	}
	return out, nil
}

// AutomatedComments returns bot review comments (bugbot, copilot, CI
// annotations).
func (s *SCM) AutomatedComments(ctx context.Context, pr *types.PRInfo) ([]plugin.Comment, error) {
	all, err := s.comments(ctx, pr)
	if err != nil {
		return nil, err
	}
	var out []plugin.Comment
	for _, c := range all {
		if !isBot(c.Author.Login) {
			continue
		}
		out = append(out, plugin.Comment{Author: c.Author.Login, Body: c.Body, URL: c.URL})
	}
	return out, nil
}

func isBot(login string) bool {
	lower := strings.ToLower(login)
	return strings.HasSuffix(lower, "[bot]") ||
		strings.Contains(lower, "bugbot") ||
		strings.Contains(lower, "copilot")
}

// Mergeability aggregates state, CI, and review into a merge verdict.
func (s *SCM) Mergeability(ctx context.Context, pr *types.PRInfo) (*plugin.Mergeability, error) {
	var resp struct {
		Mergeable         string        `json:"mergeable"`
		ReviewDecision    string        `json:"reviewDecision"`
		IsDraft           bool          `json:"isDraft"`
		StatusCheckRollup []checkRollup `json:"statusCheckRollup"`
	}
	if err := prView(ctx, pr, "mergeable,reviewDecision,isDraft,statusCheckRollup", &resp); err != nil {
		return nil, err
	}

	m := &plugin.Mergeability{
		NoConflicts: resp.Mergeable == "MERGEABLE",
		Approved:    resp.ReviewDecision == "APPROVED",
		CIPassing:   true,
	}
	for _, c := range resp.StatusCheckRollup {
		if c.Conclusion != "SUCCESS" && c.Conclusion != "NEUTRAL" && c.Conclusion != "SKIPPED" {
			m.CIPassing = false
			break
		}
	}

	if !m.NoConflicts {
		m.Blockers = append(m.Blockers, "merge conflicts")
	}
	if !m.Approved {
		m.Blockers = append(m.Blockers, "not approved")
	}
	if !m.CIPassing {
		m.Blockers = append(m.Blockers, "checks not passing")
	}
	if resp.IsDraft {
		m.Blockers = append(m.Blockers, "draft")
	}
	m.Mergeable = len(m.Blockers) == 0
	return m, nil
}
