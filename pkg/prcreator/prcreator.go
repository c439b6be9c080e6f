// Package prcreator opens a pull request carrying a remediation fix:
// branch, commit, PR body, and compliance labels, with best-effort
// branch cleanup if any step after branch creation fails.
package prcreator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/go-github/v68/github"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
	"github.com/terrafix/terrafix/pkg/llm"
	"github.com/terrafix/terrafix/pkg/monitor"
)

// maxStateJSON bounds the current/required state JSON embedded in a
// PR body.
const maxStateJSON = 2000

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Request is everything needed to open one remediation pull request.
type Request struct {
	Owner         string
	Repo          string
	BaseBranch    string
	FilePath      string
	NewContent    string
	Violation     monitor.Violation
	Fix           *llm.Fix
}

// Result is the outcome of a successful PR creation.
type Result struct {
	PRURL      string
	PRNumber   int
	BranchName string
}

// Creator opens pull requests via the GitHub API.
type Creator struct {
	client *github.Client
}

// New constructs a Creator bound to client.
func New(client *github.Client) *Creator {
	return &Creator{client: client}
}

// Create runs the full branch -> commit -> PR -> labels sequence. If
// the branch already exists (a concurrent attempt raced us), it
// returns a zero-value Result with no error — callers should treat an
// empty PRURL as the duplicate sentinel.
func (c *Creator) Create(ctx context.Context, req Request) (*Result, error) {
	branchName := branchNameFor(req.Violation)

	baseRef, _, err := c.client.Git.GetRef(ctx, req.Owner, req.Repo, "refs/heads/"+req.BaseBranch)
	if err != nil {
		return nil, classifyGitHubError("resolve base branch head commit", err)
	}
	baseSHA := baseRef.GetObject().GetSHA()

	_, _, err = c.client.Git.CreateRef(ctx, req.Owner, req.Repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branchName),
		Object: &github.GitObject{SHA: github.String(baseSHA)},
	})
	if err != nil {
		if isAlreadyExists(err) {
			return &Result{}, nil
		}
		return nil, classifyGitHubError("create remediation branch", err)
	}

	// Every failure from here on must best-effort clean up the branch
	// we just created.
	result, err := c.commitAndOpenPR(ctx, req, branchName, baseSHA)
	if err != nil {
		c.deleteBranchBestEffort(ctx, req.Owner, req.Repo, branchName)
		return nil, err
	}
	return result, nil
}

func (c *Creator) commitAndOpenPR(ctx context.Context, req Request, branchName, baseSHA string) (*Result, error) {
	var existingSHA *string
	if file, _, _, err := c.client.Repositories.GetContents(ctx, req.Owner, req.Repo, req.FilePath,
		&github.RepositoryContentGetOptions{Ref: req.BaseBranch}); err == nil && file != nil {
		existingSHA = file.SHA
	}

	commitMsg := commitMessageFor(req.Violation)
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(commitMsg),
		Content: []byte(req.NewContent),
		Branch:  github.String(branchName),
		SHA:     existingSHA,
	}
	var commitErr error
	if existingSHA != nil {
		_, _, commitErr = c.client.Repositories.UpdateFile(ctx, req.Owner, req.Repo, req.FilePath, opts)
	} else {
		_, _, commitErr = c.client.Repositories.CreateFile(ctx, req.Owner, req.Repo, req.FilePath, opts)
	}
	if commitErr != nil {
		return nil, classifyGitHubError("commit replacement content", commitErr)
	}

	title := prTitleFor(req.Violation)
	body := prBodyFor(req)

	pr, _, err := c.client.PullRequests.Create(ctx, req.Owner, req.Repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(branchName),
		Base:  github.String(req.BaseBranch),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, classifyGitHubError("open pull request", err)
	}

	labels := labelsFor(req.Violation)
	if _, _, err := c.client.Issues.AddLabelsToIssue(ctx, req.Owner, req.Repo, pr.GetNumber(), labels); err != nil {
		// Missing labels are created silently by retrying after a
		// best-effort label creation; a persistent failure here does
		// not invalidate the PR itself.
		c.createMissingLabels(ctx, req.Owner, req.Repo, labels)
		_, _, _ = c.client.Issues.AddLabelsToIssue(ctx, req.Owner, req.Repo, pr.GetNumber(), labels)
	}

	return &Result{PRURL: pr.GetHTMLURL(), PRNumber: pr.GetNumber(), BranchName: branchName}, nil
}

func (c *Creator) createMissingLabels(ctx context.Context, owner, repo string, labels []string) {
	for _, name := range labels {
		_, _, _ = c.client.Issues.CreateLabel(ctx, owner, repo, &github.Label{
			Name:  github.String(name),
			Color: github.String("ededed"),
		})
	}
}

func (c *Creator) deleteBranchBestEffort(ctx context.Context, owner, repo, branchName string) {
	_, _ = c.client.Git.DeleteRef(ctx, owner, repo, "refs/heads/"+branchName)
}

// branchNameFor computes terrafix/<slugified-title>-<8-hex-of-id>.
func branchNameFor(v monitor.Violation) string {
	slug := slugify(v.Name)
	if slug == "" {
		slug = "remediation"
	}
	return fmt.Sprintf("terrafix/%s-%s", slug, shortHex(v.ID))
}

func slugify(s string) string {
	lowered := strings.ToLower(s)
	slug := slugPattern.ReplaceAllString(lowered, "-")
	return strings.Trim(slug, "-")
}

func shortHex(id string) string {
	h := sha256.Sum256([]byte(id))
	return hex.EncodeToString(h[:])[:8]
}

func commitMessageFor(v monitor.Violation) string {
	return fmt.Sprintf("fix: remediate %s on %s", v.Name, v.ResourceID)
}

func prTitleFor(v monitor.Violation) string {
	return fmt.Sprintf("%s %s: remediate %s", v.Severity.Glyph(), v.Framework, v.Name)
}

func prBodyFor(req Request) string {
	var b strings.Builder
	v := req.Violation
	fix := req.Fix

	fmt.Fprintf(&b, "## Compliance violation\n\n- **Framework:** %s\n- **Severity:** %s %s\n- **Resource:** `%s` (`%s`)\n- **Reason:** %s\n\n",
		v.Framework, v.Severity.Glyph(), v.Severity, v.ResourceID, v.ResourceType, v.Reason)

	fmt.Fprintf(&b, "## Change summary\n\n%s\n\n", fix.Explanation)
	if len(fix.ChangedAttributes) > 0 {
		fmt.Fprintf(&b, "Changed attributes: `%s`\n\n", strings.Join(fix.ChangedAttributes, "`, `"))
	}

	b.WriteString("## Reviewer checklist\n\n")
	b.WriteString("- [ ] Confirm the change satisfies the named compliance control\n")
	b.WriteString("- [ ] Confirm no unrelated resources were modified\n")
	b.WriteString("- [ ] Run `terraform plan` against this branch before merge\n\n")

	switch fix.Confidence {
	case llm.ConfidenceHigh:
		b.WriteString("Confidence: **high** — this fix can likely be merged after a plan review.\n\n")
	case llm.ConfidenceMedium:
		b.WriteString("Confidence: **medium** — review the diff carefully before merging.\n\n")
	default:
		b.WriteString("Confidence: **low** — treat this as a starting point, not a ready-to-merge fix.\n\n")
	}

	if fix.BreakingChange != "" {
		fmt.Fprintf(&b, "**Breaking change warning:** %s\n\n", fix.BreakingChange)
	}
	if fix.AdditionalRequirement != "" {
		fmt.Fprintf(&b, "**Additional requirement:** %s\n\n", fix.AdditionalRequirement)
	}

	fmt.Fprintf(&b, "<details><summary>Current state</summary>\n\n```json\n%s\n```\n</details>\n\n", truncatedJSON(v.CurrentState))
	fmt.Fprintf(&b, "<details><summary>Required state</summary>\n\n```json\n%s\n```\n</details>\n", truncatedJSON(v.RequiredState))

	return b.String()
}

func truncatedJSON(v map[string]any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	if len(raw) > maxStateJSON {
		return string(raw[:maxStateJSON]) + "...(truncated)"
	}
	return string(raw)
}

func labelsFor(v monitor.Violation) []string {
	return []string{
		"compliance",
		"automated",
		"terrafix",
		"severity:" + strings.ToLower(string(v.Severity)),
		"framework:" + strings.ToLower(v.Framework),
	}
}

func isAlreadyExists(err error) bool {
	var ghErr *github.ErrorResponse
	if errAs(err, &ghErr) {
		for _, e := range ghErr.Errors {
			if strings.Contains(strings.ToLower(e.Message), "already exists") {
				return true
			}
		}
	}
	return false
}

func errAs(err error, target **github.ErrorResponse) bool {
	e, ok := err.(*github.ErrorResponse)
	if ok {
		*target = e
		return true
	}
	return false
}

// classifyGitHubError maps go-github errors to the repo-host error
// taxonomy: repository-not-found and branch-exists are permanent;
// 429 and >=500 are retryable; rate-limit headers go into context.
func classifyGitHubError(operation string, err error) error {
	var ghErr *github.ErrorResponse
	if errAs(err, &ghErr) && ghErr.Response != nil {
		status := ghErr.Response.StatusCode
		opErr := terrafixerrors.New(terrafixerrors.KindRepoHost, isRetryableStatus(status), operation, err)
		if remaining := ghErr.Response.Header.Get("X-RateLimit-Remaining"); remaining != "" {
			opErr.WithContext("rate_limit_remaining", remaining)
		}
		if reset := ghErr.Response.Header.Get("X-RateLimit-Reset"); reset != "" {
			opErr.WithContext("rate_limit_reset", reset)
		}
		return opErr
	}
	return terrafixerrors.New(terrafixerrors.KindRepoHost, true, operation, err)
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		return false
	case http.StatusTooManyRequests:
		return true
	default:
		return status >= 500
	}
}
