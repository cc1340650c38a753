// Package github keeps a local mirror of the repository's issues so agents
// can be pointed at them without hitting the network on every request. The
// gh CLI is the only transport; authentication and rate limiting stay its
// problem.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bullpen-dev/bullpen/internal/store"
)

// issueJSONFields is the field list passed to gh issue list/view --json.
const issueJSONFields = "number,title,body,state,labels,assignees,url,updatedAt"

// defaultListLimit bounds a single gh issue list call.
const defaultListLimit = 100

// Client fetches issues from GitHub. The production implementation shells
// out to the gh CLI; tests substitute canned data.
type Client interface {
	// ListIssues returns issues in the given state ("open", "closed" or
	// "all"), at most limit of them.
	ListIssues(ctx context.Context, state string, limit int) ([]*store.GitHubIssue, error)
	// GetIssue returns a single issue, or (nil, nil) when the number does
	// not exist in the repository.
	GetIssue(ctx context.Context, number int) (*store.GitHubIssue, error)
}

// GHClient implements Client using the gh CLI against one owner/repo pair.
type GHClient struct {
	owner string
	repo  string
}

// NewGHClient creates a new gh CLI-based client for owner/repo.
func NewGHClient(owner, repo string) *GHClient {
	return &GHClient{owner: owner, repo: repo}
}

// GHAvailable checks if the gh CLI is installed and accessible.
func GHAvailable() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

func (c *GHClient) repoFlag() string {
	return c.owner + "/" + c.repo
}

// ghIssue is the JSON shape returned by gh issue list/view.
type ghIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updatedAt"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
}

func (c *GHClient) ListIssues(ctx context.Context, state string, limit int) ([]*store.GitHubIssue, error) {
	if state == "" {
		state = "open"
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	out, err := c.run(ctx, "issue", "list",
		"--repo", c.repoFlag(),
		"--state", state,
		"--json", issueJSONFields,
		"--limit", strconv.Itoa(limit))
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	var raw []ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issue list: %w", err)
	}
	issues := make([]*store.GitHubIssue, len(raw))
	for i := range raw {
		issues[i] = convertGHIssue(&raw[i])
	}
	return issues, nil
}

func (c *GHClient) GetIssue(ctx context.Context, number int) (*store.GitHubIssue, error) {
	out, err := c.run(ctx, "issue", "view", strconv.Itoa(number),
		"--repo", c.repoFlag(),
		"--json", issueJSONFields)
	if err != nil {
		// gh reports a missing issue as a GraphQL resolution error on
		// stderr, which the run wrapper folds into the error text.
		if strings.Contains(err.Error(), "Could not resolve") {
			return nil, nil
		}
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	var raw ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issue response: %w", err)
	}
	return convertGHIssue(&raw), nil
}

// convertGHIssue maps the gh CLI JSON shape onto the stored issue row.
// gh reports GraphQL states ("OPEN", "CLOSED"); the store keeps the
// lower-case form.
func convertGHIssue(raw *ghIssue) *store.GitHubIssue {
	issue := &store.GitHubIssue{
		Number:    raw.Number,
		Title:     raw.Title,
		Body:      raw.Body,
		State:     strings.ToLower(raw.State),
		URL:       raw.URL,
		UpdatedAt: raw.UpdatedAt.UTC(),
	}
	if len(raw.Labels) > 0 {
		issue.Labels = make([]string, len(raw.Labels))
		for i, l := range raw.Labels {
			issue.Labels[i] = l.Name
		}
	}
	if len(raw.Assignees) > 0 {
		issue.Assignee = raw.Assignees[0].Login
	}
	return issue
}

// run executes a gh command and returns stdout.
func (c *GHClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gh %s: %w: %s", args[0], err, stderr.String())
	}
	return stdout.String(), nil
}
