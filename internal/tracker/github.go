// Package tracker files bugs with an external issue tracker.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
)

const (
	defaultLabel    = "bughive"
	maxCreateTries  = 3
	maxTitleLength  = 250
	priorityPrefix  = "priority: "
	initialInterval = 500 * time.Millisecond
)

// GitHubTracker creates GitHub issues for reported bugs.
type GitHubTracker struct {
	client *github.Client
	owner  string
	repo   string
	labels []string
	logger *zap.Logger

	newBackOff func() backoff.BackOff
}

var _ schemas.IssueTracker = (*GitHubTracker)(nil)

// NewGitHubTracker builds a tracker from the tracker config section. BaseURL
// points the client at GitHub Enterprise or a test server.
func NewGitHubTracker(cfg config.TrackerConfig, httpClient *http.Client, logger *zap.Logger) (*GitHubTracker, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("tracker requires owner and repo")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("tracker token is not set; provide BUGHIVE_GITHUB_TOKEN")
	}

	client := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		var err error
		client, err = client.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("invalid tracker base url: %w", err)
		}
	}

	return &GitHubTracker{
		client: client,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		labels: cfg.Labels,
		logger: logger.Named("github_tracker"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initialInterval
			return b
		},
	}, nil
}

// CreateIssue opens an issue and returns its number and HTML URL. Rate limits
// and server errors are retried a few times; validation errors are not.
func (t *GitHubTracker) CreateIssue(ctx context.Context, title, description string, priority schemas.Priority, labels []string) (schemas.IssueRef, error) {
	req := &github.IssueRequest{
		Title:  github.String(truncateTitle(title)),
		Body:   github.String(description),
		Labels: t.labelsFor(priority, labels),
	}

	var issue *github.Issue
	operation := func() error {
		created, resp, err := t.client.Issues.Create(ctx, t.owner, t.repo, req)
		if err != nil {
			if retryable(resp, err) {
				t.logger.Warn("Issue creation failed, retrying", zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		issue = created
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(t.newBackOff(), maxCreateTries-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return schemas.IssueRef{}, fmt.Errorf("failed to create issue in %s/%s: %w", t.owner, t.repo, err)
	}

	ref := schemas.IssueRef{
		ID:  strconv.Itoa(issue.GetNumber()),
		URL: issue.GetHTMLURL(),
	}
	t.logger.Info("Filed issue",
		zap.String("issue", ref.ID),
		zap.String("url", ref.URL),
		zap.String("priority", string(priority)),
	)
	return ref, nil
}

func (t *GitHubTracker) labelsFor(priority schemas.Priority, extra []string) *[]string {
	seen := make(map[string]bool)
	var out []string
	add := func(l string) {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			return
		}
		seen[l] = true
		out = append(out, l)
	}
	add(defaultLabel)
	for _, l := range t.labels {
		add(l)
	}
	if priority.Valid() {
		add(priorityPrefix + string(priority))
	}
	for _, l := range extra {
		add(l)
	}
	return &out
}

func retryable(resp *github.Response, err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if resp == nil {
		// Transport-level failure.
		return true
	}
	return resp.StatusCode >= 500
}

func truncateTitle(title string) string {
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) <= maxTitleLength {
		return title
	}
	return string(runes[:maxTitleLength-3]) + "..."
}
