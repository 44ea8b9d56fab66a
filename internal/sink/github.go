package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GitHubSink posts issue comments through the REST API. It covers the
// one call this system needs; it is not an API client.
type GitHubSink struct {
	client  *http.Client
	baseURL string
	token   string
	repo    string
	issue   int64
}

func NewGitHubSink(token, repo string, issue int64) *GitHubSink {
	return &GitHubSink{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: "https://api.github.com",
		token:   token,
		repo:    repo,
		issue:   issue,
	}
}

// WithBaseURL points the sink at a different API host, for GitHub
// Enterprise and for tests.
func (g *GitHubSink) WithBaseURL(u string) *GitHubSink {
	g.baseURL = u
	return g
}

func (g *GitHubSink) Post(ctx context.Context, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return fmt.Errorf("encode comment: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", g.baseURL, g.repo, g.issue)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build comment request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("post comment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post comment: %s: %s", resp.Status, snippet)
	}
	return nil
}
