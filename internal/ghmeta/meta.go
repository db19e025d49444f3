// Package ghmeta fetches GitHub's published webhook source ranges.
package ghmeta

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// TokenEnv optionally holds a token used to raise the API rate limit.
const TokenEnv = "GITHUB_TOKEN"

const requestTimeout = 15 * time.Second

// Client reads the meta endpoint of the GitHub API.
type Client struct {
	gh *github.Client
}

// NewClient creates a client. An empty token makes anonymous requests,
// which is enough for the meta endpoint.
func NewClient(token string) *Client {
	httpClient := &http.Client{Timeout: requestTimeout}
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		httpClient = oauth2.NewClient(ctx, ts)
		httpClient.Timeout = requestTimeout
	}
	return &Client{gh: github.NewClient(httpClient)}
}

// HookRanges returns the CIDR ranges GitHub currently sends webhooks from.
func (c *Client) HookRanges(ctx context.Context) ([]string, error) {
	meta, _, err := c.gh.Meta.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch GitHub meta: %w", err)
	}
	if len(meta.Hooks) == 0 {
		return nil, fmt.Errorf("GitHub meta lists no hook ranges")
	}
	return meta.Hooks, nil
}

// MergeRanges returns base followed by every entry of extra not already
// present, compared case-insensitively after trimming.
func MergeRanges(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	merged := make([]string, 0, len(base)+len(extra))

	for _, list := range [][]string{base, extra} {
		for _, r := range list {
			key := strings.ToLower(strings.TrimSpace(r))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, strings.TrimSpace(r))
		}
	}
	return merged
}
