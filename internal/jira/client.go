// Package jira mirrors stage lifecycle milestones to Jira issues.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// ClientConfig holds the configuration for connecting to a Jira Cloud instance.
type ClientConfig struct {
	// BaseURL is the Jira Cloud instance URL (e.g., "https://acme.atlassian.net").
	BaseURL string
	// Email is the user's email address for basic auth.
	Email string
	// APIToken is the API token for basic auth.
	APIToken string
}

// Client wraps the go-atlassian Jira v3 client.
type Client struct {
	jira *v3.Client
	cfg  ClientConfig
}

// NewClient creates a new Jira Cloud client with basic auth.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jira base URL is required")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("jira email is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("jira API token is required")
	}

	// Ensure URL doesn't have trailing slash
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client, err := v3.New(&http.Client{Timeout: 30 * time.Second}, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}

	client.Auth.SetBasicAuth(cfg.Email, cfg.APIToken)
	client.Auth.SetUserAgent("pitboss-notify/1.0")

	return &Client{jira: client, cfg: cfg}, nil
}

// CheckAuth verifies the client can authenticate with Jira.
func (c *Client) CheckAuth(ctx context.Context) error {
	_, resp, err := c.jira.MySelf.Details(ctx, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("jira auth check failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("jira auth check failed: %w", err)
	}
	return nil
}

// AddComment posts a plain text comment to an issue. Each line of text
// becomes one paragraph in the ADF document.
func (c *Client) AddComment(ctx context.Context, issueKey, text string) error {
	payload := &models.CommentPayloadScheme{Body: commentBody(text)}

	_, resp, err := c.jira.Issue.Comment.Add(ctx, issueKey, payload, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("jira add comment (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("jira add comment: %w", err)
	}
	return nil
}

// commentBody builds a plain-paragraph ADF document from text.
func commentBody(text string) *models.CommentNodeScheme {
	body := &models.CommentNodeScheme{
		Version: 1,
		Type:    "doc",
	}
	for _, line := range strings.Split(text, "\n") {
		para := &models.CommentNodeScheme{Type: "paragraph"}
		if line != "" {
			para.Content = []*models.CommentNodeScheme{{Type: "text", Text: line}}
		}
		body.Content = append(body.Content, para)
	}
	return body
}
