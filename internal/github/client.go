package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a thin REST client authenticated per installation.
type Client struct {
	auth       *AppAuth
	baseURL    string
	httpClient *http.Client
}

func NewClient(auth *AppAuth) *Client {
	return &Client{
		auth:       auth,
		baseURL:    auth.baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateIssueComment posts a comment on an issue or pull request.
// repo is "owner/name".
func (c *Client) CreateIssueComment(ctx context.Context, installationID int64, repo string, number int, body string) (int64, error) {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return 0, fmt.Errorf("marshal comment: %w", err)
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.baseURL, repo, number)
	if err := c.do(ctx, installationID, http.MethodPost, url, payload, http.StatusCreated, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// PullRequestState fetches the current state of a pull request: "open",
// "closed", or "merged".
func (c *Client) PullRequestState(ctx context.Context, installationID int64, repo string, number int) (string, error) {
	var resp struct {
		State  string `json:"state"`
		Merged bool   `json:"merged"`
	}
	url := fmt.Sprintf("%s/repos/%s/pulls/%d", c.baseURL, repo, number)
	if err := c.do(ctx, installationID, http.MethodGet, url, nil, http.StatusOK, &resp); err != nil {
		return "", err
	}
	if resp.Merged {
		return "merged", nil
	}
	return resp.State, nil
}

func (c *Client) do(ctx context.Context, installationID int64, method, url string, payload []byte, wantStatus int, out any) error {
	token, err := c.auth.InstallationToken(ctx, installationID)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("github request %s %s: %s", method, url, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode github response: %w", err)
		}
	}
	return nil
}
