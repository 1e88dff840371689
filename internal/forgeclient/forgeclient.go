// Package forgeclient is the thin, typed HTTP client named in spec.md §6
// ("a thin client used by the operation engines") for talking to the
// forge, the package registry, and the AI-agent planner/tool surface —
// all out-of-scope black-box peers per spec.md §1. This package carries
// zero business logic: it only shapes requests and responses into typed
// values and a structured {Status, Code, Message} error, generalizing
// the teacher's own "one error struct per external failure mode" shape
// (git.go's GitError) from subprocess exit codes to HTTP status codes.
package forgeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"lab.nexedi.com/kirr/wit/internal/werr"
)

// Error is the structured failure shape every Client method returns on a
// non-2xx response, matching spec.md §6's "{Status, Code, Message}".
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("forgeclient: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client is a minimal typed wrapper over net/http, configured with the
// forge's base URL and an auth token, following the same "explicit
// option struct over ambient state" shape as git.go:RunWith and
// smarthttp.ClientOptions.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, Token: token, HTTPClient: http.DefaultClient}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return werr.Wrap(werr.InvalidArgument, err, "forgeclient: encode request body")
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return werr.Wrap(werr.InvalidArgument, err, "forgeclient: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return werr.Wrap(werr.NetworkError, err, "forgeclient: %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var fe Error
		if err := json.NewDecoder(resp.Body).Decode(&fe); err != nil {
			fe.Message = resp.Status
		}
		fe.Status = resp.StatusCode
		return &fe
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return werr.Wrap(werr.ProtocolError, err, "forgeclient: decode response")
		}
	}
	return nil
}

// PullRequest is the subset of forge-side pull-request state this core's
// operation engines need to report against (e.g. stack `submit`).
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// OpenPullRequest asks the forge to open a pull request for a pushed
// branch, the named example in spec.md §6.
func (c *Client) OpenPullRequest(ctx context.Context, owner, repo, head, base, title, body string) (*PullRequest, error) {
	var pr PullRequest
	req := struct {
		Head, Base, Title, Body string
	}{head, base, title, body}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", owner, repo), req, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// DashboardState is the forge's activity-feed/dashboard payload this
// core's engines may report progress into (spec.md §6's second named
// example); the forge owns rendering — this client only fetches it.
type DashboardState struct {
	Items []DashboardItem `json:"items"`
}

type DashboardItem struct {
	Kind    string `json:"kind"`
	Summary string `json:"summary"`
}

// FetchDashboardState retrieves the forge's current dashboard state for
// one repository.
func (c *Client) FetchDashboardState(ctx context.Context, owner, repo string) (*DashboardState, error) {
	var state DashboardState
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/dashboard", owner, repo), nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
