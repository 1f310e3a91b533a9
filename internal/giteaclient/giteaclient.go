// Package giteaclient is a narrow, typed view of the downstream Gitea API:
// enough to check whether a repository exists and to create one under a
// user or organization namespace. It is not a general-purpose Gitea SDK.
package giteaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Sentinel errors the classifier matches against with errors.Is.
var (
	ErrUnauthorized = errors.New("gitea: unauthorized")
	ErrForbidden    = errors.New("gitea: forbidden")
	ErrNotFound     = errors.New("gitea: not found")
	ErrConflict     = errors.New("gitea: already exists")
	ErrTransport    = errors.New("gitea: transport error")
	ErrRateLimited  = errors.New("gitea: rate limited")
)

// Error wraps a Gitea API failure with the endpoint and status that produced
// it, and unwraps to one of the sentinels above.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	sentinel   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gitea %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.sentinel }

func errForStatus(method, path string, status int, body string) error {
	e := &Error{Method: method, Path: path, StatusCode: status, Body: body}
	switch status {
	case http.StatusUnauthorized:
		e.sentinel = ErrUnauthorized
	case http.StatusForbidden:
		e.sentinel = ErrForbidden
	case http.StatusNotFound:
		e.sentinel = ErrNotFound
	case http.StatusConflict, http.StatusUnprocessableEntity:
		e.sentinel = ErrConflict
	case http.StatusTooManyRequests:
		e.sentinel = ErrRateLimited
	default:
		e.sentinel = ErrTransport
	}
	return e
}

// Repository is the subset of Gitea's repository JSON the engine cares
// about.
type Repository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

// CreateRepoOpts controls repository creation.
type CreateRepoOpts struct {
	Private     bool
	Description string
}

type createRepoRequest struct {
	Name        string `json:"name"`
	Private     bool   `json:"private"`
	Description string `json:"description,omitempty"`
	AutoInit    bool   `json:"auto_init"`
}

// Client talks to a single Gitea instance with a fixed API token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	limiter    *rate.Limiter
}

// New builds a Client. rps/burst configure the outbound token-bucket rate
// limiter; a zero rps disables limiting.
func New(baseURL, token string, timeout time.Duration, rps float64, burst int, userAgent string) *Client {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		userAgent: userAgent,
		limiter:   limiter,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return fmt.Errorf("%w: %s %s", ErrRateLimited, method, path)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		return errForStatus(method, path, resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
		}
	}
	return nil
}

// WhoAmI calls /user and returns the authenticated username. Called once at
// boot to validate the token.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var who struct {
		Login string `json:"login"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/user", nil, &who); err != nil {
		return "", err
	}
	return who.Login, nil
}

// RepoExists reports whether owner/name exists downstream.
func (c *Client) RepoExists(ctx context.Context, owner, name string) (bool, error) {
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/repos/%s/%s", owner, name), nil, nil)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// CreateUserRepo creates name under the authenticated user. A subsequent
// conflict is surfaced as ErrConflict, which the engine treats as success
// for idempotency.
func (c *Client) CreateUserRepo(ctx context.Context, name string, opts CreateRepoOpts) (*Repository, error) {
	var repo Repository
	req := createRepoRequest{Name: name, Private: opts.Private, Description: opts.Description}
	if err := c.do(ctx, http.MethodPost, "/api/v1/user/repos", req, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// CreateOrgRepo creates name under org. The engine must route here — never
// through CreateUserRepo — whenever the mirror specifies a downstream_owner,
// because Gitea rejects push-to-create for organization namespaces.
func (c *Client) CreateOrgRepo(ctx context.Context, org, name string, opts CreateRepoOpts) (*Repository, error) {
	var repo Repository
	req := createRepoRequest{Name: name, Private: opts.Private, Description: opts.Description}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/orgs/%s/repos", org), req, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// DeleteRepo deletes owner/name. Used only by the external CRUD surface,
// never by the sync pipeline itself.
func (c *Client) DeleteRepo(ctx context.Context, owner, name string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/repos/%s/%s", owner, name), nil, nil)
}
