// Package gateway is the outbound client for the external
// tool-authorization gateway: the service that runs third-party OAuth on
// behalf of users and partitions the resulting tokens per user.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	brokererrors "github.com/jrsteele09/go-identity-broker/internal/errors"
)

// AuthStatus is the gateway's view of an authorization attempt.
type AuthStatus string

const (
	AuthStatusPending   AuthStatus = "pending"
	AuthStatusCompleted AuthStatus = "completed"
	AuthStatusFailed    AuthStatus = "failed"
)

// ConfirmResult is the gateway's answer to a confirmation call.
type ConfirmResult struct {
	AuthID  string `json:"auth_id"`
	NextURI string `json:"next_uri,omitempty"`
}

// AuthorizationResponse reports the final state of an authorization
// attempt, including the provider token material on completion.
type AuthorizationResponse struct {
	Status   AuthStatus `json:"status"`
	Provider string     `json:"provider,omitempty"`
	Token    string     `json:"token,omitempty"`
}

// Client talks to the gateway with this application's API key. Calls that
// act on behalf of a user go through a ScopedClient instead; the bare
// Client only carries application-level operations.
type Client struct {
	baseURL    string
	apiKey     string
	userHeader string
	httpClient *http.Client
}

// ClientOption modifies a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client (primarily for testing).
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a gateway client. userHeader names the header the
// gateway scopes OAuth tokens by.
func NewClient(baseURL, apiKey, userHeader string, options ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[gateway NewClient] base URL is required")
	}
	if apiKey == "" {
		return nil, errors.New("[gateway NewClient] API key is required")
	}
	if userHeader == "" {
		return nil, errors.New("[gateway NewClient] user header name is required")
	}

	client := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		userHeader: userHeader,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range options {
		opt(client)
	}
	return client, nil
}

// ConfirmUser asserts to the gateway that the user presently holding a
// live session is the one identified by userID, for the authorization
// flow flowID. The gateway independently verifies the pairing; a
// rejection surfaces as ErrForbidden.
func (c *Client) ConfirmUser(ctx context.Context, flowID, userID string) (ConfirmResult, error) {
	if userID == "" {
		return ConfirmResult{}, brokererrors.ErrMissingUserContext
	}

	body := map[string]string{"flow_id": flowID, "user_id": userID}
	resp, err := c.post(ctx, "/auth/confirm_user", "", body)
	if err != nil {
		return ConfirmResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		log.Warn().Str("flow_id", flowID).Msg("gateway rejected user confirmation")
		return ConfirmResult{}, brokererrors.ErrForbidden
	case http.StatusNotFound, http.StatusGone:
		return ConfirmResult{}, brokererrors.ErrFlowExpired
	default:
		return ConfirmResult{}, fmt.Errorf("[gateway ConfirmUser] unexpected status %d", resp.StatusCode)
	}

	var result ConfirmResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ConfirmResult{}, errors.Wrap(err, "[gateway ConfirmUser] decode response")
	}
	return result, nil
}

// WaitForCompletion polls the gateway until the authorization attempt
// leaves the pending state or ctx ends.
func (c *Client) WaitForCompletion(ctx context.Context, authID string) (AuthorizationResponse, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		response, err := c.authStatus(ctx, authID)
		if err != nil {
			return AuthorizationResponse{}, err
		}
		if response.Status != AuthStatusPending {
			return response, nil
		}

		select {
		case <-ctx.Done():
			return AuthorizationResponse{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) authStatus(ctx context.Context, authID string) (AuthorizationResponse, error) {
	resp, err := c.get(ctx, "/auth/status?id="+url.QueryEscape(authID), "")
	if err != nil {
		return AuthorizationResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AuthorizationResponse{}, fmt.Errorf("[gateway authStatus] unexpected status %d", resp.StatusCode)
	}

	var response AuthorizationResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return AuthorizationResponse{}, errors.Wrap(err, "[gateway authStatus] decode response")
	}
	return response, nil
}

// post issues an authenticated POST. A non-empty userID adds the per-user
// scoping header.
func (c *Client) post(ctx context.Context, path, userID string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "[gateway] marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "[gateway] create request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req, userID)

	return c.do(req)
}

func (c *Client) get(ctx context.Context, path, userID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[gateway] create request")
	}
	c.setAuthHeaders(req, userID)

	return c.do(req)
}

func (c *Client) setAuthHeaders(req *http.Request, userID string) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if userID != "" {
		req.Header.Set(c.userHeader, userID)
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[gateway] request failed")
	}
	return resp, nil
}

func drainBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
}
