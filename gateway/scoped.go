package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	brokererrors "github.com/jrsteele09/go-identity-broker/internal/errors"
)

// Tool describes one tool the gateway exposes for the scoped user.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

// AuthorizationRequired is returned in place of a tool result when the
// user has not yet authorized the tool's provider. The flow id pairs the
// eventual gateway callback with the user who initiated the call.
type AuthorizationRequired struct {
	FlowID           string `json:"flow_id"`
	AuthorizationURL string `json:"authorization_url"`
	Provider         string `json:"provider"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Output                json.RawMessage        `json:"output,omitempty"`
	AuthorizationRequired *AuthorizationRequired `json:"authorization_required,omitempty"`
}

// ScopedClient is the user-scoped tool context provider: every call it
// makes carries the user id the gateway partitions OAuth tokens by. It
// is constructed per tool invocation and must never be reused across
// users.
type ScopedClient struct {
	client *Client
	userID string
}

// WithUserContext returns a client scoped to one user. It fails closed:
// without a user id there is no unscoped fallback.
func (c *Client) WithUserContext(userID string) (*ScopedClient, error) {
	if userID == "" {
		return nil, brokererrors.ErrMissingUserContext
	}
	return &ScopedClient{client: c, userID: userID}, nil
}

// UserID reports which user this client is scoped to.
func (sc *ScopedClient) UserID() string {
	return sc.userID
}

// ListTools returns the tools available to the scoped user.
func (sc *ScopedClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := sc.client.get(ctx, "/tools", sc.userID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drainBody(resp.Body)
		return nil, fmt.Errorf("[gateway ListTools] unexpected status %d", resp.StatusCode)
	}

	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "[gateway ListTools] decode response")
	}
	return result.Tools, nil
}

// CallTool invokes a tool as the scoped user. When the provider is not
// yet authorized for this user the result carries AuthorizationRequired
// instead of output.
func (sc *ScopedClient) CallTool(ctx context.Context, name string, input map[string]any) (*ToolResult, error) {
	body := map[string]any{"tool": name, "input": input}
	resp, err := sc.client.post(ctx, "/tools/call", sc.userID, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized:
		// 401 carries the authorization_required payload
	case http.StatusForbidden:
		drainBody(resp.Body)
		return nil, brokererrors.ErrForbidden
	default:
		drainBody(resp.Body)
		return nil, fmt.Errorf("[gateway CallTool] unexpected status %d", resp.StatusCode)
	}

	var result ToolResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "[gateway CallTool] decode response")
	}
	return &result, nil
}
