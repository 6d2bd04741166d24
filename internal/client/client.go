package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/TimurManjosov/goautorun/internal/scheduler"
	"github.com/TimurManjosov/goautorun/internal/session"
)

// Client is an HTTP client for the autorun admin API
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// RejectedRule is a rule definition the server refused to load.
type RejectedRule struct {
	File  string `json:"file"`
	Index int    `json:"index"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

// RuleSet is the server's active rule snapshot.
type RuleSet struct {
	ETag     string         `json:"etag"`
	LoadedAt time.Time      `json:"loaded_at"`
	Rules    []rules.Rule   `json:"rules"`
	Rejected []RejectedRule `json:"rejected"`
}

// HookedBrowsers groups sessions by liveness.
type HookedBrowsers struct {
	Online  map[string]session.Info `json:"online"`
	Offline map[string]session.Info `json:"offline"`
}

// ListRules retrieves the active rule snapshot
func (c *Client) ListRules(ctx context.Context) (*RuleSet, error) {
	var out RuleSet
	if err := c.do(ctx, http.MethodGet, "/api/autorun/rules", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReloadRules asks the server to re-read its rule directory
func (c *Client) ReloadRules(ctx context.Context) (*RuleSet, error) {
	var out RuleSet
	if err := c.do(ctx, http.MethodPost, "/api/autorun/rules/reload", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MatchRules returns the server's rules that apply to fp, most specific first
func (c *Client) MatchRules(ctx context.Context, fp rules.Fingerprint) ([]rules.Rule, error) {
	var out struct {
		Rules []rules.Rule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/autorun/match", fp, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

// ListSessions retrieves every session known to the server
func (c *Client) ListSessions(ctx context.Context) (*HookedBrowsers, error) {
	var out struct {
		Hooked HookedBrowsers `json:"hooked-browsers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/hooks", nil, &out); err != nil {
		return nil, err
	}
	return &out.Hooked, nil
}

// GetSession retrieves a single session by id
func (c *Client) GetSession(ctx context.Context, id string) (*session.Info, error) {
	var out session.Info
	if err := c.do(ctx, http.MethodGet, "/api/hooks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExpireSession forces a session into the expired state
func (c *Client) ExpireSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/hooks/"+url.PathEscape(id)+"/expire", nil, nil)
}

// Executions lists the autorun executions started for a session
func (c *Client) Executions(ctx context.Context, id string) ([]scheduler.View, error) {
	q := url.Values{}
	q.Set("session", id)
	var out struct {
		Executions []scheduler.View `json:"executions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/autorun/executions?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(bodyBytes))}
		var structured struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(bodyBytes, &structured) == nil && structured.Code != "" {
			apiErr.Code = structured.Code
			apiErr.Message = structured.Message
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
