// Package session implements the client for the remote session store: the
// durable record tying a target domain to its accumulated stage results.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/veridian-labs/prospector/internal/errors"
	"github.com/veridian-labs/prospector/internal/stage"
)

// Session is one research engagement. The domain is immutable after
// creation; only timestamps and stage data change.
type Session struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	CompanyName string    `json:"company_name"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Terminal session statuses.
const (
	StatusActive    = "active"
	StatusAbandoned = "abandoned"
	StatusCompleted = "completed"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client wraps the session store REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPClient
	logger     zerolog.Logger

	mu      sync.RWMutex
	current *Session // metadata cached after InitializeSession
}

// NewClient creates a session store client.
func NewClient(baseURL, apiKey string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "session_store").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// Current returns the cached session metadata from the last successful
// InitializeSession, or nil.
func (c *Client) Current() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	cp := *c.current
	return &cp
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	return c.httpClient.Do(req)
}

// mapStatus converts a non-2xx response into the error taxonomy:
// 401 → ErrNotAuthenticated, 400 → ValidationError with the server's
// message, anything else → RemoteError.
func mapStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := serverMessage(raw)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return perrors.ErrNotAuthenticated
	case resp.StatusCode == http.StatusBadRequest:
		if msg == "" {
			msg = "request rejected"
		}
		return perrors.NewValidation(msg)
	default:
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return perrors.NewRemote("session-store", resp.StatusCode, msg)
	}
}

func serverMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}
	switch {
	case body.Error != "" && body.Details != "":
		return body.Error + ": " + body.Details
	case body.Error != "":
		return body.Error
	case body.Message != "":
		return body.Message
	}
	return ""
}

// InitializeSession normalizes the domain, derives a display name, and
// creates a session record. Exactly one remote write per call; callers
// must not invoke this twice for the same logical session.
func (c *Client) InitializeSession(ctx context.Context, rawDomain string) (*Session, error) {
	domain, err := NormalizeDomain(rawDomain)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"domain":       domain,
		"company_name": DisplayName(domain),
	}
	resp, err := c.do(ctx, http.MethodPost, "/sessions", payload)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, mapStatus(resp)
	}

	// The backend returns either {"session": {...}} or the fields top-level.
	var envelope struct {
		Session *Session `json:"session"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading session response: %w", err)
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Session != nil && envelope.Session.ID != "" {
		c.cache(envelope.Session)
		return envelope.Session, nil
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil || s.ID == "" {
		return nil, perrors.NewRemote("session-store", resp.StatusCode, "malformed session response")
	}
	c.cache(&s)
	return &s, nil
}

func (c *Client) cache(s *Session) {
	c.mu.Lock()
	cp := *s
	c.current = &cp
	c.mu.Unlock()
	c.logger.Info().
		Str("session_id", s.ID).
		Str("domain", s.Domain).
		Msg("session initialized")
}

// PhaseData fetches stage payloads for a session. With only set, the result
// holds at most that stage. Implements stage.StoreLoader.
func (c *Client) PhaseData(ctx context.Context, sessionID string, only *stage.Stage) (map[stage.Stage]json.RawMessage, error) {
	path := fmt.Sprintf("/sessions/%s/phase-data", sessionID)
	if only != nil {
		path += "?stage=" + only.String()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching phase data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, mapStatus(resp)
	}

	var data map[stage.Stage]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding phase data: %w", err)
	}
	return data, nil
}

// SavePhaseData persists one confirmed stage payload. Called by the
// approval gate when the operator approves a stage.
func (c *Client) SavePhaseData(ctx context.Context, sessionID string, st stage.Stage, payload json.RawMessage) error {
	path := fmt.Sprintf("/sessions/%s/phase-data/%s", sessionID, st)
	resp, err := c.do(ctx, http.MethodPut, path, json.RawMessage(payload))
	if err != nil {
		return fmt.Errorf("saving phase data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mapStatus(resp)
	}
	return nil
}

// SetStatus marks the session with an explicit lifecycle status
// (active, abandoned, completed).
func (c *Client) SetStatus(ctx context.Context, sessionID, status string) error {
	resp, err := c.do(ctx, http.MethodPatch, "/sessions/"+sessionID, map[string]string{"status": status})
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mapStatus(resp)
	}
	c.logger.Info().Str("session_id", sessionID).Str("status", status).Msg("session status updated")
	return nil
}
