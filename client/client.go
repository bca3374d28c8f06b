// Package client provides a Go client for the waggle coordination server,
// small enough to embed in agent hook scripts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrRateLimited is returned when a confidence update exceeds the daily
// cap. The attempt is still recorded server-side.
var ErrRateLimited = errors.New("confidence update rate limited")

type Client struct {
	BaseURL string
	HTTP    *http.Client
	AgentID string
}

type Option func(*Client)

// WithAgentID sets the default agent attributed to claims and trails.
func WithAgentID(id string) Option {
	return func(c *Client) {
		c.AgentID = strings.TrimSpace(id)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Agent struct {
	ID     string   `json:"id"`
	PID    int      `json:"pid"`
	Task   string   `json:"task,omitempty"`
	Scope  []string `json:"scope,omitempty"`
	Status string   `json:"status,omitempty"`
}

type Claim struct {
	ID        uint64   `json:"id"`
	AgentID   string   `json:"agent_id"`
	Files     []string `json:"files"`
	Exclusive bool     `json:"exclusive"`
	Reason    string   `json:"reason,omitempty"`
}

type ConflictDetail struct {
	Path    string `json:"path"`
	ClaimID uint64 `json:"claim_id"`
	AgentID string `json:"agent_id"`
}

// ConflictError reports the claims that blocked an acquisition.
type ConflictError struct {
	Conflicts []ConflictDetail
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("claim conflict with %d held claims", len(e.Conflicts))
}

type Trail struct {
	ID           string  `json:"id,omitempty"`
	Location     string  `json:"location"`
	LocationType string  `json:"location_type,omitempty"`
	Scent        string  `json:"scent"`
	Strength     float64 `json:"strength"`
	AgentID      string  `json:"agent_id,omitempty"`
	Message      string  `json:"message,omitempty"`
}

type Heuristic struct {
	ID             string  `json:"id,omitempty"`
	Domain         string  `json:"domain"`
	Rule           string  `json:"rule"`
	Confidence     float64 `json:"confidence"`
	TimesValidated int     `json:"times_validated,omitempty"`
	Status         string  `json:"status,omitempty"`
}

type ConfidenceUpdate struct {
	ID            string  `json:"id"`
	HeuristicID   string  `json:"heuristic_id"`
	OldConfidence float64 `json:"old_confidence"`
	NewConfidence float64 `json:"new_confidence"`
	Delta         float64 `json:"delta"`
	UpdateType    string  `json:"update_type"`
	RateLimited   bool    `json:"rate_limited"`
}

type Event struct {
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func (c *Client) RegisterAgent(ctx context.Context, agent Agent) (Agent, error) {
	resp, err := c.postJSON(ctx, "/api/agents", agent)
	if err != nil {
		return Agent{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return Agent{}, fmt.Errorf("register failed: %d", resp.StatusCode)
	}
	var out struct {
		Result Agent `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Agent{}, err
	}
	return out.Result, nil
}

func (c *Client) Deregister(ctx context.Context, agentID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(agentID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deregister failed: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) SetStatus(ctx context.Context, agentID, status string) error {
	resp, err := c.postJSON(ctx, "/api/agents/"+url.PathEscape(agentID)+"/status", map[string]string{"status": status})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set status failed: %d", resp.StatusCode)
	}
	return nil
}

// Claim acquires an exclusive or shared hold on files. A *ConflictError is
// returned when another agent already holds an overlapping claim.
func (c *Client) Claim(ctx context.Context, files []string, exclusive bool, reason string) (Claim, error) {
	resp, err := c.postJSON(ctx, "/api/claims", map[string]any{
		"agent_id":  c.AgentID,
		"files":     files,
		"exclusive": exclusive,
		"reason":    reason,
	})
	if err != nil {
		return Claim{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusConflict:
		var body struct {
			Conflicts []ConflictDetail `json:"conflicts"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return Claim{}, fmt.Errorf("claim conflict: %w", err)
		}
		return Claim{}, &ConflictError{Conflicts: body.Conflicts}
	default:
		return Claim{}, fmt.Errorf("claim failed: %d", resp.StatusCode)
	}
	var out struct {
		Result Claim `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Claim{}, err
	}
	return out.Result, nil
}

func (c *Client) Release(ctx context.Context, claimID uint64) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/claims/"+strconv.FormatUint(claimID, 10))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("release failed: %d", resp.StatusCode)
	}
	return nil
}

// CheckClaim reports whether path is covered by a held claim.
func (c *Client) CheckClaim(ctx context.Context, path string) (uint64, bool, error) {
	resp, err := c.get(ctx, "/api/claims/check?path="+url.QueryEscape(path))
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("check failed: %d", resp.StatusCode)
	}
	var out struct {
		Claimed bool   `json:"claimed"`
		ClaimID uint64 `json:"claim_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, false, err
	}
	return out.ClaimID, out.Claimed, nil
}

func (c *Client) DepositTrail(ctx context.Context, t Trail) (Trail, error) {
	if t.AgentID == "" {
		t.AgentID = c.AgentID
	}
	resp, err := c.postJSON(ctx, "/api/trails", t)
	if err != nil {
		return Trail{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return Trail{}, fmt.Errorf("deposit failed: %d", resp.StatusCode)
	}
	var out Trail
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Trail{}, err
	}
	return out, nil
}

func (c *Client) QueryTrails(ctx context.Context, location, scent string) ([]Trail, error) {
	q := url.Values{}
	if location != "" {
		q.Set("location", location)
	}
	if scent != "" {
		q.Set("scent", scent)
	}
	path := "/api/trails"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query failed: %d", resp.StatusCode)
	}
	var out struct {
		Trails []Trail `json:"trails"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Trails, nil
}

func (c *Client) CreateHeuristic(ctx context.Context, h Heuristic) (Heuristic, error) {
	resp, err := c.postJSON(ctx, "/api/heuristics", h)
	if err != nil {
		return Heuristic{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return Heuristic{}, fmt.Errorf("create heuristic failed: %d", resp.StatusCode)
	}
	var out Heuristic
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Heuristic{}, err
	}
	return out, nil
}

func (c *Client) Validate(ctx context.Context, heuristicID, reason string) (ConfidenceUpdate, error) {
	return c.outcome(ctx, heuristicID, "validate", reason)
}

func (c *Client) Violate(ctx context.Context, heuristicID, reason string) (ConfidenceUpdate, error) {
	return c.outcome(ctx, heuristicID, "violate", reason)
}

func (c *Client) Contradict(ctx context.Context, heuristicID, reason string) (ConfidenceUpdate, error) {
	return c.outcome(ctx, heuristicID, "contradict", reason)
}

func (c *Client) outcome(ctx context.Context, heuristicID, action, reason string) (ConfidenceUpdate, error) {
	resp, err := c.postJSON(ctx, "/api/heuristics/"+url.PathEscape(heuristicID)+"/"+action, map[string]string{"reason": reason})
	if err != nil {
		return ConfidenceUpdate{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var out ConfidenceUpdate
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return ConfidenceUpdate{}, err
		}
		return out, nil
	case http.StatusTooManyRequests:
		var body struct {
			Update ConfidenceUpdate `json:"update"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return ConfidenceUpdate{}, fmt.Errorf("%s: %w", action, ErrRateLimited)
		}
		return body.Update, fmt.Errorf("%s %s: %w", action, heuristicID, ErrRateLimited)
	default:
		return ConfidenceUpdate{}, fmt.Errorf("%s failed: %d", action, resp.StatusCode)
	}
}

func (c *Client) EventsSince(ctx context.Context, after uint64) ([]Event, error) {
	resp, err := c.get(ctx, "/api/events?after="+strconv.FormatUint(after, 10))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("events failed: %d", resp.StatusCode)
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.HTTP.Do(req)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path)
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.HTTP.Do(req)
}
