package oncoflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal oncoflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID and ActorRole are sent as actor headers when no credential is
	// set. Servers accept them only in local mode.
	ActorID    string
	ActorRole  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Dossier struct {
	ID              string    `json:"id"`
	PatientRef      string    `json:"patient_ref"`
	Machine         string    `json:"machine,omitempty"`
	Protocol        string    `json:"protocol,omitempty"`
	Status          string    `json:"status"`
	Priority        string    `json:"priority,omitempty"`
	Labels          []string  `json:"labels,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	StatusChangedAt time.Time `json:"status_changed_at"`
}

// TransitionRecord is one audit entry.
type TransitionRecord struct {
	ID           string    `json:"id"`
	DossierID    string    `json:"dossier_id"`
	Seq          int64     `json:"seq"`
	From         string    `json:"from_status"`
	To           string    `json:"to_status"`
	ActorID      string    `json:"actor_id"`
	ActorRole    string    `json:"actor_role"`
	Timestamp    time.Time `json:"ts"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	MissingItems []string  `json:"missing_items,omitempty"`
	Comment      string    `json:"comment,omitempty"`
}

type TransitionResult struct {
	NewStatus string           `json:"new_status"`
	Record    TransitionRecord `json:"record"`
}

type Notification struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	DossierID   string         `json:"dossier_id"`
	Kind        string         `json:"kind"`
	TargetRoles []string       `json:"target_roles"`
	Payload     map[string]any `json:"payload,omitempty"`
	EmittedAt   time.Time      `json:"emitted_at"`
}

// NotificationsPage wraps feed responses with a cursor to pass back.
type NotificationsPage struct {
	Items      []Notification `json:"items"`
	NextCursor int64          `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code, Message and Details are decoded
// from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Rejected reports whether the error is a guard refusal, and which one.
func (e *APIError) Rejected() (string, bool) {
	reason, ok := e.Details["reason"].(string)
	return reason, ok
}

// MissingItems lists the checklist items named by a checklist_incomplete refusal.
func (e *APIError) MissingItems() []string {
	raw, _ := e.Details["missing_items"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) CreateDossier(ctx context.Context, id, patientRef, machine string) (Dossier, error) {
	body := map[string]any{"patient_ref": patientRef}
	if id != "" {
		body["id"] = id
	}
	if machine != "" {
		body["machine"] = machine
	}
	var resp Dossier
	err := c.do(ctx, http.MethodPost, "dossiers", body, &resp)
	return resp, err
}

func (c *Client) GetDossier(ctx context.Context, id string) (Dossier, error) {
	var resp Dossier
	err := c.do(ctx, http.MethodGet, "dossiers/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListDossiers returns dossiers, optionally filtered by status.
func (c *Client) ListDossiers(ctx context.Context, status string) ([]Dossier, error) {
	endpoint := "dossiers"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Dossier
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition attempts from -> to. Refusals come back as *APIError with the
// audit record id in Details.
func (c *Client) Transition(ctx context.Context, dossierID, from, to, comment string) (TransitionResult, error) {
	body := map[string]any{"from": from, "to": to}
	if comment != "" {
		body["comment"] = comment
	}
	var resp TransitionResult
	endpoint := fmt.Sprintf("dossiers/%s/transitions", url.PathEscape(dossierID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) SetChecklistItem(ctx context.Context, dossierID, status, item string, checked bool) error {
	endpoint := fmt.Sprintf("dossiers/%s/checklist/%s/%s", url.PathEscape(dossierID), url.PathEscape(status), url.PathEscape(item))
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{"checked": checked}, nil)
}

func (c *Client) Audit(ctx context.Context, dossierID string) ([]TransitionRecord, error) {
	var resp []TransitionRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("dossiers/%s/audit", url.PathEscape(dossierID)), nil, &resp)
	return resp, err
}

// Notifications pulls the feed for the caller's role after cursor.
func (c *Client) Notifications(ctx context.Context, cursor int64, limit int) (NotificationsPage, error) {
	q := url.Values{}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprint(cursor))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "notifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp NotificationsPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		req.Header.Set("X-Actor-Role", c.ActorRole)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
