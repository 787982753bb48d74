package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"oncoflow/internal/config"
	"oncoflow/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs events as JSON to one configured endpoint.
type WebhookSink struct {
	url    string
	secret string
	filter kindFilter
	client *http.Client
}

// NewWebhookSinks builds one sink per enabled hook.
func NewWebhookSinks(hooks []config.WebhookConfig) []*WebhookSink {
	var out []*WebhookSink
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		out = append(out, NewWebhookSink(hook))
	}
	return out
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		url:    hook.URL,
		secret: hook.Secret,
		filter: newKindFilter(hook.Kinds),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, evt domain.NotificationEvent) error {
	if !s.filter.match(evt.Kind) {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Oncoflow-Event", string(evt.Kind))
	req.Header.Set("X-Oncoflow-Delivery", evt.ID)
	req.Header.Set("X-Oncoflow-Dossier", evt.DossierID)
	if strings.TrimSpace(s.secret) != "" {
		req.Header.Set("X-Oncoflow-Secret", s.secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", s.url, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type kindFilter struct {
	all bool
	set map[domain.NotificationKind]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[domain.NotificationKind]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[domain.NotificationKind(key)] = struct{}{}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind domain.NotificationKind) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
