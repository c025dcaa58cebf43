package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"briefcast/internal/config"
	"briefcast/internal/domain"
	"briefcast/internal/logging"
	"briefcast/internal/metrics"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// defaultAlertEvents is used for hooks that do not list their own events.
var defaultAlertEvents = []string{"*.failed", domain.EventBatchFailed}

type EventSource interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// WebhookDispatcher polls the event log and posts matching events to the
// configured alert webhooks. Each hook keeps its own cursor; delivery stops
// at the first failed post and resumes from there on the next tick.
type WebhookDispatcher struct {
	Source   EventSource
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Logger   logging.Logger
	Metrics  *metrics.Metrics

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(src EventSource, hooks []config.WebhookConfig, logger logging.Logger, m *metrics.Metrics) *WebhookDispatcher {
	return &WebhookDispatcher{
		Source:   src,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		Logger:   logging.OrDiscard(logger),
		Metrics:  m,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	log := logging.OrDiscard(d.Logger).WithField("webhook", hook.URL)
	cursor := d.cursorFor(ctx, idx)
	evts, err := d.Source.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		log.WithError(err).Warn("webhook: fetch events failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.EventType) {
			d.setCursor(idx, evt.ID)
			continue
		}
		err := d.postEvent(ctx, hook, evt)
		d.Metrics.WebhookPost(err)
		if err != nil {
			log.WithError(err).Warn("webhook: delivery failed")
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a hook at the newest event so only new alerts are sent.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Source.LatestEventID(ctx)
	if err != nil {
		logging.OrDiscard(d.Logger).WithError(err).Warn("webhook: init cursor failed")
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	RecordID  string         `json:"record_id,omitempty"`
	TS        string         `json:"ts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Component string         `json:"component"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(webhookEvent{
		ID:        evt.ID,
		Type:      evt.EventType,
		Status:    evt.Status,
		Message:   evt.Message,
		RecordID:  evt.RecordID,
		TS:        evt.TS,
		Metadata:  evt.Metadata,
		Component: "briefcast",
	})
	if err != nil {
		return err
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Briefcast-Event", evt.EventType)
	req.Header.Set("X-Briefcast-Delivery", fmt.Sprintf("%d", evt.ID))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Briefcast-Signature", "sha256="+sign(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventFilter matches event types exactly, by "prefix.*", or by "*.suffix".
type eventFilter struct {
	patterns []string
}

func newEventFilter(events []string) eventFilter {
	var patterns []string
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			patterns = append(patterns, key)
		}
	}
	if len(patterns) == 0 {
		patterns = defaultAlertEvents
	}
	return eventFilter{patterns: patterns}
}

func (f eventFilter) match(evt string) bool {
	for _, p := range f.patterns {
		switch {
		case p == "*" || p == evt:
			return true
		case strings.HasPrefix(p, "*.") && strings.HasSuffix(evt, p[1:]):
			return true
		case strings.HasSuffix(p, ".*") && strings.HasPrefix(evt, p[:len(p)-1]):
			return true
		}
	}
	return false
}
