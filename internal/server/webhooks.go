package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"boardline/internal/config"
	"boardline/internal/domain"
	"boardline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards journal entries to the configured webhooks.
// Each hook's delivery cursor is kept in the journal, so a restart resumes
// where the last successful delivery stopped.
type WebhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *slog.Logger
	interval time.Duration
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      logger.With("component", "webhooks"),
		interval: defaultWebhookInterval,
	}
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 || d.repo.DB == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
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

// DispatchAll makes one delivery pass over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		d.log.Warn("webhook: init cursor failed", "url", hook.URL, "err", err)
		return
	}
	events, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Warn("webhook: fetch events failed", "err", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	last := cursor
	defer func() {
		if last == cursor {
			return
		}
		if err := d.repo.SetWebhookCursor(context.WithoutCancel(ctx), hook.URL, last); err != nil {
			d.log.Warn("webhook: save cursor failed", "url", hook.URL, "err", err)
		}
	}()
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.log.Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
				return
			}
		}
		last = evt.ID
	}
}

// cursorFor starts new hooks at the current end of the journal instead of
// replaying history.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	cur, err := d.repo.WebhookCursor(ctx, hook.URL)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	cur, err = d.repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	if err := d.repo.SetWebhookCursor(ctx, hook.URL, cur); err != nil {
		return 0, err
	}
	return cur, nil
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	DeliveryID string          `json:"delivery_id"`
	Type       string          `json:"type"`
	ProjectID  int64           `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   int64           `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		DeliveryID: evt.DeliveryID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Boardline-Event", evt.Type)
	req.Header.Set("X-Boardline-Delivery", evt.DeliveryID)
	if evt.ProjectID != 0 {
		req.Header.Set("X-Boardline-Project", fmt.Sprintf("%d", evt.ProjectID))
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Boardline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
