package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"helpflow/internal/domain"
	"helpflow/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookConfig configures event delivery to external hosts.
type WebhookConfig struct {
	URLs     []string
	Events   []string
	Secret   string
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

type webhookDispatcher struct {
	repo    repo.Repo
	cfg     WebhookConfig
	filter  eventFilter
	client  *http.Client
	log     *slog.Logger
	mu      sync.Mutex
	cursors map[string]int64
}

// StartWebhookDispatcher posts new workflow events to every configured URL
// until ctx is cancelled. Delivery starts after the newest event present at
// start-up; a failed delivery is retried on the next tick.
func StartWebhookDispatcher(ctx context.Context, r repo.Repo, cfg WebhookConfig) bool {
	d := newWebhookDispatcher(r, cfg)
	if d == nil {
		return false
	}
	go d.run(ctx)
	return true
}

func newWebhookDispatcher(r repo.Repo, cfg WebhookConfig) *webhookDispatcher {
	urls := make([]string, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil
	}
	cfg.URLs = urls
	if cfg.Interval <= 0 {
		cfg.Interval = defaultWebhookInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookDispatcher{
		repo:    r,
		cfg:     cfg,
		filter:  newEventFilter(cfg.Events),
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     logger.With("component", "webhooks"),
		cursors: make(map[string]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, url := range d.cfg.URLs {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, url)
	}
}

func (d *webhookDispatcher) dispatch(ctx context.Context, url string) {
	cursor := d.cursorFor(ctx, url)
	evts, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Warn("fetch events failed", "error", err)
		return
	}
	for _, evt := range evts {
		if !d.filter.match(evt.Type) {
			d.setCursor(url, evt.ID)
			continue
		}
		if err := d.post(ctx, url, evt); err != nil {
			d.log.Warn("delivery failed", "url", url, "event_id", evt.ID, "error", err)
			return
		}
		d.setCursor(url, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, url string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[url]; ok {
		return cur
	}
	cur, err := d.repo.LatestEventID(ctx)
	if err != nil {
		d.log.Warn("init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[url] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(url string, value int64) {
	d.mu.Lock()
	d.cursors[url] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	ActorID   string          `json:"actor_id,omitempty"`
	TS        string          `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) post(ctx context.Context, url string, evt domain.Event) error {
	resp := eventResponse(evt)
	data, err := json.Marshal(webhookEvent{
		ID:        resp.ID,
		Type:      resp.Type,
		RequestID: resp.RequestID,
		ActorID:   resp.ActorID,
		TS:        resp.TS,
		Payload:   resp.Payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Helpflow-Event", evt.Type)
	req.Header.Set("X-Helpflow-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Helpflow-Request", evt.RequestID)
	if strings.TrimSpace(d.cfg.Secret) != "" {
		req.Header.Set("X-Helpflow-Secret", d.cfg.Secret)
	}
	res, err := d.client.Do(req)
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
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
