package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher pushes new lifecycle records to configured endpoints.
// Each hook keeps its own sequence cursor; a failed delivery parks the cursor
// so the record is retried on the next tick.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	records, err := d.engine.Repo.RecordsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch records failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	filter := newKindFilter(hook.Kinds)
	for _, rec := range records {
		if !filter.match(string(rec.Kind)) {
			d.setCursor(idx, rec.Seq)
			continue
		}
		if err := d.postRecord(ctx, hook, rec); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, rec.Seq)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestRecordSeq(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *webhookDispatcher) postRecord(ctx context.Context, hook config.WebhookConfig, rec domain.Record) error {
	data, err := json.Marshal(recordResponse(rec))
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
	req.Header.Set("X-Gateline-Kind", string(rec.Kind))
	req.Header.Set("X-Gateline-Delivery", fmt.Sprintf("%d", rec.Seq))
	req.Header.Set("X-Gateline-Task", rec.TaskID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Gateline-Secret", hook.Secret)
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

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	if len(kinds) == 0 {
		return kindFilter{all: true}
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
