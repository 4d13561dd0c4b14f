// Package publisher emits verification outcomes to downstream consumers.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event is one terminal verification outcome. Every event carries the
// job that produced it so downstream consumers can dedupe replays.
type Event struct {
	Address     string `json:"address"`
	Status      string `json:"status"`
	JobID       string `json:"jobId"`
	ComputedCID string `json:"computedCid,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`
	OccurredAt  string `json:"occurredAt"`
}

// Sink receives terminal verification outcomes.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Publisher fans events out to its sinks, publishing each distinct
// (address, status, job) outcome at most once. A sink error does not
// poison the dedupe set, so a later retry republishes.
type Publisher struct {
	sinks  []Sink
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates a publisher over the given sinks.
func New(logger *slog.Logger, sinks ...Sink) *Publisher {
	return &Publisher{
		sinks:  sinks,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// Publish delivers the event to every sink unless an identical outcome
// was already delivered or is being delivered. The key is claimed before
// the sinks run, so concurrent publishes of the same outcome cannot both
// deliver; a sink error releases the claim so a later retry republishes.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	key := ev.Address + "|" + ev.Status + "|" + ev.JobID

	p.mu.Lock()
	if _, dup := p.seen[key]; dup {
		p.mu.Unlock()
		p.logger.Debug("suppressing duplicate outcome", "address", ev.Address, "status", ev.Status, "job_id", ev.JobID)
		return nil
	}
	p.seen[key] = struct{}{}
	p.mu.Unlock()

	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			p.mu.Lock()
			delete(p.seen, key)
			p.mu.Unlock()
			return fmt.Errorf("publishing outcome for %s: %w", ev.Address, err)
		}
	}
	return nil
}

// LogSink records outcomes on the service log.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Publish(_ context.Context, ev Event) error {
	s.Logger.Info("verification outcome",
		"address", ev.Address,
		"status", ev.Status,
		"job_id", ev.JobID,
		"computed_cid", ev.ComputedCID,
	)
	return nil
}

// WebhookSink POSTs outcomes to a configured URL.
type WebhookSink struct {
	url        string
	httpClient *http.Client
}

// NewWebhookSink creates a webhook sink for the given endpoint.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Publish(ctx context.Context, ev Event) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(ev); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
