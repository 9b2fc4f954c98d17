package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/developingchet/admission-engine/internal/metrics"
)

const (
	postTimeout = 10 * time.Second
	drainBatch  = 32
)

// Poster delivers one event to the operator channel.
type Poster interface {
	Post(ctx context.Context, e Event) error
}

// PostFunc adapts a function to the Poster interface.
type PostFunc func(ctx context.Context, e Event) error

// Post implements Poster.
func (f PostFunc) Post(ctx context.Context, e Event) error { return f(ctx, e) }

// WebhookPoster POSTs events as JSON to a webhook URL.
type WebhookPoster struct {
	url    string
	client *http.Client
}

// NewWebhookPoster builds a Poster for url. client may be nil.
func NewWebhookPoster(url string, client *http.Client) *WebhookPoster {
	if client == nil {
		client = &http.Client{Timeout: postTimeout}
	}
	return &WebhookPoster{url: url, client: client}
}

func (p *WebhookPoster) Post(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("alert: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Notifier drains the outbox to a Poster. Delivery is throttled so a
// misbehaving producer cannot flood the operator channel, and stops at
// the first failure in a batch to preserve ordering.
type Notifier struct {
	outbox   *Outbox
	poster   Poster
	interval time.Duration
	limiter  *rate.Limiter
}

// NewNotifier builds a notifier polling the outbox every interval,
// delivering at most perMinute events per minute.
func NewNotifier(outbox *Outbox, poster Poster, interval time.Duration, perMinute int) *Notifier {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Notifier{
		outbox:   outbox,
		poster:   poster,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

// Run drains on every interval tick until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) {
	if n.poster == nil {
		return
	}
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = n.Drain(ctx)
		}
	}
}

// Drain delivers pending events in order. A failed delivery leaves the
// event (and everything behind it) queued for the next tick.
func (n *Notifier) Drain(ctx context.Context) error {
	events, err := n.outbox.Pending(drainBatch)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
		postCtx, cancel := context.WithTimeout(ctx, postTimeout)
		err := n.poster.Post(postCtx, e)
		cancel()
		if err != nil {
			log.Warn().Err(err).Uint64("seq", e.Seq).Str("kind", e.Kind).Msg("alert delivery failed")
			return err
		}
		if err := n.outbox.Ack(e.Seq); err != nil {
			return err
		}
		metrics.AlertsSent.Inc()
		log.Info().Uint64("seq", e.Seq).Str("kind", e.Kind).Str("subject", e.Subject).Msg("alert delivered")
	}
	return nil
}
