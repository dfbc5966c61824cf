package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wellflow/internal/store"
)

// Deliverer sends a single notification to the user.
type Deliverer interface {
	Deliver(ctx context.Context, n store.Notification) error
}

type webhookPayload struct {
	ID      int64  `json:"id"`
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	DueAt   string `json:"due_at"`
}

// Webhook POSTs notifications as JSON to a fixed URL, rate limited.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	headers map[string]string
}

// NewWebhook builds a deliverer for url. ratePerSec <= 0 disables the limit.
func NewWebhook(url string, ratePerSec float64, timeout time.Duration, headers map[string]string) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: lim,
		headers: headers,
	}
}

func (w *Webhook) Deliver(ctx context.Context, n store.Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(webhookPayload{
		ID:      n.ID,
		UserID:  n.UserID,
		Kind:    n.Kind,
		Message: n.Message,
		DueAt:   n.DueAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// 4xx, 5xx
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// LogDeliverer only logs; used when no webhook is configured.
type LogDeliverer struct{ log zerolog.Logger }

func NewLogDeliverer(log zerolog.Logger) *LogDeliverer {
	return &LogDeliverer{log: log.With().Str("comp", "notify").Logger()}
}

func (d *LogDeliverer) Deliver(_ context.Context, n store.Notification) error {
	d.log.Info().Int64("id", n.ID).Str("user", n.UserID).Str("kind", n.Kind).Msg(n.Message)
	return nil
}
