package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// WebhookSink POSTs each event as JSON to a fixed URL. Delivery errors are
// logged and dropped.
type WebhookSink struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

func NewWebhookSink(url string, logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		Logger: logger,
	}
}

// Emit implements Sink.
func (s *WebhookSink) Emit(ctx context.Context, ev Event) {
	if s.URL == "" {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		s.Logger.Warn("webhook notify failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		s.Logger.Warn("webhook notify failed", "err", err, "url", s.URL)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.Logger.Warn("webhook notify rejected", "status", resp.StatusCode, "url", s.URL)
	}
}
