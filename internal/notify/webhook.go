// SPDX-License-Identifier: Apache-2.0

// Package notify pushes run lifecycle events to an operator-configured
// webhook endpoint.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/switchboardhq/switchboard/internal/bus"
	"github.com/switchboardhq/switchboard/internal/domain"
)

const (
	retryAttempts = 3
	retryBase     = 300 * time.Millisecond
	headerSig     = "X-Signature"
)

// Forwarder POSTs run lifecycle events to a single webhook endpoint,
// signing each payload when a secret is configured. Delivery is best-effort
// and never touches the forwarding path.
type Forwarder struct {
	url       string
	secret    string
	client    *http.Client
	logger    *slog.Logger
	retryBase time.Duration
}

func NewForwarder(url, secret string, client *http.Client, logger *slog.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		url:       strings.TrimSpace(url),
		secret:    secret,
		client:    client,
		logger:    logger,
		retryBase: retryBase,
	}
}

// Run drains sub until it closes or ctx is canceled. token_chunk events are
// skipped: at one per relayed kilobyte they would drown any receiver.
func (f *Forwarder) Run(ctx context.Context, sub *bus.Subscription) {
	defer sub.Close()

	if f.url == "" {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Type == domain.EventTokenChunk {
				continue
			}
			f.deliver(ctx, ev)
		}
	}
}

func (f *Forwarder) deliver(ctx context.Context, ev bus.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("webhook payload marshal failed",
			"run_id", ev.RunID,
			"event", ev.Type,
			"error", err,
		)
		return
	}

	signature := sign(f.secret, body)

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
		if err != nil {
			f.logger.Error("webhook request build failed",
				"run_id", ev.RunID,
				"event", ev.Type,
				"error", err,
			)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(headerSig, signature)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			f.logger.Warn("webhook delivery failed",
				"run_id", ev.RunID,
				"event", ev.Type,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				f.logger.Debug("webhook delivered",
					"run_id", ev.RunID,
					"event", ev.Type,
					"attempt", attempt,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			f.logger.Warn("webhook delivery failed",
				"run_id", ev.RunID,
				"event", ev.Type,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < retryAttempts {
			wait := f.retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	f.logger.Error("webhook retries exhausted",
		"run_id", ev.RunID,
		"event", ev.Type,
		"error", lastErr,
	)
}

func sign(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
