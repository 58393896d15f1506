// SPDX-License-Identifier: Apache-2.0

// Package gateway forwards agent traffic to the configured AI provider and
// keeps the audit trail for every proxied call: a run record, timeline
// events, a redacted transcript, and live bus events.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/switchboardhq/switchboard/internal/bus"
	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/domain"
	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/internal/redact"
)

const (
	requestLogLimit  = 2000  // chars of pretty request JSON kept in the transcript
	responseLogLimit = 20000 // chars of response text kept in the transcript
	chunkDetailLimit = 100   // chars of a stream chunk kept in a token_chunk event
	streamChunkSize  = 1024
	usageHeader      = "OpenAI-Usage"
)

// ConfigSource resolves the routing snapshot, fresh per request.
type ConfigSource interface {
	Snapshot() config.Snapshot
}

// RunLedger is the slice of the ledger the gateway writes on the forward
// path. All of it is best-effort from the gateway's point of view.
type RunLedger interface {
	CreateRun(ctx context.Context, id, provider, model, logFile string) error
	UpdateRun(ctx context.Context, id string, patch domain.RunPatch) error
	AppendEvent(ctx context.Context, runID string, ts time.Time, event, details string)
}

// Transcripts is the append-only slice of the transcript store.
type Transcripts interface {
	Append(runID, text string) (string, error)
}

// Publisher pushes live events to attached observers.
type Publisher interface {
	Publish(evt bus.Event)
}

type Deps struct {
	Config      ConfigSource
	Ledger      RunLedger
	Transcripts Transcripts
	Bus         Publisher
	Breaker     *Breaker
	Client      *http.Client
	Logger      *slog.Logger
}

// Gateway proxies inbound requests to the upstream provider.
type Gateway struct {
	config      ConfigSource
	ledger      RunLedger
	transcripts Transcripts
	bus         Publisher
	breaker     *Breaker
	client      *http.Client
	logger      *slog.Logger
}

func New(d Deps) *Gateway {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := d.Client
	if client == nil {
		// No overall timeout: streamed relays are open-ended.
		client = &http.Client{}
	}
	breaker := d.Breaker
	if breaker == nil {
		breaker = NewBreaker(DefaultFailureThreshold, DefaultCooldown)
	}
	metrics.Init()
	return &Gateway{
		config:      d.Config,
		ledger:      d.Ledger,
		transcripts: d.Transcripts,
		bus:         d.Bus,
		breaker:     breaker,
		client:      client,
		logger:      logger,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost:
		g.proxy(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// forwardResult is what a forwarding mode hands back for finalization.
// status is whatever the caller was answered with; err is the upstream
// exception if one occurred.
type forwardResult struct {
	status      int
	err         error
	responseLog string
	usage       usageStats
}

func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	if g.breaker.Open() {
		metrics.IncBreakerRejection()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service temporarily unavailable"})
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	// An absent body is an empty payload, not an error.
	payload := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
	}

	snap := g.config.Snapshot()
	target := snap.BaseURL + r.URL.RequestURI()

	// The override is the enforcement point: whatever the caller asked
	// for, the operator-selected model goes upstream.
	if snap.Model != "" {
		payload["model"] = snap.Model
	}
	streamRequested := truthy(payload["stream"])

	runID := uuid.NewString()

	requestText := redact.Redact(truncate(prettyJSON(payload), requestLogLimit))
	logFile, err := g.transcripts.Append(runID, "=== REQUEST ===\n"+requestText+"\n\n")
	if err != nil {
		g.logger.Error("transcript append failed", "run_id", runID, "error", err)
		metrics.IncAuditWriteFailure()
		logFile = ""
	}

	// Audit writes never abort forwarding; the ledger logs its own errors.
	if err := g.ledger.CreateRun(context.Background(), runID, snap.Provider, snap.Model, logFile); err != nil {
		metrics.IncAuditWriteFailure()
	}
	g.emit(runID, domain.EventRequestReceived, r.URL.RequestURI())
	g.emit(runID, domain.EventRequestSent, target)

	// Model listings forward as GET whatever the inbound method was.
	getLike := r.Method == http.MethodGet || strings.HasPrefix(r.URL.Path, "/v1/models")

	mode := metrics.ModeChat
	switch {
	case getLike:
		mode = metrics.ModeGet
	case strings.HasPrefix(r.URL.Path, "/v1/embeddings"):
		mode = metrics.ModeEmbeddings
	case streamRequested:
		mode = metrics.ModeStream
	}

	g.logger.Debug("forwarding request",
		"run_id", runID,
		"mode", mode,
		"path", r.URL.Path,
		"provider", snap.Provider,
	)

	req, err := g.buildUpstreamRequest(r, target, payload, getLike, snap)
	if err != nil {
		g.finish(runID, mode, started, g.fail(w, runID, err))
		return
	}

	var res forwardResult
	switch mode {
	case metrics.ModeGet:
		res = g.forwardUnary(w, req, runID, unaryOptions{})
	case metrics.ModeStream:
		res = g.forwardStream(w, req, runID)
	default:
		res = g.forwardUnary(w, req, runID, unaryOptions{parseUsage: true, emitFirstToken: true})
	}

	g.finish(runID, mode, started, res)
}

func (g *Gateway) buildUpstreamRequest(r *http.Request, target string, payload map[string]any, getLike bool, snap config.Snapshot) (*http.Request, error) {
	var body io.Reader
	method := http.MethodGet
	if !getLike {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		method = http.MethodPost
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(r.Context(), method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	// Exactly two headers go upstream: the content type and one
	// authentication header. Inbound Authorization wins over the
	// configured key.
	req.Header.Set("Content-Type", "application/json")
	if auth := r.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	} else if snap.APIKey != "" {
		req.Header.Set(snap.APIKeyHeader, snap.APIKeyPrefix+snap.APIKey)
	}
	return req, nil
}

type unaryOptions struct {
	parseUsage     bool
	emitFirstToken bool
}

func (g *Gateway) forwardUnary(w http.ResponseWriter, req *http.Request, runID string, opts unaryOptions) forwardResult {
	resp, err := g.client.Do(req)
	if err != nil {
		return g.fail(w, runID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return g.fail(w, runID, err)
	}

	res := forwardResult{status: resp.StatusCode, responseLog: string(body)}
	if opts.parseUsage && resp.StatusCode < 500 {
		res.usage = parseUsageBody(body)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		// The caller hung up after the upstream exchange completed. The
		// run still finalizes on the upstream outcome; nothing of the
		// unseen response is logged.
		res.responseLog = ""
		return res
	}
	if opts.emitFirstToken {
		// Whole-response forwards still mark first_token so callers
		// measuring time-to-first-token see a uniform timeline.
		g.emit(runID, domain.EventFirstToken, "")
	}
	return res
}

func (g *Gateway) forwardStream(w http.ResponseWriter, req *http.Request, runID string) forwardResult {
	resp, err := g.client.Do(req)
	if err != nil {
		return g.fail(w, runID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := forwardResult{status: resp.StatusCode}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	var (
		logBuf         strings.Builder
		firstTokenSent bool
		chunks         int
		buf            = make([]byte, streamChunkSize)
	)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			if _, err := w.Write(buf[:n]); err != nil {
				break // caller hung up: stop relaying, keep finalizing
			}
			if err := rc.Flush(); err != nil {
				break
			}
			chunks++
			if logBuf.Len() < responseLogLimit {
				logBuf.WriteString(chunk)
			}
			if !firstTokenSent {
				g.emit(runID, domain.EventFirstToken, "")
				firstTokenSent = true
			}
			g.emit(runID, domain.EventTokenChunk, clip(chunk, chunkDetailLimit))
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, context.Canceled) {
				// EOF ends the stream; cancellation means the caller
				// left and took the upstream request with it.
				break
			}
			// Upstream died mid-stream. The caller sees a truncated
			// body; the run records the failure and no stream_finished
			// is emitted.
			g.emit(runID, domain.EventError, readErr.Error())
			metrics.IncStreamChunks(chunks)
			res.err = readErr
			res.responseLog = logBuf.String()
			return res
		}
	}

	g.emit(runID, domain.EventStreamFinished, "")
	metrics.IncStreamChunks(chunks)
	res.usage = parseUsageHeader(resp.Header.Get(usageHeader))
	res.responseLog = logBuf.String()
	return res
}

// fail answers a pre-relay upstream failure: the caller gets a 500 carrying
// the error text and the run gets an error event.
func (g *Gateway) fail(w http.ResponseWriter, runID string, err error) forwardResult {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	g.emit(runID, domain.EventError, err.Error())
	return forwardResult{status: http.StatusInternalServerError, err: err}
}

// finish runs the shared bookkeeping tail: response transcript, terminal
// run update, request_finished event, then the breaker, in that order.
func (g *Gateway) finish(runID, mode string, started time.Time, res forwardResult) {
	if res.responseLog != "" {
		text := redact.Redact(truncate(res.responseLog, responseLogLimit))
		if _, err := g.transcripts.Append(runID, "=== RESPONSE ===\n"+text+"\n\n"); err != nil {
			g.logger.Error("transcript append failed", "run_id", runID, "error", err)
			metrics.IncAuditWriteFailure()
		}
	}

	end := time.Now()
	status := domain.RunSuccess
	if res.err != nil || res.status >= 500 {
		status = domain.RunError
	}
	patch := domain.RunPatch{
		EndTime:          &end,
		Status:           &status,
		TokensIn:         res.usage.PromptTokens,
		TokensOut:        res.usage.CompletionTokens,
		PromptTokens:     res.usage.PromptTokens,
		CompletionTokens: res.usage.CompletionTokens,
		TotalTokens:      res.usage.TotalTokens,
	}
	if res.err != nil {
		msg := res.err.Error()
		patch.ErrorMessage = &msg
	}
	if err := g.ledger.UpdateRun(context.Background(), runID, patch); err != nil {
		metrics.IncAuditWriteFailure()
	}

	g.emit(runID, domain.EventRequestFinished, strconv.Itoa(res.status))

	// Breaker bookkeeping always runs last.
	if res.err != nil || res.status >= 500 {
		if g.breaker.RecordFailure() {
			g.logger.Warn("breaker opened", "run_id", runID)
			metrics.IncBreakerTrip()
		}
	} else {
		g.breaker.RecordSuccess()
	}

	metrics.IncRunStatus(string(status))
	metrics.IncProxyRequest(mode, res.status)
	metrics.ObserveProxyDuration(time.Since(started))
}

// emit records one timeline event in the ledger and on the live bus with a
// shared timestamp. Details are redacted before anything leaves the gateway.
func (g *Gateway) emit(runID, event, details string) {
	if details != "" {
		details = redact.Redact(details)
	}
	now := time.Now()
	g.ledger.AppendEvent(context.Background(), runID, now, event, details)
	g.bus.Publish(bus.Event{RunID: runID, Type: event, Details: details, Timestamp: now})
}

// ---------------- HELPERS ----------------

type usageStats struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

func parseUsageBody(body []byte) usageStats {
	var wrapper struct {
		Usage usageStats `json:"usage"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return usageStats{}
	}
	return wrapper.Usage
}

func parseUsageHeader(raw string) usageStats {
	var usage usageStats
	if raw == "" || json.Unmarshal([]byte(raw), &usage) != nil {
		return usageStats{}
	}
	return usage
}

// truthy mirrors loose JSON truthiness for the stream flag: false, 0, "",
// null, and empty collections are false; anything else is true.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// truncate cuts s to limit characters and marks the cut.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "... [truncated]"
}

// clip cuts s to limit characters with no marker.
func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func prettyJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
