// Package phase implements the generic "run one phase" contract and the
// concrete wrappers for each step of the research workflow.
package phase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/veridian-labs/prospector/internal/errors"
	"github.com/veridian-labs/prospector/internal/metrics"
	"github.com/veridian-labs/prospector/internal/stream"
)

// Confirmer decides interactive cost confirmations. Declining is a silent
// cancel, not a failure.
type Confirmer interface {
	ConfirmCost(ctx context.Context, phase, prompt string, estimatedUSD float64) bool
}

// CeilingConfirmer approves any cost up to a fixed ceiling.
type CeilingConfirmer struct {
	CeilingUSD float64
}

func (c CeilingConfirmer) ConfirmCost(_ context.Context, _, _ string, estimatedUSD float64) bool {
	return estimatedUSD <= c.CeilingUSD
}

// Invocation is a single attempt to execute a phase. Ephemeral: constructed,
// executed exactly once, and discarded.
type Invocation struct {
	Phase     string
	Endpoint  string
	Payload   any
	Streaming bool

	// ConfirmCost, when non-empty, is the prompt shown to the confirmer
	// before any network call. EstimatedUSD accompanies it.
	ConfirmCost  string
	EstimatedUSD float64

	// ValidateInput runs before any network call. A non-nil error aborts
	// the phase with that message.
	ValidateInput func() error

	// GateResult inspects the terminal result before completion is declared.
	// Returning false marks the invocation silently incomplete: the result
	// is still returned for diagnostics but OnComplete never fires.
	GateResult func(result json.RawMessage) bool

	// OnProgress receives streaming progress events (full state, not deltas).
	OnProgress func(ev stream.ProgressEvent)

	// OnComplete is the stage-completion callback. Fires at most once per
	// invocation.
	OnComplete func(result json.RawMessage)
}

// Result is the terminal outcome of an invocation that did not error.
type Result struct {
	Payload json.RawMessage
	// Cancelled is set when the cost confirmation was declined. No network
	// call was made and no error is surfaced.
	Cancelled bool
	// SilentlyIncomplete is set when the terminal result failed the gate
	// (e.g. a scrape that completed with zero pages). Distinct from a
	// failure: no error propagates, but the stage is not complete.
	SilentlyIncomplete bool
	Streamed           bool
}

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor runs phases against the research backend. A single executor
// allows one phase in flight at a time; the processing flag is cleared on
// every exit path.
type Executor struct {
	baseURL    string
	apiKey     string
	httpClient HTTPClient
	processor  *stream.Processor
	confirmer  Confirmer
	metrics    *metrics.Metrics
	timeout    time.Duration
	logger     zerolog.Logger

	processing atomic.Bool
}

// ExecutorConfig holds executor construction options.
type ExecutorConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	Confirmer Confirmer
	Metrics   *metrics.Metrics
}

// NewExecutor creates a phase executor.
func NewExecutor(cfg ExecutorConfig, logger zerolog.Logger) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Executor{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
		processor:  stream.NewProcessor(logger),
		confirmer:  cfg.Confirmer,
		metrics:    cfg.Metrics,
		timeout:    timeout,
		logger:     logger.With().Str("component", "phase_executor").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (e *Executor) SetHTTPClient(hc HTTPClient) {
	e.httpClient = hc
}

// Processing reports whether a phase is currently in flight. The approval
// gate refuses decisions while this is set.
func (e *Executor) Processing() bool {
	return e.processing.Load()
}

// Run executes one phase invocation. Exactly one of (non-nil Result, error)
// is produced; OnComplete fires at most once, and only on a gated,
// completed outcome.
func (e *Executor) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if e.processing.Swap(true) {
		return nil, perrors.ErrPhaseInFlight
	}
	start := time.Now()
	var status string
	defer func() {
		e.processing.Store(false)
		if e.metrics != nil {
			e.metrics.RecordPhase(inv.Phase, status)
			e.metrics.ObservePhaseDuration(inv.Phase, time.Since(start).Seconds())
		}
	}()

	res, err := e.run(ctx, inv)
	switch {
	case err != nil:
		status = "failed"
		e.logger.Error().Err(err).Str("phase", inv.Phase).Msg("phase failed")
	case res.Cancelled:
		status = "cancelled"
	case res.SilentlyIncomplete:
		status = "silently_incomplete"
		e.logger.Warn().Str("phase", inv.Phase).Msg("phase completed without usable data")
	default:
		status = "completed"
	}
	return res, err
}

func (e *Executor) run(ctx context.Context, inv Invocation) (*Result, error) {
	// Input validation: never reaches the network on failure.
	if inv.ValidateInput != nil {
		if err := inv.ValidateInput(); err != nil {
			if perrors.IsValidation(err) {
				return nil, err
			}
			return nil, perrors.NewValidation(err.Error())
		}
	}

	// Cost confirmation: declining cancels silently.
	if inv.ConfirmCost != "" && e.confirmer != nil {
		if !e.confirmer.ConfirmCost(ctx, inv.Phase, inv.ConfirmCost, inv.EstimatedUSD) {
			e.logger.Info().
				Str("phase", inv.Phase).
				Float64("estimated_usd", inv.EstimatedUSD).
				Msg("cost confirmation declined, phase cancelled")
			return &Result{Cancelled: true}, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.post(ctx, inv.Endpoint, inv.Payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return nil, perrors.ErrNotAuthenticated
	}
	if resp.StatusCode == http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := rejectionMessage(raw)
		if msg == "" {
			msg = "request rejected"
		}
		return nil, perrors.NewValidation(msg)
	}

	if inv.Streaming && isEventStream(resp.Header.Get("Content-Type")) {
		return e.consumeStream(ctx, resp.Body, inv)
	}
	return e.consumeSingleShot(resp, inv)
}

func (e *Executor) post(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", perrors.ErrTimeout, err)
		}
		return nil, &perrors.RemoteError{Service: "research-backend", Message: "request failed", Err: err}
	}
	return resp, nil
}

func isEventStream(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream")
}

func (e *Executor) consumeStream(ctx context.Context, body io.Reader, inv Invocation) (*Result, error) {
	var handler stream.Handler
	if inv.OnProgress != nil {
		cb := inv.OnProgress
		m := e.metrics
		handler = stream.HandlerFunc(func(ev stream.ProgressEvent) {
			if m != nil {
				m.RecordStreamEvent(stream.KindProgress)
			}
			cb(ev)
		})
	}

	out, err := e.processor.Run(ctx, body, handler)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil && out.ParseErrors > 0 {
		e.metrics.RecordStreamEvent("malformed")
	}

	if !out.Completed {
		if out.Err != nil {
			return nil, out.Err
		}
		return nil, perrors.NewRemote("research-backend", 0, "stream ended without a terminal event")
	}
	if out.Err != nil {
		// An error event alongside a complete event: completion wins, but
		// surface the error in logs for diagnostics.
		e.logger.Warn().Err(out.Err).Str("phase", inv.Phase).Msg("stream reported error before completing")
	}

	return e.finish(inv, out.Result, true)
}

// singleShotResponse is the wire shape of a non-streaming phase response.
type singleShotResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Details string          `json:"details,omitempty"`
}

func (e *Executor) consumeSingleShot(resp *http.Response, inv Invocation) (*Result, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var body singleShotResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, perrors.NewRemote("research-backend", resp.StatusCode, "malformed response: "+truncate(string(raw), 200))
	}

	if !body.Success {
		msg := body.Error
		if body.Details != "" {
			if msg != "" {
				msg += ": "
			}
			msg += body.Details
		}
		if msg == "" {
			msg = "phase rejected by backend"
		}
		return nil, perrors.NewRemote("research-backend", resp.StatusCode, msg)
	}

	result := body.Result
	if len(result) == 0 {
		result = body.Data
	}
	return e.finish(inv, result, false)
}

// finish applies the result gate and fires the completion callback at most once.
func (e *Executor) finish(inv Invocation, result json.RawMessage, streamed bool) (*Result, error) {
	if inv.GateResult != nil && !inv.GateResult(result) {
		return &Result{Payload: result, SilentlyIncomplete: true, Streamed: streamed}, nil
	}
	if inv.OnComplete != nil {
		inv.OnComplete(result)
	}
	return &Result{Payload: result, Streamed: streamed}, nil
}

// rejectionMessage pulls the human-readable message out of a 400 body.
func rejectionMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}
	switch {
	case body.Error != "" && body.Details != "":
		return body.Error + ": " + body.Details
	case body.Error != "":
		return body.Error
	default:
		return body.Message
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
