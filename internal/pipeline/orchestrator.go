// Package pipeline drives the research workflow: it runs phases in order,
// holds each completed stage at the approval gate, and persists approved
// results to the session store before advancing.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veridian-labs/prospector/internal/bus"
	perrors "github.com/veridian-labs/prospector/internal/errors"
	"github.com/veridian-labs/prospector/internal/metrics"
	"github.com/veridian-labs/prospector/internal/phase"
	"github.com/veridian-labs/prospector/internal/retry"
	"github.com/veridian-labs/prospector/internal/session"
	"github.com/veridian-labs/prospector/internal/stage"
	"github.com/veridian-labs/prospector/internal/stream"
)

// State is the orchestrator's lifecycle position.
type State string

const (
	// StateIdle means no session, or a stage stopped short of completion
	// (cost declined, silently incomplete, operator stop). Retry reruns
	// the current stage.
	StateIdle State = "idle"
	// StateRunning means a phase is executing.
	StateRunning State = "running"
	// StateAwaitingApproval means a stage completed and waits at the gate.
	StateAwaitingApproval State = "awaiting_approval"
	// StateFailed means the last phase errored. Retry reruns it.
	StateFailed State = "failed"
	// StateAborted means the operator abandoned the session.
	StateAborted State = "aborted"
	// StateCompleted means the final review was approved.
	StateCompleted State = "completed"
)

// Store is the durable session record the orchestrator writes through.
type Store interface {
	stage.StoreLoader
	InitializeSession(ctx context.Context, rawDomain string) (*session.Session, error)
	SavePhaseData(ctx context.Context, sessionID string, st stage.Stage, payload json.RawMessage) error
	SetStatus(ctx context.Context, sessionID, status string) error
}

// Runner executes a single workflow stage.
type Runner interface {
	Run(ctx context.Context, st stage.Stage, sessionID, domain string, cb phase.Callbacks) (*phase.Result, error)
	Processing() bool
}

// Snapshot is a point-in-time view for the management API.
type Snapshot struct {
	SessionID     string          `json:"session_id"`
	Domain        string          `json:"domain"`
	Stage         string          `json:"stage"`
	State         State           `json:"state"`
	PendingResult json.RawMessage `json:"pending_result,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CachedStages  []string        `json:"cached_stages"`
}

// Config holds orchestrator construction options.
type Config struct {
	Store   Store
	Runner  Runner
	Cache   *stage.Cache
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Retry   retry.Config
}

// Orchestrator is the single-session workflow driver. Phases run in a
// background goroutine; decisions arrive through Approve, Reject, Retry,
// Stop, and Abort.
type Orchestrator struct {
	store   Store
	runner  Runner
	cache   *stage.Cache
	bus     *bus.Bus
	metrics *metrics.Metrics
	retry   retry.Config
	logger  zerolog.Logger

	mu        sync.Mutex
	sessionID string
	domain    string
	current   stage.Stage
	state     State
	pending   json.RawMessage
	lastErr   error
	cancel    context.CancelFunc
	runSeq    uint64 // incremented per launch; guards the cancel slot
	wg        sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = retry.DefaultConfig()
	}
	o := &Orchestrator{
		store:   cfg.Store,
		runner:  cfg.Runner,
		cache:   cfg.Cache,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		retry:   cfg.Retry,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		state:   StateIdle,
	}
	o.cache.OnEvict(func(st stage.Stage) {
		o.publish(bus.TopicEviction, bus.Eviction{SessionID: o.SessionID(), Stage: st.String()})
		if o.metrics != nil {
			o.metrics.RecordEviction()
		}
	})
	return o
}

// SessionID returns the active session's ID, or empty.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Domain returns the active session's normalized domain.
func (o *Orchestrator) Domain() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.domain
}

// Snapshot returns the current workflow view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		SessionID:     o.sessionID,
		Domain:        o.domain,
		State:         o.state,
		PendingResult: o.pending,
	}
	if o.sessionID != "" {
		snap.Stage = o.current.String()
	}
	if o.lastErr != nil {
		snap.LastError = o.lastErr.Error()
	}
	for _, st := range o.cache.Stages() {
		snap.CachedStages = append(snap.CachedStages, st.String())
	}
	return snap
}

// Start creates a session for the domain and launches the first phase.
// One session is active at a time; a second Start while one is live
// returns a validation error.
func (o *Orchestrator) Start(ctx context.Context, rawDomain string) (*session.Session, error) {
	o.mu.Lock()
	active := o.sessionID != "" && o.state != StateAborted && o.state != StateCompleted
	o.mu.Unlock()
	if active {
		return nil, perrors.NewValidation("a session is already active")
	}

	sess, err := o.store.InitializeSession(ctx, rawDomain)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.sessionID = sess.ID
	o.domain = sess.Domain
	o.current = stage.SiteAnalysis
	o.state = StateRunning
	o.pending = nil
	o.lastErr = nil
	o.cache.ClearAll()
	o.launchLocked(o.current, false)
	o.mu.Unlock()

	o.logger.Info().Str("session_id", sess.ID).Str("domain", sess.Domain).Msg("session started")
	return sess, nil
}

// Resume re-attaches to an existing session: stage data is reloaded from
// the store into the window and the workflow waits at the latest loaded
// stage's approval gate.
func (o *Orchestrator) Resume(ctx context.Context, sessionID, domain string) error {
	o.mu.Lock()
	if o.state == StateRunning || o.state == StateAwaitingApproval {
		o.mu.Unlock()
		return perrors.NewValidation("a session is already active")
	}
	o.mu.Unlock()

	if !o.cache.LoadFromStore(ctx, o.store, sessionID, nil) {
		return perrors.NewValidation("session has no stored stage data to resume from")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessionID = sessionID
	o.domain = domain
	o.lastErr = nil

	stages := o.cache.Stages()
	o.current = stages[len(stages)-1]
	o.state = StateAwaitingApproval
	o.pending = nil
	if p, ok := o.cache.Get(o.current); ok {
		if raw, err := stage.Encode(p); err == nil {
			o.pending = raw
		}
	}
	o.logger.Info().Str("session_id", sessionID).Str("stage", o.current.String()).Msg("session resumed")
	return nil
}

// launchLocked starts the given stage in the background. Caller holds o.mu.
func (o *Orchestrator) launchLocked(st stage.Stage, withRetry bool) {
	ctx, cancel := context.WithCancel(context.Background())
	o.runSeq++
	o.cancel = cancel
	o.wg.Add(1)
	go func(gen uint64) {
		defer o.wg.Done()
		defer cancel()
		o.execute(ctx, gen, st, withRetry)
	}(o.runSeq)
}

func (o *Orchestrator) execute(ctx context.Context, gen uint64, st stage.Stage, withRetry bool) {
	sessionID, domain := o.SessionID(), o.Domain()
	o.publish(bus.TopicOperation, bus.OperationUpdate{SessionID: sessionID, Phase: st.String(), Status: "started"})

	cb := phase.Callbacks{
		OnProgress: func(ev stream.ProgressEvent) {
			o.publish(bus.TopicProgress, bus.ProgressUpdate{
				SessionID:      sessionID,
				Phase:          st.String(),
				PagesCompleted: ev.PagesCompleted,
				PagesTotal:     ev.PagesTotal,
			})
		},
		OnComplete: func(result json.RawMessage) {
			o.stageCompleted(st, result)
		},
	}

	run := func(ctx context.Context) (res *phase.Result, err error) {
		if !withRetry {
			return o.runner.Run(ctx, st, sessionID, domain, cb)
		}
		cfg := o.retry
		cfg.OnRetry = func(attempt int, err error) {
			o.logger.Warn().Int("attempt", attempt).Err(err).Str("stage", st.String()).Msg("retrying stage")
		}
		err = retry.Do(ctx, cfg, func(ctx context.Context) error {
			var runErr error
			res, runErr = o.runner.Run(ctx, st, sessionID, domain, cb)
			return runErr
		})
		return res, err
	}
	res, err := run(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	// An approval may already have launched the next stage; only clear the
	// cancel slot if it still belongs to this run.
	if o.runSeq == gen {
		o.cancel = nil
	}

	switch {
	case err != nil:
		if errors.Is(err, context.Canceled) {
			o.state = StateIdle
			o.lastErr = nil
			o.publish(bus.TopicOperation, bus.OperationUpdate{SessionID: sessionID, Phase: st.String(), Status: "stopped"})
			return
		}
		o.state = StateFailed
		o.lastErr = err
		if o.metrics != nil {
			o.metrics.RecordError("pipeline", errorType(err))
		}
		o.publish(bus.TopicOperation, bus.OperationUpdate{SessionID: sessionID, Phase: st.String(), Status: "failed"})
	case res.Cancelled:
		o.state = StateIdle
		o.publish(bus.TopicCost, bus.CostUpdate{SessionID: sessionID, Phase: st.String(), Approved: false})
		o.publish(bus.TopicOperation, bus.OperationUpdate{SessionID: sessionID, Phase: st.String(), Status: "cancelled"})
	case res.SilentlyIncomplete:
		o.state = StateIdle
		o.publish(bus.TopicOperation, bus.OperationUpdate{SessionID: sessionID, Phase: st.String(), Status: "incomplete"})
	default:
		// stageCompleted already moved the workflow to the approval gate.
		o.publish(bus.TopicOperation, bus.OperationUpdate{SessionID: sessionID, Phase: st.String(), Status: "completed"})
	}
}

// stageCompleted runs inside the phase's completion callback: the decoded
// result enters the cache window and the workflow parks at the approval gate.
func (o *Orchestrator) stageCompleted(st stage.Stage, result json.RawMessage) {
	p, err := stage.Decode(st, result)
	if err != nil {
		o.logger.Error().Err(err).Str("stage", st.String()).Msg("completed stage produced undecodable payload")
		o.mu.Lock()
		o.state = StateFailed
		o.lastErr = err
		o.mu.Unlock()
		return
	}
	o.cache.Set(p)

	o.mu.Lock()
	o.pending = result
	o.state = StateAwaitingApproval
	sessionID, domain := o.sessionID, o.domain
	o.mu.Unlock()

	o.publish(bus.TopicApproval, bus.ApprovalRequested{
		SessionID: sessionID,
		Stage:     st.String(),
		Domain:    domain,
	})
}

// Approve persists the pending stage result and advances the workflow.
// The persist happens before the advance; a store failure leaves the gate
// intact so the operator can approve again.
func (o *Orchestrator) Approve(ctx context.Context) error {
	if o.runner.Processing() {
		return perrors.ErrPhaseInFlight
	}

	o.mu.Lock()
	if o.state != StateAwaitingApproval {
		o.mu.Unlock()
		return perrors.NewValidation("no stage awaiting approval")
	}
	st := o.current
	sessionID := o.sessionID
	payload := o.pending
	o.mu.Unlock()

	if payload == nil && st == stage.DataReview {
		raw, err := stage.Encode(stage.ReviewSummary{Reviewed: true})
		if err != nil {
			return err
		}
		payload = raw
	}

	if err := o.store.SavePhaseData(ctx, sessionID, st, payload); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordApproval(st.String(), "approved")
	}

	next, hasNext := st.Next()
	if !hasNext {
		// Final review approved: the session is done.
		if err := o.store.SetStatus(ctx, sessionID, session.StatusCompleted); err != nil {
			o.logger.Warn().Err(err).Msg("failed to mark session completed")
		}
		o.mu.Lock()
		o.pending = nil
		o.state = StateCompleted
		o.mu.Unlock()
		o.logger.Info().Str("session_id", sessionID).Msg("session completed")
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = nil
	o.current = next
	if next == stage.DataReview {
		// Data review has no remote phase; it waits for the operator directly.
		o.state = StateAwaitingApproval
		o.publish(bus.TopicApproval, bus.ApprovalRequested{SessionID: sessionID, Stage: next.String(), Domain: o.domain})
		return nil
	}
	o.state = StateRunning
	o.launchLocked(next, false)
	return nil
}

// Reject refuses the pending stage result. With abort set the session is
// abandoned; otherwise the workflow steps back one stage and reruns it.
func (o *Orchestrator) Reject(ctx context.Context, abort bool) error {
	if o.runner.Processing() {
		return perrors.ErrPhaseInFlight
	}

	o.mu.Lock()
	if o.state != StateAwaitingApproval {
		o.mu.Unlock()
		return perrors.NewValidation("no stage awaiting approval")
	}
	st := o.current
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordApproval(st.String(), "rejected")
	}
	if abort {
		return o.Abort(ctx)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = nil
	o.cache.Clear(st)
	if prev, ok := st.Previous(); ok {
		o.current = prev
	}
	o.state = StateRunning
	o.logger.Info().Str("rejected", st.String()).Str("rerunning", o.current.String()).Msg("stage rejected, stepping back")
	o.launchLocked(o.current, false)
	return nil
}

// Retry reruns the current stage after a failure, a declined cost
// confirmation, or a silently incomplete result. Transient remote errors
// are retried with backoff; the automatic phase runs never retry.
func (o *Orchestrator) Retry(ctx context.Context) error {
	if o.runner.Processing() {
		return perrors.ErrPhaseInFlight
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessionID == "" {
		return perrors.NewValidation("no active session")
	}
	if o.state != StateFailed && o.state != StateIdle {
		return perrors.NewValidation("current stage is not retryable")
	}
	o.lastErr = nil
	o.state = StateRunning
	o.launchLocked(o.current, true)
	return nil
}

// Stop cancels the in-flight phase, if any. Stage data already at the gate
// or in the store is untouched.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Abort abandons the session: the in-flight phase is cancelled, the window
// is cleared, and the session is marked abandoned. Stage data already
// persisted by earlier approvals stays in the store.
func (o *Orchestrator) Abort(ctx context.Context) error {
	o.Stop()

	o.mu.Lock()
	sessionID := o.sessionID
	o.pending = nil
	if sessionID != "" {
		o.state = StateAborted
	}
	o.mu.Unlock()

	if sessionID == "" {
		return perrors.NewValidation("no active session")
	}

	o.cache.ClearAll()
	if err := o.store.SetStatus(ctx, sessionID, session.StatusAbandoned); err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to mark session abandoned")
	}
	o.publish(bus.TopicOperation, bus.OperationUpdate{SessionID: sessionID, Status: "aborted"})
	o.logger.Info().Str("session_id", sessionID).Msg("session aborted")
	return nil
}

// Wait blocks until no phase goroutine is running. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// WaitIdle polls until no phase is running or the timeout passes.
func (o *Orchestrator) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !o.runner.Processing() {
			o.mu.Lock()
			running := o.state == StateRunning
			o.mu.Unlock()
			if !running {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func (o *Orchestrator) publish(topic bus.Topic, payload any) {
	if o.bus != nil {
		o.bus.Publish(topic, payload)
	}
}

func errorType(err error) string {
	switch {
	case perrors.IsValidation(err):
		return "validation"
	case errors.Is(err, perrors.ErrNotAuthenticated):
		return "auth"
	case errors.Is(err, perrors.ErrTimeout):
		return "timeout"
	default:
		var re *perrors.RemoteError
		if errors.As(err, &re) {
			return "remote"
		}
		return "internal"
	}
}
