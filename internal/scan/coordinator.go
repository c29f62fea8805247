// Package scan owns the lifecycle of scans: it starts pipelines, routes
// their trace events to the trace store and live observers, and stores the
// final report.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/threatwatch/internal/agentconfig"
	"github.com/ashureev/threatwatch/internal/bus"
	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/engine"
	"github.com/ashureev/threatwatch/internal/hub"
	"github.com/ashureev/threatwatch/internal/metrics"
	"github.com/ashureev/threatwatch/internal/pipeline"
	"github.com/ashureev/threatwatch/internal/report"
	"github.com/ashureev/threatwatch/internal/store"
	"github.com/ashureev/threatwatch/internal/trace"
)

// ErrNoActiveScan is returned by Cancel when the session has no running scan.
var ErrNoActiveScan = errors.New("no active scan")

// DefaultQueueSize bounds the per-scan trace event queue.
const DefaultQueueSize = 256

// DefaultTimeDuration is used when a request names no time window.
const DefaultTimeDuration = "last 60 days"

// Request describes one scan.
type Request struct {
	SessionID    string         `json:"sessionId"`
	Asset        string         `json:"asset"`
	Attributes   map[string]any `json:"attributes"`
	ScanDate     string         `json:"scanDate"`
	TimeDuration string         `json:"timeDuration"`
}

func (r *Request) normalize(now time.Time) error {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.Asset = strings.TrimSpace(r.Asset)
	if r.SessionID == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrInvalidRequest)
	}
	if r.Asset == "" {
		return fmt.Errorf("%w: asset is required", domain.ErrInvalidRequest)
	}
	if r.ScanDate == "" {
		r.ScanDate = now.Format("2006-01-02")
	}
	if r.TimeDuration == "" {
		r.TimeDuration = DefaultTimeDuration
	}
	return nil
}

// Result is the outcome of a successful scan.
type Result struct {
	Report   *domain.ScanReport
	Document json.RawMessage
	// Fallback is true when the report only wraps the unparsed output.
	Fallback bool
}

// Scan lifecycle statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = metrics.StatusCompleted
	StatusFailed    = metrics.StatusFailed
	StatusCancelled = metrics.StatusCancelled
)

// State is the observable status of a session's latest scan.
type State struct {
	SessionID  string     `json:"sessionId"`
	Status     string     `json:"status"`
	Asset      string     `json:"asset"`
	Error      string     `json:"error,omitempty"`
	Fallback   bool       `json:"fallback,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Sessions     store.SessionRepository
	Ignored      store.IgnoredSourceRepository
	Configs      *agentconfig.Store
	Traces       *trace.Store
	Hub          *hub.Hub
	Orchestrator *pipeline.Orchestrator
}

// Options tune a Coordinator. Every field is optional.
type Options struct {
	// Timeout bounds a whole scan; zero disables it.
	Timeout   time.Duration
	QueueSize int
	Metrics   *metrics.Collector
	Mirror    *bus.Mirror
	Logger    *slog.Logger
}

type run struct {
	state  State
	cancel *pipeline.CancelToken
	done   chan struct{}
	result *Result
	err    error
}

// Coordinator runs at most one scan per session at a time. Scans for
// different sessions run in parallel on their own goroutines.
type Coordinator struct {
	deps Deps
	opts Options
	log  *slog.Logger
	now  func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]*run
	last   map[string]State
}

// New creates a Coordinator. Call Close to stop running scans.
func New(deps Deps, opts Options) *Coordinator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		deps:       deps,
		opts:       opts,
		log:        logger,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*run),
		last:       make(map[string]State),
	}
}

// StartScan runs a scan and waits for it to finish. If ctx ends first the
// scan keeps running in the background and ctx's error is returned.
func (c *Coordinator) StartScan(ctx context.Context, req Request) (*Result, error) {
	r, err := c.launch(ctx, req)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Launch starts a scan and returns once it is running. Validation,
// concurrency and agent-config failures are reported synchronously;
// progress and the outcome are delivered through the hub and Status.
func (c *Coordinator) Launch(ctx context.Context, req Request) (State, error) {
	r, err := c.launch(ctx, req)
	if err != nil {
		return State{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.state, nil
}

func (c *Coordinator) launch(ctx context.Context, req Request) (*run, error) {
	if err := req.normalize(c.now()); err != nil {
		return nil, err
	}

	r, err := c.reserve(req)
	if err != nil {
		return nil, err
	}
	c.opts.Metrics.ScanStarted()
	c.log.Info("Scan started", "session_id", req.SessionID, "asset", req.Asset, "time_window", req.TimeDuration)

	if _, err := c.deps.Sessions.EnsureSession(ctx, req.SessionID); err != nil {
		err = fmt.Errorf("%w: ensure session: %v", domain.ErrPersistence, err)
		c.finish(r, nil, err)
		return nil, err
	}

	agents, err := c.deps.Configs.Get(ctx, req.SessionID)
	if err != nil {
		c.finish(r, nil, err)
		return nil, err
	}
	if err := c.deps.Orchestrator.Validate(agents); err != nil {
		c.finish(r, nil, err)
		return nil, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(r, req, agents)
	}()
	return r, nil
}

func (c *Coordinator) reserve(req Request) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx.Err() != nil {
		return nil, fmt.Errorf("%w: coordinator closed", domain.ErrScanCancelled)
	}
	if _, busy := c.active[req.SessionID]; busy {
		return nil, fmt.Errorf("session %s: %w", req.SessionID, domain.ErrScanInProgress)
	}
	r := &run{
		state: State{
			SessionID: req.SessionID,
			Status:    StatusRunning,
			Asset:     req.Asset,
			StartedAt: c.now().UTC(),
		},
		cancel: pipeline.NewCancelToken(),
		done:   make(chan struct{}),
	}
	c.active[req.SessionID] = r
	return r, nil
}

func (c *Coordinator) execute(r *run, req Request, agents domain.AgentsConfig) {
	ctx := c.baseCtx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	ignored, err := c.deps.Ignored.ListIgnoredSources(ctx)
	if err != nil {
		c.log.Warn("Failed to load ignored sources, scanning without them", "session_id", req.SessionID, "error", err)
		ignored = nil
	}

	events := make(chan domain.TraceEvent, c.opts.QueueSize)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		c.consume(events)
	}()

	onStep := func(agent string, step engine.Step) {
		// Blocks when the queue is full so no step is ever dropped.
		events <- domain.TraceEvent{
			SessionID: req.SessionID,
			Type:      domain.EventThought,
			Agent:     agent,
			Thought:   step.Thought,
			Action:    step.Action,
			ToolInput: step.ToolInput,
			Timestamp: c.now().UTC(),
		}
	}

	raw, runErr := c.deps.Orchestrator.Run(ctx, pipeline.Input{
		SessionID:      req.SessionID,
		Asset:          req.Asset,
		AssetConfig:    req.Attributes,
		ScanDate:       req.ScanDate,
		TimeDuration:   req.TimeDuration,
		Agents:         agents,
		IgnoredSources: ignored,
	}, r.cancel, onStep)

	close(events)
	<-drained

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.log.Error("Scan timed out", "session_id", req.SessionID, "timeout", c.opts.Timeout)
		}
		c.finish(r, nil, runErr)
		return
	}

	ext, extErr := report.ExtractOrFallback(raw)
	if extErr != nil {
		c.log.Warn("Report stage output is not valid JSON, storing raw output",
			"session_id", req.SessionID,
			"error", extErr,
		)
	}

	// The report is stored even if the scan deadline has just passed.
	if err := c.deps.Sessions.UpdateScanReport(context.WithoutCancel(ctx), req.SessionID, ext.Document); err != nil {
		c.finish(r, nil, fmt.Errorf("%w: store report: %v", domain.ErrPersistence, err))
		return
	}

	c.finish(r, &Result{
		Report:   ext.Report,
		Document: ext.Document,
		Fallback: ext.Report.IsFallback(),
	}, nil)
}

// consume appends each event and then publishes it, in queue order. Events
// already queued are persisted even while the coordinator shuts down.
func (c *Coordinator) consume(events <-chan domain.TraceEvent) {
	ctx := context.WithoutCancel(c.baseCtx)
	for ev := range events {
		stored, err := c.deps.Traces.Append(ctx, ev)
		if err != nil {
			c.log.Warn("Failed to persist trace event", "session_id", ev.SessionID, "agent", ev.Agent, "error", err)
			stored = ev
		}
		c.deps.Hub.Publish(ev.SessionID, stored)
		if err == nil {
			c.opts.Mirror.Publish(stored)
		}
	}
}

func (c *Coordinator) finish(r *run, result *Result, err error) {
	if err != nil && c.baseCtx.Err() != nil && !errors.Is(err, domain.ErrScanCancelled) {
		err = fmt.Errorf("%w: server shutting down: %v", domain.ErrScanCancelled, err)
	}
	finished := c.now().UTC()
	state := r.state
	state.FinishedAt = &finished

	switch {
	case err == nil:
		state.Status = StatusCompleted
		state.Fallback = result.Fallback
	case errors.Is(err, domain.ErrScanCancelled):
		state.Status = StatusCancelled
		state.Error = err.Error()
	default:
		state.Status = StatusFailed
		state.Error = err.Error()
	}

	if err != nil && state.Status == StatusFailed {
		c.log.Error("Scan failed", "session_id", state.SessionID, "error", err)
	} else {
		c.log.Info("Scan finished", "session_id", state.SessionID, "status", state.Status, "fallback", state.Fallback)
	}

	// Live only; the status is not part of the trace history.
	status := domain.TraceEvent{
		SessionID: state.SessionID,
		Type:      domain.EventScanStatus,
		Status:    state.Status,
		Error:     state.Error,
		Timestamp: finished,
	}
	c.deps.Hub.Publish(state.SessionID, status)
	c.opts.Mirror.Publish(status)
	c.opts.Metrics.ScanFinished(state.Status, finished.Sub(state.StartedAt))

	c.mu.Lock()
	r.state = state
	r.result = result
	r.err = err
	delete(c.active, state.SessionID)
	c.last[state.SessionID] = state
	c.mu.Unlock()

	close(r.done)
}

// Cancel asks the session's running scan to stop before its next stage.
func (c *Coordinator) Cancel(sessionID string) error {
	c.mu.Lock()
	r, ok := c.active[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNoActiveScan)
	}
	r.cancel.Cancel()
	c.log.Info("Scan cancellation requested", "session_id", sessionID)
	return nil
}

// Status returns the state of the session's running or most recent scan.
func (c *Coordinator) Status(sessionID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.active[sessionID]; ok {
		return r.state, true
	}
	state, ok := c.last[sessionID]
	return state, ok
}

// Wait blocks until the session has no running scan or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, sessionID string) (State, error) {
	c.mu.Lock()
	r, ok := c.active[sessionID]
	c.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return State{}, ctx.Err()
		}
	}
	state, _ := c.Status(sessionID)
	return state, nil
}

// Close cancels every running scan and waits for their goroutines.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for _, r := range c.active {
		r.cancel.Cancel()
	}
	c.mu.Unlock()
	c.baseCancel()
	c.wg.Wait()
}
