// Package agent contains the podtail agent orchestrator. It pulls log entries
// from a Source, buffers them in an optional Spool, and forwards them to a
// Sink, managing the loops' lifecycle through a shared context.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/podtail/podtail/internal/config"
)

// Agent is the central orchestrator of the podtail agent. The collect loop is
// the single consumer of the Source. When a Spool is configured, the forward
// loop moves spooled records to the Sink in batches; otherwise the collect
// loop writes to the Sink directly.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	source  Source
	spool   Spool
	sink    Sink
	metrics *Metrics
	tracked func() int

	batchSize       int
	forwardInterval time.Duration

	startTime time.Time
	cancel    context.CancelFunc
	retry     *rate.Limiter
	done      chan struct{}
	doneOnce  sync.Once

	mu          sync.RWMutex
	lastEntryAt time.Time
	lastErr     error
	cause       error
	running     bool
	wg          sync.WaitGroup
}

// New creates a new Agent from the provided configuration and logger.
// Provide components via WithSource, WithSpool and WithSink; a Source and a
// Sink are required by Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		metrics: NewMetrics(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.batchSize = cfg.Spool.BatchSize
	if a.batchSize <= 0 {
		a.batchSize = config.DefaultBatchSize
	}
	a.forwardInterval = cfg.Spool.ForwardInterval
	if a.forwardInterval <= 0 {
		a.forwardInterval = config.DefaultForwardInterval
	}
	a.retry = rate.NewLimiter(rate.Every(a.forwardInterval), 1)
	return a
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithSource sets the entry source, typically a collector, possibly wrapped
// in a decorator.
func WithSource(s Source) Option {
	return func(a *Agent) { a.source = s }
}

// WithSpool sets the durable buffer between collection and the sink.
func WithSpool(s Spool) Option {
	return func(a *Agent) { a.spool = s }
}

// WithSink sets where finished records are written.
func WithSink(s Sink) Option {
	return func(a *Agent) { a.sink = s }
}

// WithMetrics sets the agent's instruments.
func WithMetrics(m *Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithTrackedFiles reports the number of tailed files in Health. fn must be
// safe to call from any goroutine.
func WithTrackedFiles(fn func() int) Option {
	return func(a *Agent) { a.tracked = fn }
}

// Start launches the collect loop and, when a spool is configured, the
// forward loop. It returns once both are running.
func (a *Agent) Start(ctx context.Context) error {
	if a.source == nil {
		return errors.New("agent: no source configured")
	}
	if a.sink == nil {
		return errors.New("agent: no sink configured")
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting podtail agent",
		slog.String("root", a.cfg.Root),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("spool", a.spool != nil),
		slog.Bool("kubernetes", a.cfg.Kubernetes.Enabled),
	)

	a.wg.Add(1)
	go a.collectLoop(ctx)

	if a.spool != nil {
		a.wg.Add(1)
		go a.forwardLoop(ctx)
	}

	a.logger.Info("podtail agent started")
	return nil
}

// Stop cancels both loops, waits for them to exit, and closes the source and
// spool. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.source.Close(); err != nil {
		a.logger.Warn("error closing source", slog.Any("error", err))
	}
	if a.spool != nil {
		if err := a.spool.Close(); err != nil {
			a.logger.Warn("error closing spool", slog.Any("error", err))
		}
	}
	a.finish(nil)

	a.logger.Info("podtail agent stopped")
}

// Done is closed when the agent stops, either through Stop or because the
// source failed.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Err returns the error that stopped the agent, or nil after a clean Stop or
// while it is still running.
func (a *Agent) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cause
}

func (a *Agent) finish(cause error) {
	a.doneOnce.Do(func() {
		a.mu.Lock()
		a.cause = cause
		a.mu.Unlock()
		close(a.done)
	})
}

// collectLoop pulls batches from the source until ctx is cancelled or the
// source fails. A source failure is fatal for the agent.
func (a *Agent) collectLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		entries, err := a.source.NextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("source failed; stopping agent", slog.Any("error", err))
			a.recordErr(err)
			a.finish(fmt.Errorf("agent: source: %w", err))
			a.cancel()
			return
		}
		if len(entries) == 0 {
			continue
		}

		a.metrics.EntriesCollected.Add(float64(len(entries)))
		a.mu.Lock()
		a.lastEntryAt = time.Now()
		a.mu.Unlock()

		if err := a.handleBatch(ctx, entries); err != nil {
			// Only cancellation ends the retries.
			return
		}
	}
}

// handleBatch hands entries to the spool or, without one, straight to the
// sink. Failures are retried at the configured pace until ctx is done.
func (a *Agent) handleBatch(ctx context.Context, entries []LogEntry) error {
	if a.spool != nil {
		return a.withRetry(ctx, "spool enqueue", func() error {
			return a.spool.Enqueue(ctx, entries)
		})
	}

	now := time.Now().UTC()
	records := make([]Record, len(entries))
	for i, e := range entries {
		records[i] = Record{ID: uuid.NewString(), CollectedAt: now, Entry: e}
	}
	err := a.withRetry(ctx, "sink write", func() error {
		return a.sink.Write(ctx, records)
	})
	if err == nil {
		a.metrics.EntriesForwarded.Add(float64(len(records)))
	}
	return err
}

// forwardLoop drains the spool into the sink every forward interval.
func (a *Agent) forwardLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.forwardInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.forward(ctx)
		}
	}
}

// forward moves spooled records to the sink one batch at a time until the
// spool is empty or a write fails. A failed batch stays spooled for the next
// tick.
func (a *Agent) forward(ctx context.Context) {
	forwarded := false
	for ctx.Err() == nil {
		batch, err := a.spool.Dequeue(ctx, a.batchSize)
		if err != nil {
			a.logger.Warn("failed to dequeue from spool", slog.Any("error", err))
			a.recordErr(err)
			return
		}
		if len(batch) == 0 {
			if forwarded {
				a.compact(ctx)
			}
			return
		}

		records := make([]Record, len(batch))
		ids := make([]int64, len(batch))
		for i, sr := range batch {
			records[i] = sr.Record
			ids[i] = sr.SpoolID
		}

		if err := a.sink.Write(ctx, records); err != nil {
			a.metrics.ForwardFailures.Inc()
			a.logger.Warn("failed to forward spooled records",
				slog.Int("records", len(records)),
				slog.Any("error", err),
			)
			a.recordErr(err)
			return
		}
		a.metrics.EntriesForwarded.Add(float64(len(records)))

		if err := a.spool.Ack(ctx, ids); err != nil {
			a.logger.Warn("failed to ack forwarded records", slog.Any("error", err))
			a.recordErr(err)
			return
		}
		forwarded = true
	}
}

func (a *Agent) compact(ctx context.Context) {
	c, ok := a.spool.(Compactor)
	if !ok {
		return
	}
	n, err := c.Compact(ctx)
	if err != nil {
		a.logger.Warn("failed to compact spool", slog.Any("error", err))
		return
	}
	if n > 0 {
		a.logger.Debug("spool compacted", slog.Int64("rows", n))
	}
}

// withRetry runs op until it succeeds, pacing attempts with the shared
// limiter. It returns an error only when ctx is done.
func (a *Agent) withRetry(ctx context.Context, what string, op func() error) error {
	for {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.metrics.ForwardFailures.Inc()
		a.recordErr(err)
		a.logger.Warn("operation failed; retrying",
			slog.String("op", what),
			slog.Any("error", err),
		)
		if err := a.retry.Wait(ctx); err != nil {
			return err
		}
	}
}

func (a *Agent) recordErr(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	TrackedFiles int     `json:"tracked_files"`
	SpoolDepth   int     `json:"spool_depth"`
	LastEntryAt  string  `json:"last_entry_at,omitempty"`
	LastError    string  `json:"last_error,omitempty"`
}

// Health returns a snapshot of the current agent health state. Status is
// "stopped" once the agent has stopped, "degraded" after a source failure.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(a.startTime).Seconds(),
	}
	switch {
	case a.cause != nil:
		h.Status = "degraded"
	case !a.running:
		h.Status = "stopped"
	}

	if a.tracked != nil {
		h.TrackedFiles = a.tracked()
	}
	if a.spool != nil {
		h.SpoolDepth = a.spool.Depth()
	}
	if !a.lastEntryAt.IsZero() {
		h.LastEntryAt = a.lastEntryAt.UTC().Format(time.RFC3339)
	}
	if a.lastErr != nil {
		h.LastError = a.lastErr.Error()
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's health
// status as a JSON object. It answers 503 unless the status is "ok".
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status == "ok" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
