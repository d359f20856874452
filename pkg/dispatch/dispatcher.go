package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/resume"
	"github.com/bldst/buildstate/pkg/storage"
)

// Config holds dispatcher tuning.
type Config struct {
	PollInterval   time.Duration
	Concurrency    int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	TriggerTimeout time.Duration
	LockTTL        time.Duration
	WorkerID       string
}

// DefaultConfig returns conservative dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		Concurrency:    4,
		MaxAttempts:    5,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		TriggerTimeout: 30 * time.Second,
		LockTTL:        5 * time.Minute,
		WorkerID:       uuid.New().String(),
	}
}

// Dispatcher consumes pending resume requests: it builds the resume
// context, refuses to trigger when the context is not resumable or
// incomplete, and otherwise hands the bundle to the orchestration target.
// Requests are processed independently so a stuck external call cannot
// block other builds' dispatch.
type Dispatcher struct {
	store    storage.Store
	builder  *resume.Builder
	registry *Registry
	config   Config
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store storage.Store, builder *resume.Builder, registry *Registry, config Config, logger *slog.Logger) *Dispatcher {
	if config.PollInterval <= 0 {
		config = DefaultConfig()
	}
	if config.WorkerID == "" {
		config.WorkerID = uuid.New().String()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		builder:  builder,
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// Start begins dispatching. Blocks until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	requests := make(chan *core.ResumeRequest, d.config.Concurrency)

	for i := 0; i < d.config.Concurrency; i++ {
		d.wg.Add(1)
		go d.processLoop(ctx, requests)
	}

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(requests)
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			req, err := d.store.ClaimPendingRequest(ctx, d.config.WorkerID, d.config.LockTTL)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Error("failed to claim resume request", "error", err)
				}
				continue
			}
			if req != nil {
				select {
				case requests <- req:
				case <-ctx.Done():
				}
			}
		}
	}
}

func (d *Dispatcher) processLoop(ctx context.Context, requests <-chan *core.ResumeRequest) {
	defer d.wg.Done()
	for req := range requests {
		d.Dispatch(ctx, req)
	}
}

// Dispatch processes one claimed request end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, req *core.ResumeRequest) {
	rc, err := d.builder.Build(ctx, req.BuildID)
	if err != nil {
		d.retryOrFail(ctx, req, fmt.Errorf("build resume context: %w", err))
		return
	}

	// An incomplete or non-resumable context is a hard stop, never a
	// best-effort resume.
	if !rc.Resumable {
		d.fail(ctx, req, fmt.Sprintf("resume refused: %s (state %d)", rc.Reason, rc.ResumeFromState))
		return
	}
	if rc.Incomplete {
		d.fail(ctx, req, incompleteMessage(rc))
		return
	}

	target, err := d.registry.Get(req.Platform)
	if err != nil {
		d.fail(ctx, req, err.Error())
		return
	}

	triggerCtx, cancel := context.WithTimeout(ctx, d.config.TriggerTimeout)
	defer cancel()

	ref, err := target.TriggerJob(triggerCtx, TriggerRequest{
		IdempotencyKey:  req.ID,
		BuildID:         req.BuildID,
		ResumeFromState: rc.ResumeFromState,
		ResumeToState:   req.ResumeToState,
		Strategy:        rc.Strategy,
		ResumeCommand:   rc.ResumeCommand,
		ResumeTimeout:   rc.ResumeTimeout,
		Artifacts:       rc.Artifacts,
		Variables:       rc.VariableMap(false),
	})
	if err != nil {
		err = fmt.Errorf("trigger job on %s: %w", req.Platform, err)
		if IsRetryable(err) {
			d.retryOrFail(ctx, req, err)
		} else {
			// A permanent rejection (bad request, auth) will not get
			// better with retries.
			d.fail(ctx, req, err.Error())
		}
		return
	}

	if err := d.store.MarkTriggered(ctx, req.ID, ref.ID, ref.URL); err != nil {
		d.logger.Error("failed to record triggered job",
			"request_id", req.ID, "job_id", ref.ID, "error", err)
		return
	}
	d.logger.Info("resume job triggered",
		"request_id", req.ID, "build_id", req.BuildID,
		"platform", req.Platform, "job_id", ref.ID,
		"resume_from_state", rc.ResumeFromState)
}

// retryOrFail requeues a transient failure with exponential backoff, or
// fails the request once attempts are exhausted.
func (d *Dispatcher) retryOrFail(ctx context.Context, req *core.ResumeRequest, err error) {
	if req.DispatchAttempts < d.config.MaxAttempts {
		next := time.Now().UTC().Add(d.backoff(req.DispatchAttempts))
		if rqErr := d.store.RequeueRequest(ctx, req.ID, next); rqErr != nil {
			d.logger.Error("failed to requeue resume request", "request_id", req.ID, "error", rqErr)
			return
		}
		d.logger.Warn("dispatch attempt failed, requeued",
			"request_id", req.ID, "attempt", req.DispatchAttempts, "error", err)
		return
	}
	d.fail(ctx, req, fmt.Sprintf("dispatch failed after %d attempts: %v", req.DispatchAttempts, err))
}

func (d *Dispatcher) fail(ctx context.Context, req *core.ResumeRequest, msg string) {
	if err := d.store.FailRequest(ctx, req.ID, msg); err != nil {
		d.logger.Error("failed to mark resume request failed", "request_id", req.ID, "error", err)
		return
	}
	d.logger.Warn("resume request failed", "request_id", req.ID, "build_id", req.BuildID, "reason", msg)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	backoff := d.config.BackoffBase * (1 << attempt)
	if backoff > d.config.BackoffMax || backoff <= 0 {
		backoff = d.config.BackoffMax
	}
	return backoff
}

func incompleteMessage(rc *resume.Context) string {
	var parts []string
	if len(rc.MissingArtifacts) > 0 {
		parts = append(parts, "missing artifacts: "+strings.Join(rc.MissingArtifacts, ", "))
	}
	if len(rc.MissingVariables) > 0 {
		parts = append(parts, "missing variables: "+strings.Join(rc.MissingVariables, ", "))
	}
	if len(parts) == 0 {
		parts = append(parts, "resume context incomplete")
	}
	return fmt.Sprintf("resume refused at state %d: %s", rc.ResumeFromState, strings.Join(parts, "; "))
}
