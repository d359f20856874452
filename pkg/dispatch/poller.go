package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/storage"
)

// Poller reconciles triggered/running resume requests against the external
// platform's reported job status.
type Poller struct {
	store    storage.Store
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller.
func NewPoller(store storage.Store, registry *Registry, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{store: store, registry: registry, interval: interval, logger: logger}
}

// Start begins polling. Blocks until the context is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass.
func (p *Poller) Tick(ctx context.Context) {
	reqs, err := p.store.ListRequestsByStatus(ctx, 0, core.RequestTriggered, core.RequestRunning)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to list dispatched resume requests", "error", err)
		}
		return
	}
	for i := range reqs {
		p.reconcile(ctx, &reqs[i])
	}
}

func (p *Poller) reconcile(ctx context.Context, req *core.ResumeRequest) {
	target, err := p.registry.Get(req.Platform)
	if err != nil {
		p.logger.Error("dispatched request has no orchestrator", "request_id", req.ID, "platform", req.Platform)
		return
	}

	if req.CancelRequested {
		if err := target.CancelJob(ctx, req.JobID); err != nil {
			p.logger.Warn("cancel request failed, will rely on next poll",
				"request_id", req.ID, "job_id", req.JobID, "error", err)
		}
	}

	status, err := target.PollJob(ctx, req.JobID)
	if err != nil {
		// Transient poll failures are retried on the next tick; they never
		// fail the request on their own.
		p.logger.Warn("poll failed", "request_id", req.ID, "job_id", req.JobID, "error", err)
		return
	}

	switch status.State {
	case JobRunning:
		if req.Status == core.RequestTriggered {
			if err := p.store.MarkRunning(ctx, req.ID); err != nil && !isConflict(err) {
				p.logger.Error("failed to mark request running", "request_id", req.ID, "error", err)
			}
		}
	case JobSucceeded:
		if err := p.store.CompleteRequest(ctx, req.ID); err != nil && !isConflict(err) {
			p.logger.Error("failed to complete request", "request_id", req.ID, "error", err)
			return
		}
		p.logger.Info("resume job completed", "request_id", req.ID, "build_id", req.BuildID, "job_id", req.JobID)
	case JobFailed:
		msg := status.Error
		if msg == "" {
			msg = "external job failed"
		}
		if err := p.store.FailRequest(ctx, req.ID, msg); err != nil && !isConflict(err) {
			p.logger.Error("failed to fail request", "request_id", req.ID, "error", err)
			return
		}
		p.logger.Warn("resume job failed", "request_id", req.ID, "build_id", req.BuildID, "job_id", req.JobID, "error", msg)
	}
}

func isConflict(err error) bool {
	var c *core.ConflictError
	return errors.As(err, &c)
}
