package lease

import (
	"context"
	"log/slog"
	"time"
)

// Dispatcher handles a fired lease task. The sandbox controller implements
// this; it re-checks current state and token so stale tasks become no-ops.
type Dispatcher interface {
	HandleLeaseExpiry(ctx context.Context, task Task) error
}

// Poller periodically pops due tasks from the queue and dispatches them.
// A failed dispatch is re-armed once; a second failure drops the task.
type Poller struct {
	queue      *Queue
	dispatcher Dispatcher
	interval   time.Duration
	metrics    *Metrics
	logger     *slog.Logger
}

// NewPoller creates a Poller. metrics may be nil.
func NewPoller(queue *Queue, dispatcher Dispatcher, interval time.Duration, metrics *Metrics, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{
		queue:      queue,
		dispatcher: dispatcher,
		interval:   interval,
		metrics:    metrics,
		logger:     logger,
	}
}

// Start begins the poll loop. Returns a cancel function.
func (p *Poller) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		p.logger.InfoContext(ctx, "lease poller started",
			slog.String("poll_interval", p.interval.String()),
		)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("lease poller stopped")
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs a single poll cycle: claim due tasks, dispatch each one.
func (p *Poller) tick(ctx context.Context) {
	start := time.Now()

	due, err := p.queue.PopDue(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "lease poll failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, task := range due {
		p.dispatch(ctx, task)
	}

	if p.metrics != nil {
		p.metrics.TickDuration.Observe(time.Since(start).Seconds())
		if pending, err := p.queue.Pending(ctx); err == nil {
			p.metrics.TasksPending.Set(float64(pending))
		}
	}
}

// dispatch fires one task against the controller, re-arming it once on
// failure.
func (p *Poller) dispatch(ctx context.Context, task Task) {
	if p.metrics != nil {
		p.metrics.TasksFired.Inc()
	}

	p.logger.InfoContext(ctx, "firing lease task",
		slog.String("sandbox_id", task.SandboxID),
		slog.String("kind", string(task.Kind)),
	)

	err := p.dispatcher.HandleLeaseExpiry(ctx, task)
	if err == nil {
		if p.metrics != nil {
			p.metrics.TasksSucceeded.Inc()
		}
		return
	}

	if p.metrics != nil {
		p.metrics.TasksFailed.Inc()
	}

	firstFailure, retryErr := p.queue.markRetried(ctx, task)
	if retryErr != nil {
		p.logger.ErrorContext(ctx, "lease task retry bookkeeping failed",
			slog.String("sandbox_id", task.SandboxID),
			slog.String("kind", string(task.Kind)),
			slog.String("error", retryErr.Error()),
		)
		return
	}

	if !firstFailure {
		if p.metrics != nil {
			p.metrics.TasksDropped.Inc()
		}
		if clearErr := p.queue.clearRetry(ctx, task); clearErr != nil {
			p.logger.WarnContext(ctx, "clearing retry marker failed",
				slog.String("sandbox_id", task.SandboxID),
				slog.String("kind", string(task.Kind)),
				slog.String("error", clearErr.Error()),
			)
		}
		p.logger.ErrorContext(ctx, "lease task dropped after retry",
			slog.String("sandbox_id", task.SandboxID),
			slog.String("kind", string(task.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}

	// Re-arm for the next tick. Schedule resets the retry marker, so put
	// the task back directly.
	retry := task
	retry.FireAt = time.Now().Add(p.interval)
	if err := p.rearm(ctx, retry); err != nil {
		p.logger.ErrorContext(ctx, "lease task re-arm failed",
			slog.String("sandbox_id", task.SandboxID),
			slog.String("kind", string(task.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.WarnContext(ctx, "lease task failed, re-armed once",
		slog.String("sandbox_id", task.SandboxID),
		slog.String("kind", string(task.Kind)),
		slog.String("error", err.Error()),
	)
}

// rearm puts a failed task back without clearing its retry marker.
func (p *Poller) rearm(ctx context.Context, task Task) error {
	member := task.member()
	if err := p.queue.rdb.ZAdd(ctx, tasksKey, zMember(task)).Err(); err != nil {
		return err
	}
	if task.Token != "" {
		if err := p.queue.rdb.HSet(ctx, tokensKey, member, task.Token).Err(); err != nil {
			return err
		}
	}
	return nil
}
