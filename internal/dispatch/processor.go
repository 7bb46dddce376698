// Package dispatch runs the worker pool that drains pending subtasks.
// Workers poll the durable store in small batches, claim subtasks with a
// conditional update (losing a race just means re-polling), reserve a
// service from the governor and record the outcome. State transitions
// all go through conditional store updates, so any number of workers can
// run against the same store, and a restart resumes exactly where the
// previous process stopped.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/lettermill/lettermill/internal/freeze"
	"github.com/lettermill/lettermill/internal/governor"
	"github.com/lettermill/lettermill/internal/metrics"
	"github.com/lettermill/lettermill/internal/models"
	"github.com/lettermill/lettermill/internal/provider"
	"github.com/lettermill/lettermill/internal/store"
)

// Config contains worker pool configuration
type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	SendTimeout  time.Duration

	// PacePerSecond caps the global send rate across all workers.
	// Zero disables pacing.
	PacePerSecond float64
}

// DefaultConfig returns reasonable dispatch defaults
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		BatchSize:    10,
		PollInterval: 5 * time.Second,
		MaxRetries:   3,
		BackoffBase:  30 * time.Second,
		BackoffCap:   time.Hour,
		SendTimeout:  2 * time.Minute,
	}
}

// Processor is the dispatch worker pool
type Processor struct {
	store    *store.Store
	governor *governor.Governor
	freezer  *freeze.Manager
	sender   provider.Provider
	cfg      Config
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a worker pool
func New(s *store.Store, g *governor.Governor, f *freeze.Manager, sender provider.Provider, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Hour
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}

	var limiter *rate.Limiter
	if cfg.PacePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PacePerSecond), 1)
	}

	return &Processor{
		store:    s,
		governor: g,
		freezer:  f,
		sender:   sender,
		cfg:      cfg,
		limiter:  limiter,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the worker goroutines
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting dispatch workers",
		"workers", p.cfg.Workers,
		"batch_size", p.cfg.BatchSize,
		"poll_interval", p.cfg.PollInterval,
	)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the workers gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping dispatch workers")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("dispatch workers stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			p.processBatch(ctx, logger)
		}
	}
}

// processBatch claims and dispatches one batch of ripe pending subtasks
func (p *Processor) processBatch(ctx context.Context, logger *slog.Logger) {
	subs, err := p.store.ClaimSubTasks(time.Now(), p.cfg.BatchSize)
	if err != nil {
		logger.Error("failed to claim subtasks", "error", err)
		return
	}

	for _, sub := range subs {
		select {
		case <-ctx.Done():
			// Shutdown mid-batch: hand unprocessed claims back
			p.release(sub, time.Now())
			continue
		case <-p.stopCh:
			p.release(sub, time.Now())
			continue
		default:
		}
		p.dispatch(ctx, sub, logger)
	}
}

// dispatch drives one claimed subtask to its next state
func (p *Processor) dispatch(ctx context.Context, sub *models.SubTask, logger *slog.Logger) {
	logger = logger.With("subtask_id", sub.ID, "task_id", sub.TaskID)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.release(sub, time.Now())
			return
		}
	}

	now := time.Now()
	svc, err := p.governor.Reserve(now)
	if errors.Is(err, governor.ErrNoEligibleService) {
		// Throttled, not failed: back to pending with no side effects
		p.metrics.QuotaExhaustedTotal.Inc()
		p.release(sub, now.Add(p.cfg.PollInterval))
		logger.Debug("no eligible service, subtask deferred")
		return
	}
	if err != nil {
		logger.Error("service reservation failed", "error", err)
		p.release(sub, now.Add(p.cfg.PollInterval))
		return
	}

	sub, err = p.store.UpdateSubTask(sub.ID, models.SubTaskAllocated, func(st *models.SubTask) {
		st.Status = models.SubTaskSending
		st.ServiceID = svc.ID
	})
	if errors.Is(err, store.ErrConflict) {
		// Task was cancelled between claim and send; costs one reserved
		// quota unit.
		p.metrics.ClaimConflictsTotal.Inc()
		return
	}
	if err != nil {
		logger.Error("failed to mark subtask sending", "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	msgID, sendErr := p.sender.Send(sendCtx, sub, svc)
	cancel()

	if sendErr == nil {
		p.recordSent(sub, svc, msgID, logger)
		return
	}
	p.recordFailure(sub, svc, sendErr, logger)
}

func (p *Processor) recordSent(sub *models.SubTask, svc *models.EmailService, msgID string, logger *slog.Logger) {
	now := time.Now()
	_, err := p.store.UpdateSubTask(sub.ID, models.SubTaskSending, func(st *models.SubTask) {
		st.Status = models.SubTaskSent
		st.ProviderMsgID = msgID
		st.SentAt = &now
		st.AttemptCount++
		st.LastError = ""
	})
	if err != nil {
		logger.Error("failed to mark subtask sent", "error", err)
		return
	}

	if err := p.freezer.RecordSuccess(svc.ID); err != nil {
		logger.Error("failed to reset service failure streak", "error", err)
	}

	p.metrics.SubTasksSentTotal.WithLabelValues(svc.ID).Inc()
	logger.Info("subtask sent", "service_id", svc.ID, "recipient", sub.RecipientEmail)
}

func (p *Processor) recordFailure(sub *models.SubTask, svc *models.EmailService, sendErr error, logger *slog.Logger) {
	attempt := sub.AttemptCount + 1
	retryable := provider.IsRetryable(sendErr)

	switch {
	case !retryable:
		// Recipient-caused: the subtask dies, the service is blameless
		_, err := p.store.UpdateSubTask(sub.ID, models.SubTaskSending, func(st *models.SubTask) {
			st.Status = models.SubTaskFailed
			st.AttemptCount = attempt
			st.LastError = sendErr.Error()
		})
		if err != nil {
			logger.Error("failed to mark subtask failed", "error", err)
			return
		}
		p.metrics.SubTasksFailedTotal.WithLabelValues(svc.ID, "permanent").Inc()
		logger.Warn("subtask failed permanently", "service_id", svc.ID, "error", sendErr)

	case attempt < p.cfg.MaxRetries:
		// If the task was cancelled or closed while the send was in
		// flight, a deferred retry would never be claimed again.
		next := models.SubTaskPending
		if task, terr := p.store.GetTask(sub.TaskID); terr == nil && task.Status.IsTerminal() {
			next = models.SubTaskCancelled
		}

		delay := p.backoffDelay(attempt)
		_, err := p.store.UpdateSubTask(sub.ID, models.SubTaskSending, func(st *models.SubTask) {
			st.Status = next
			st.AttemptCount = attempt
			st.LastError = sendErr.Error()
			if next == models.SubTaskPending {
				st.NotBefore = time.Now().Add(delay)
			}
		})
		if err != nil {
			logger.Error("failed to defer subtask", "error", err)
			return
		}
		p.blameService(svc, logger)
		if next == models.SubTaskCancelled {
			logger.Info("subtask cancelled, task finished mid-flight",
				"service_id", svc.ID,
				"error", sendErr,
			)
			return
		}
		p.metrics.SubTasksDeferredTotal.Inc()
		logger.Info("subtask deferred",
			"service_id", svc.ID,
			"attempt", attempt,
			"backoff", delay,
			"error", sendErr,
		)

	default:
		_, err := p.store.UpdateSubTask(sub.ID, models.SubTaskSending, func(st *models.SubTask) {
			st.Status = models.SubTaskFailed
			st.AttemptCount = attempt
			st.LastError = sendErr.Error()
		})
		if err != nil {
			logger.Error("failed to mark subtask failed", "error", err)
			return
		}
		p.metrics.SubTasksFailedTotal.WithLabelValues(svc.ID, "retries_exhausted").Inc()
		p.blameService(svc, logger)
		logger.Error("subtask failed after max retries",
			"service_id", svc.ID,
			"attempts", attempt,
			"error", sendErr,
		)
	}
}

// blameService records a transient failure against the service's streak
func (p *Processor) blameService(svc *models.EmailService, logger *slog.Logger) {
	froze, err := p.freezer.RecordFailure(svc.ID, time.Now())
	if err != nil {
		logger.Error("failed to record service failure", "service_id", svc.ID, "error", err)
		return
	}
	if froze {
		p.metrics.ServiceFreezesTotal.WithLabelValues(svc.ID).Inc()
	}
}

// release hands a claimed subtask back to pending without side effects
func (p *Processor) release(sub *models.SubTask, notBefore time.Time) {
	if err := p.store.ReleaseSubTask(sub.ID, notBefore); err != nil && !errors.Is(err, store.ErrConflict) {
		p.logger.Error("failed to release subtask", "subtask_id", sub.ID, "error", err)
	}
}

// backoffDelay computes the jittered exponential delay before the next
// retry: base * 2^(attempt-1) with +/-50% jitter, capped. The first
// retry waits roughly base, doubling from there.
func (p *Processor) backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = p.cfg.BackoffCap
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
