// Package requeue promotes deferred requests once a slot frees up, either on
// a job completion callback or on a periodic sweep of every spider type.
package requeue

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/JakeFAU/sparepart-scheduler/internal/logging"
	"github.com/JakeFAU/sparepart-scheduler/internal/metrics"
	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

const (
	defaultCallbackDelay = 5 * time.Second
	defaultSweepInterval = time.Hour
	defaultSweepTimeout  = 30 * time.Second
	defaultReason        = "finished"

	// unknownSpiderLabel bounds the callback metric for unconfigured types.
	unknownSpiderLabel = "unknown"
)

// Controller is the admission surface the trigger drives.
type Controller interface {
	Spiders() []string
	Known(spider string) bool
	TryDrain(ctx context.Context, spider string) (scheduler.Result, error)
	Finalize(ctx context.Context, jobID, reason, log string) error
	JobDir(ctx context.Context, jobID string) string
	Notify(ctx context.Context, event scheduler.Event)
}

// LogSource fetches job logs from the execution backend.
type LogSource interface {
	FetchLog(ctx context.Context, spider, jobID string) (string, error)
}

// Config controls callback backoff and sweep cadence.
type Config struct {
	CallbackDelay time.Duration
	SweepInterval time.Duration
	SweepTimeout  time.Duration
	ArchivePrefix string
}

// Trigger runs completion callbacks and the periodic sweep.
type Trigger struct {
	ctrl    Controller
	logs    LogSource
	archive scheduler.LogArchive
	clock   clock.WithTicker
	cfg     Config
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Trigger. logs and archive may be nil.
func New(
	ctrl Controller,
	logs LogSource,
	archive scheduler.LogArchive,
	clk clock.WithTicker,
	cfg Config,
	logger *zap.Logger,
) *Trigger {
	if cfg.CallbackDelay < 0 {
		cfg.CallbackDelay = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = defaultSweepTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		ctrl:    ctrl,
		logs:    logs,
		archive: archive,
		clock:   clk,
		cfg:     cfg,
		logger:  logging.Named(logger, "requeue"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// DefaultConfig returns the production callback delay and sweep cadence.
func DefaultConfig() Config {
	return Config{
		CallbackDelay: defaultCallbackDelay,
		SweepInterval: defaultSweepInterval,
		SweepTimeout:  defaultSweepTimeout,
	}
}

// Complete finalizes jobID, waits the callback delay and drains spider.
// A job id of "0" or "" only drains. Callbacks for unconfigured spider types
// are counted and dropped.
func (t *Trigger) Complete(ctx context.Context, spider, jobID, reason string) (scheduler.Result, error) {
	if !t.accept(spider, jobID) {
		return scheduler.Result{Success: true, Status: scheduler.OutcomeIdle, Message: fmt.Sprintf("Unknown spider %s, callback ignored", spider)}, nil
	}
	if jobID != "" && jobID != "0" {
		if err := t.finalize(ctx, spider, jobID, reason); err != nil {
			t.logger.Error("finalize failed", zap.String("spider", spider), zap.String("job_id", jobID), zap.Error(err))
		}
	}

	if t.cfg.CallbackDelay > 0 {
		select {
		case <-ctx.Done():
			return scheduler.Result{}, fmt.Errorf("callback for %s: %w", spider, ctx.Err())
		case <-t.clock.After(t.cfg.CallbackDelay):
		}
	}

	res, err := t.ctrl.TryDrain(ctx, spider)
	if err != nil {
		return res, fmt.Errorf("drain %s after callback: %w", spider, err)
	}
	t.logger.Info("callback drain",
		zap.String("spider", spider), zap.String("job_id", jobID),
		zap.String("outcome", string(res.Status)), zap.String("next_job_id", res.JobID))
	return res, nil
}

// CompleteAsync runs Complete in a tracked goroutine detached from the
// caller's context.
func (t *Trigger) CompleteAsync(spider, jobID, reason string) {
	if !t.ctrl.Known(spider) {
		t.accept(spider, jobID)
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if _, err := t.Complete(t.ctx, spider, jobID, reason); err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Warn("async callback failed", zap.String("spider", spider), zap.String("job_id", jobID), zap.Error(err))
		}
	}()
}

// accept counts the callback and reports whether spider is configured.
func (t *Trigger) accept(spider, jobID string) bool {
	if !t.ctrl.Known(spider) {
		metrics.ObserveCallback(unknownSpiderLabel)
		t.logger.Warn("callback for unknown spider ignored", zap.String("spider", spider), zap.String("job_id", jobID))
		return false
	}
	metrics.ObserveCallback(spider)
	return true
}

// Wait blocks until every async callback has returned.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Stop waits for in-flight callbacks until ctx expires, then cancels them.
func (t *Trigger) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.logger.Warn("cancelling pending callbacks")
	}
	t.cancel()
	<-done
}

func (t *Trigger) finalize(ctx context.Context, spider, jobID, reason string) error {
	if reason == "" {
		reason = defaultReason
	}
	var text string
	if t.logs != nil {
		var err error
		text, err = t.logs.FetchLog(ctx, spider, jobID)
		if err != nil {
			t.logger.Warn("fetch job log failed", zap.String("spider", spider), zap.String("job_id", jobID), zap.Error(err))
		}
	}

	var uri string
	if t.archive != nil && text != "" {
		objectPath := path.Join(t.cfg.ArchivePrefix, spider, jobID+".log")
		var err error
		uri, err = t.archive.PutObject(ctx, objectPath, "text/plain; charset=utf-8", []byte(text))
		if err != nil {
			t.logger.Warn("archive job log failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	if err := t.ctrl.Finalize(ctx, jobID, reason, text); err != nil {
		return err
	}
	t.ctrl.Notify(ctx, scheduler.Event{
		Type:       scheduler.EventFinished,
		SpiderType: spider,
		JobID:      jobID,
		JobDir:     t.ctrl.JobDir(ctx, jobID),
		Reason:     reason,
		LogURI:     uri,
		At:         t.clock.Now(),
	})
	return nil
}

// SweepResult is the drain outcome of one spider in a sweep.
type SweepResult struct {
	Spider string
	Result scheduler.Result
	Err    error
}

// Sweep drains each spider concurrently, every one under its own timeout.
// With no spiders given it covers all configured types. Failures are
// isolated per spider.
func (t *Trigger) Sweep(ctx context.Context, spiders ...string) []SweepResult {
	if len(spiders) == 0 {
		spiders = t.ctrl.Spiders()
	}
	results := make([]SweepResult, len(spiders))
	var g errgroup.Group
	for i, spider := range spiders {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, t.cfg.SweepTimeout)
			defer cancel()
			res, err := t.ctrl.TryDrain(sctx, spider)
			results[i] = SweepResult{Spider: spider, Result: res, Err: err}
			if err != nil {
				metrics.ObserveSweep(spider, string(scheduler.OutcomeError))
				t.logger.Error("sweep drain failed", zap.String("spider", spider), zap.Error(err))
				return nil
			}
			metrics.ObserveSweep(spider, string(res.Status))
			t.logger.Debug("sweep drain", zap.String("spider", spider), zap.String("outcome", string(res.Status)))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run sweeps on every tick until ctx is done.
func (t *Trigger) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	t.logger.Info("sweeper started", zap.Duration("interval", t.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("sweeper stopped")
			return
		case <-ticker.C():
			t.Sweep(ctx)
		}
	}
}
