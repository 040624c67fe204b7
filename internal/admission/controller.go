// Package admission decides for each crawl request whether it runs now or
// waits in the durable queue, and drains that queue when a slot frees up.
//
// Every request is pushed first; dispatch always takes the queue head, so a
// new request only jumps ahead when nothing older is waiting. The backend
// runs at most one job per spider, guarded here by a per-spider semaphore.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/sparepart-scheduler/internal/housekeeping"
	"github.com/JakeFAU/sparepart-scheduler/internal/logging"
	"github.com/JakeFAU/sparepart-scheduler/internal/metrics"
	"github.com/JakeFAU/sparepart-scheduler/internal/registry"
	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

// AcceptedParams are the request keys forwarded to the crawl executor.
var AcceptedParams = []string{
	"spider", "merk", "model", "tahun", "year", "mesin", "engine",
	"varian", "type", "tipe", "delay", "region",
}

const (
	msgQueued      = "Crawling job has been added to queue list"
	msgSlotBusy    = "Job slot for spider %s is not available, queue kept"
	msgUnavailable = "Execution backend unavailable, request kept in queue"
	msgEmpty       = "Queue for spider %s is empty"
	msgScheduled   = "Scheduled crawling for spider %s. JobID (%s)"
)

// Request is an inbound crawl submission.
type Request struct {
	Spider string
	Params scheduler.Params
}

// Deps are the collaborators of a Controller. Publisher is optional.
type Deps struct {
	Registry  *registry.Registry
	Queue     scheduler.QueueStore
	Ledger    scheduler.Ledger
	Backend   scheduler.Backend
	Keeper    *housekeeping.Keeper
	Publisher scheduler.Publisher
	Topic     string
	Clock     scheduler.Clock
	Logger    *zap.Logger
}

// Controller owns writes to the queue store and the job ledger.
type Controller struct {
	registry  *registry.Registry
	queue     scheduler.QueueStore
	ledger    scheduler.Ledger
	backend   scheduler.Backend
	keeper    *housekeeping.Keeper
	publisher scheduler.Publisher
	topic     string
	clock     scheduler.Clock
	logger    *zap.Logger
	accepted  map[string]struct{}
	slots     map[string]*semaphore.Weighted
}

// New validates deps and builds a Controller.
func New(deps Deps) (*Controller, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("admission: registry is required")
	case deps.Queue == nil:
		return nil, errors.New("admission: queue store is required")
	case deps.Ledger == nil:
		return nil, errors.New("admission: ledger is required")
	case deps.Backend == nil:
		return nil, errors.New("admission: backend is required")
	case deps.Keeper == nil:
		return nil, errors.New("admission: housekeeping is required")
	case deps.Clock == nil:
		return nil, errors.New("admission: clock is required")
	}
	c := &Controller{
		registry:  deps.Registry,
		queue:     deps.Queue,
		ledger:    deps.Ledger,
		backend:   deps.Backend,
		keeper:    deps.Keeper,
		publisher: deps.Publisher,
		topic:     deps.Topic,
		clock:     deps.Clock,
		logger:    logging.Named(deps.Logger, "admission"),
		accepted:  make(map[string]struct{}, len(AcceptedParams)),
		slots:     make(map[string]*semaphore.Weighted),
	}
	for _, key := range AcceptedParams {
		c.accepted[key] = struct{}{}
	}
	for _, name := range deps.Registry.Names() {
		c.slots[name] = semaphore.NewWeighted(1)
	}
	return c, nil
}

// Spiders returns the configured spider types.
func (c *Controller) Spiders() []string {
	return c.registry.Names()
}

// Known reports whether spider is a configured spider type.
func (c *Controller) Known(spider string) bool {
	return c.registry.Known(spider)
}

// SubmitOrQueue validates req, enqueues it and dispatches the queue head
// when the backend has a free slot for the spider. The returned error is
// non-nil whenever Result.Success is false.
func (c *Controller) SubmitOrQueue(ctx context.Context, req Request) (res scheduler.Result, err error) {
	ctx, span := startSpan(ctx, "admission.SubmitOrQueue", req.Spider)
	defer func() { endSpan(span, res, err) }()

	spider, params, err := c.prepare(req)
	if err != nil {
		c.logger.Info("rejected crawl request", zap.String("spider", req.Spider), zap.Error(err))
		return failure(err), err
	}

	c.keeper.Prune(spider)

	entry, err := c.queue.Push(ctx, spider, params)
	if err != nil {
		err = fmt.Errorf("enqueue %s: %w", spider, err)
		c.logger.Error("enqueue failed", zap.String("spider", spider), zap.Error(err))
		metrics.ObserveAdmission(spider, string(scheduler.OutcomeError))
		return failure(err), err
	}
	c.logger.Debug("request enqueued", zap.String("spider", spider), zap.Int64("queue_id", entry.ID))

	res, err = c.dispatchHead(ctx, spider, false)
	if res.Status == scheduler.OutcomeQueued && res.QueueID == 0 {
		res.QueueID = entry.ID
	}
	return res, err
}

// TryDrain dispatches the queue head of spider if a slot is free.
func (c *Controller) TryDrain(ctx context.Context, spider string) (res scheduler.Result, err error) {
	ctx, span := startSpan(ctx, "admission.TryDrain", spider)
	defer func() { endSpan(span, res, err) }()

	if !c.registry.Known(spider) {
		err = fmt.Errorf("drain %q: %w", spider, scheduler.ErrUnknownSpider)
		return failure(err), err
	}
	return c.dispatchHead(ctx, spider, true)
}

func startSpan(ctx context.Context, name, spider string) (context.Context, trace.Span) {
	return otel.Tracer("github.com/JakeFAU/sparepart-scheduler/internal/admission").
		Start(ctx, name, trace.WithAttributes(attribute.String("spider", spider)))
}

func endSpan(span trace.Span, res scheduler.Result, err error) {
	span.SetAttributes(attribute.String("outcome", string(res.Status)))
	if res.JobID != "" {
		span.SetAttributes(attribute.String("job_id", res.JobID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (c *Controller) prepare(req Request) (string, scheduler.Params, error) {
	params := req.Params.Clone()
	spider := strings.TrimSpace(req.Spider)
	if spider == "" {
		spider = strings.TrimSpace(params.Value("spider"))
	}
	merk := strings.TrimSpace(params.Value("merk"))
	if spider == "" || merk == "" {
		return "", nil, fmt.Errorf("%w: parameter `spider` and `merk` must not be empty", scheduler.ErrValidation)
	}
	if !c.registry.Known(spider) {
		return "", nil, fmt.Errorf("%w: %w: %q", scheduler.ErrValidation, scheduler.ErrUnknownSpider, spider)
	}
	if housekeeping.ValidFilename(merk) == "" {
		return "", nil, fmt.Errorf("%w: parameter `merk` has no usable characters", scheduler.ErrValidation)
	}
	if strings.EqualFold(merk, "suzuki") {
		if values := params.Values("model"); len(values) > 1 {
			params = params.Set("model", strings.Join(values, " "))
		}
	}
	model := strings.Join(params.Values("model"), " ")
	if strings.TrimSpace(model) == "" {
		return "", nil, fmt.Errorf("%w: missing model in query string parameters", scheduler.ErrValidation)
	}

	params = params.Retain(c.accepted)
	params = params.Set("spider", spider)

	delay := strings.TrimSpace(params.Value("delay"))
	if delay == "" {
		delay = c.registry.DefaultDelay(spider)
	}
	dir := c.keeper.JobDir(spider, merk, model, c.clock.Now())
	params = params.SetList("setting", "DOWNLOAD_DELAY="+delay)
	params = params.Set("jobdir", dir)
	params = params.Append("setting", "JOBDIR="+dir)
	return spider, params, nil
}

func (c *Controller) dispatchHead(ctx context.Context, spider string, drain bool) (scheduler.Result, error) {
	slot := c.slots[spider]
	if err := slot.Acquire(ctx, 1); err != nil {
		err = fmt.Errorf("wait for %s slot: %w", spider, err)
		return failure(err), err
	}
	defer slot.Release(1)
	defer c.observeDepth(ctx, spider)

	listing, err := c.backend.ListJobs(ctx)
	if err != nil {
		c.logger.Warn("backend listing failed, keeping request queued", zap.String("spider", spider), zap.Error(err))
		metrics.ObserveAdmission(spider, string(scheduler.OutcomeQueued))
		msg := msgQueued
		if drain {
			msg = msgUnavailable
		}
		return scheduler.Result{Success: true, Status: scheduler.OutcomeQueued, Message: msg}, nil
	}
	if listing.HasSpider(spider) {
		metrics.ObserveAdmission(spider, string(scheduler.OutcomeQueued))
		msg := msgQueued
		if drain {
			msg = fmt.Sprintf(msgSlotBusy, spider)
		}
		return scheduler.Result{Success: true, Status: scheduler.OutcomeQueued, Message: msg}, nil
	}

	entry, ok, err := c.queue.Pop(ctx, spider)
	if err != nil {
		err = fmt.Errorf("dequeue %s: %w", spider, err)
		c.logger.Error("dequeue failed", zap.String("spider", spider), zap.Error(err))
		metrics.ObserveAdmission(spider, string(scheduler.OutcomeError))
		return failure(err), err
	}
	if !ok {
		if drain {
			metrics.ObserveAdmission(spider, string(scheduler.OutcomeIdle))
			return scheduler.Result{Success: true, Status: scheduler.OutcomeIdle, Message: fmt.Sprintf(msgEmpty, spider)}, nil
		}
		// A concurrent drain already took our entry and dispatched it.
		metrics.ObserveAdmission(spider, string(scheduler.OutcomeQueued))
		return scheduler.Result{Success: true, Status: scheduler.OutcomeQueued, Message: msgQueued}, nil
	}

	jobID, err := c.backend.Submit(ctx, spider, entry.Params)
	if err != nil {
		err = fmt.Errorf("dispatch %s queue entry %d: %w", spider, entry.ID, err)
		c.logger.Error("dispatch failed, entry dropped",
			zap.String("spider", spider), zap.Int64("queue_id", entry.ID), zap.Error(err))
		metrics.ObserveDispatchFailure(spider)
		metrics.ObserveAdmission(spider, string(scheduler.OutcomeError))
		return failure(err), err
	}

	job := scheduler.Job{
		ID:         jobID,
		SpiderType: spider,
		Params:     entry.Params,
		Status:     scheduler.JobStatusStarted,
		Start:      c.clock.Now(),
		JobDir:     JobDirOf(entry.Params),
	}
	if err := c.ledger.Record(ctx, job); err != nil {
		c.logger.Error("ledger record failed for dispatched job",
			zap.String("spider", spider), zap.String("job_id", jobID), zap.Error(err))
	}
	c.Notify(ctx, scheduler.Event{
		Type:       scheduler.EventDispatched,
		SpiderType: spider,
		JobID:      jobID,
		JobDir:     job.JobDir,
		At:         job.Start,
	})
	c.logger.Info("job dispatched",
		zap.String("spider", spider), zap.String("job_id", jobID), zap.Int64("queue_id", entry.ID))
	metrics.ObserveAdmission(spider, string(scheduler.OutcomeScheduled))
	return scheduler.Result{
		Success: true,
		Status:  scheduler.OutcomeScheduled,
		Message: fmt.Sprintf(msgScheduled, spider, jobID),
		JobID:   jobID,
		QueueID: entry.ID,
	}, nil
}

// Finalize closes the ledger row of a completed job. Unknown ids are logged
// and ignored.
func (c *Controller) Finalize(ctx context.Context, jobID, reason, log string) error {
	err := c.ledger.Finalize(ctx, jobID, reason, log, c.clock.Now())
	if errors.Is(err, scheduler.ErrNotFound) {
		c.logger.Warn("finalize for unknown job", zap.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize %s: %w", jobID, err)
	}
	return nil
}

// JobDir returns the recorded job directory of jobID, or "" when the ledger
// has no row for it.
func (c *Controller) JobDir(ctx context.Context, jobID string) string {
	dir, err := c.ledger.Lookup(ctx, jobID)
	if err != nil {
		if !errors.Is(err, scheduler.ErrNotFound) {
			c.logger.Warn("job dir lookup failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return ""
	}
	return dir
}

// Job returns the ledger row of jobID.
func (c *Controller) Job(ctx context.Context, jobID string) (scheduler.Job, error) {
	job, err := c.ledger.Get(ctx, jobID)
	if err != nil {
		return scheduler.Job{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	return job, nil
}

// Queues lists every spider's pending entries.
func (c *Controller) Queues(ctx context.Context) (map[string][]scheduler.QueueEntry, error) {
	all, err := c.queue.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return all, nil
}

// CancelQueued removes a still-queued entry. It reports false when the entry
// was already dequeued or never existed.
func (c *Controller) CancelQueued(ctx context.Context, spider string, id int64) (bool, error) {
	removed, err := c.queue.Delete(ctx, spider, id)
	if err != nil {
		return false, fmt.Errorf("cancel %s queue entry %d: %w", spider, id, err)
	}
	if removed {
		c.logger.Info("queue entry cancelled", zap.String("spider", spider), zap.Int64("queue_id", id))
		c.observeDepth(ctx, spider)
	}
	return removed, nil
}

// Notify publishes a lifecycle event when a publisher is configured.
func (c *Controller) Notify(ctx context.Context, event scheduler.Event) {
	if c.publisher == nil || c.topic == "" {
		return
	}
	if _, err := c.publisher.Publish(ctx, c.topic, event); err != nil {
		c.logger.Warn("publish event failed",
			zap.String("type", event.Type), zap.String("job_id", event.JobID), zap.Error(err))
	}
}

func (c *Controller) observeDepth(ctx context.Context, spider string) {
	n, err := c.queue.Count(ctx, spider)
	if err != nil {
		c.logger.Debug("queue depth unavailable", zap.String("spider", spider), zap.Error(err))
		return
	}
	metrics.SetQueueDepth(spider, n)
}

// JobDirOf extracts the job directory from the JOBDIR setting, falling back
// to the jobdir parameter.
func JobDirOf(params scheduler.Params) string {
	for _, s := range params.Values("setting") {
		if dir, ok := strings.CutPrefix(s, "JOBDIR="); ok {
			return dir
		}
	}
	return params.Value("jobdir")
}

func failure(err error) scheduler.Result {
	return scheduler.Result{Success: false, Status: scheduler.OutcomeError, Message: err.Error()}
}
