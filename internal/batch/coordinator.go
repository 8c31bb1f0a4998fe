package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/ratelimit"
)

// MaxItems bounds one batch. A mailbox backfill larger than this is
// split by the client into multiple batches.
const MaxItems = 500

// ErrUnknownBatch is returned for status queries on unknown ids.
var ErrUnknownBatch = errors.New("unknown batch id")

// ErrBatchDisabled is returned when batch mode is off in config.
var ErrBatchDisabled = errors.New("batch classification disabled")

// ItemResult is the outcome of one message in a batch.
type ItemResult struct {
	RequestID    string  `json:"request_id"`
	TargetFolder string  `json:"target_folder,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	Rationale    string  `json:"rationale,omitempty"`
	Header       string  `json:"header,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Status is the snapshot returned by batch_status frames.
type Status struct {
	BatchID   string       `json:"batch_id"`
	Queued    int          `json:"queued"`
	InFlight  int          `json:"in_flight"`
	Completed int          `json:"completed"`
	Failed    int          `json:"failed"`
	Done      bool         `json:"done"`
	Results   []ItemResult `json:"results,omitempty"`
}

type job struct {
	id     string
	cancel context.CancelFunc

	mu        sync.Mutex
	queued    int
	inFlight  int
	completed int
	failed    int
	results   []ItemResult
	done      bool
}

func (j *job) status(includeResults bool) *Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := &Status{
		BatchID:   j.id,
		Queued:    j.queued,
		InFlight:  j.inFlight,
		Completed: j.completed,
		Failed:    j.failed,
		Done:      j.done,
	}
	if includeResults && j.done {
		s.Results = append([]ItemResult(nil), j.results...)
	}
	return s
}

// Coordinator runs background classification of whole mailboxes. Batch
// traffic is paced by its own relaxed token bucket so a backfill cannot
// starve the realtime budget; the service it calls carries no limiter
// of its own.
type Coordinator struct {
	service func() *core.Service
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	workers int
	enabled bool

	mu   sync.Mutex
	jobs map[string]*job
}

// NewCoordinator builds a coordinator. The service getter is re-read per
// item so config reloads take effect mid-batch.
func NewCoordinator(service func() *core.Service, limiter *ratelimit.Limiter, workers int, enabled bool, logger *zap.Logger) *Coordinator {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		service: service,
		limiter: limiter,
		logger:  logger,
		workers: workers,
		enabled: enabled,
		jobs:    make(map[string]*job),
	}
}

// Start accepts a batch and begins classifying in the background. It
// returns the new batch id and the number of accepted items.
func (c *Coordinator) Start(ctx context.Context, requests []*core.ClassificationRequest) (string, int, error) {
	if !c.enabled {
		return "", 0, ErrBatchDisabled
	}
	if len(requests) == 0 {
		return "", 0, fmt.Errorf("%w: empty batch", core.ErrInvalidRequest)
	}
	if len(requests) > MaxItems {
		return "", 0, fmt.Errorf("%w: batch exceeds %d items", core.ErrInvalidRequest, MaxItems)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{
		id:      uuid.NewString(),
		cancel:  cancel,
		queued:  len(requests),
		results: make([]ItemResult, 0, len(requests)),
	}

	c.mu.Lock()
	c.jobs[j.id] = j
	c.mu.Unlock()

	go c.run(jobCtx, j, requests)

	c.logger.Info("batch started",
		zap.String("batch_id", j.id),
		zap.Int("items", len(requests)))
	return j.id, len(requests), nil
}

func (c *Coordinator) run(ctx context.Context, j *job, requests []*core.ClassificationRequest) {
	defer j.cancel()

	queue := make(chan *core.ClassificationRequest)
	var wg sync.WaitGroup

	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range queue {
				c.classifyOne(ctx, j, req)
			}
		}()
	}

	for _, req := range requests {
		select {
		case queue <- req:
		case <-ctx.Done():
			// Remaining items fail with the context error.
			j.mu.Lock()
			j.queued--
			j.failed++
			j.results = append(j.results, ItemResult{RequestID: req.RequestID, Error: ctx.Err().Error()})
			j.mu.Unlock()
		}
	}
	close(queue)
	wg.Wait()

	j.mu.Lock()
	j.done = true
	j.mu.Unlock()

	c.logger.Info("batch finished",
		zap.String("batch_id", j.id),
		zap.Int("completed", j.completed),
		zap.Int("failed", j.failed))
}

func (c *Coordinator) classifyOne(ctx context.Context, j *job, req *core.ClassificationRequest) {
	j.mu.Lock()
	j.queued--
	j.inFlight++
	j.mu.Unlock()

	svc := c.service()
	if err := c.wait(ctx, svc.Provider()); err != nil {
		c.record(j, ItemResult{RequestID: req.RequestID, Error: err.Error()}, false)
		return
	}

	decision, err := svc.Classify(ctx, req)
	if err != nil {
		c.record(j, ItemResult{RequestID: req.RequestID, Error: err.Error()}, false)
		return
	}

	c.record(j, ItemResult{
		RequestID:    req.RequestID,
		TargetFolder: decision.TargetFolder,
		Confidence:   decision.Confidence,
		Rationale:    string(decision.Rationale),
		Header:       decision.Header,
	}, true)
}

// wait blocks until the batch budget admits one call.
func (c *Coordinator) wait(ctx context.Context, provider string) error {
	if c.limiter == nil {
		return nil
	}
	for {
		ok, retryAfter := c.limiter.TryAcquire(provider, time.Now())
		if ok {
			return nil
		}
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) record(j *job, result ItemResult, completed bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.inFlight--
	if completed {
		j.completed++
	} else {
		j.failed++
	}
	j.results = append(j.results, result)
}

// Status returns the snapshot for one batch. Per-item results appear
// once the batch is done.
func (c *Coordinator) Status(batchID string) (*Status, error) {
	c.mu.Lock()
	j, ok := c.jobs[batchID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownBatch
	}
	return j.status(true), nil
}

// Cancel aborts a running batch. Finished items keep their results.
func (c *Coordinator) Cancel(batchID string) error {
	c.mu.Lock()
	j, ok := c.jobs[batchID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownBatch
	}
	j.cancel()
	return nil
}

// CancelAll aborts every running batch. Called when the runtime that
// owns this coordinator is being replaced or shut down.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.jobs {
		j.cancel()
	}
}
