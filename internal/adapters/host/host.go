package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/batch"
	"github.com/mikey/llm-mail-sorter/internal/breaker"
	"github.com/mikey/llm-mail-sorter/internal/config"
	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/privacy"
)

// drainGrace bounds how long shutdown waits for in-flight work.
const drainGrace = 5 * time.Second

// Runtime is one generation of wired pipeline components. set_config
// builds a fresh Runtime from the new snapshot and swaps it in; requests
// already dequeued keep using the generation they started with.
type Runtime struct {
	Service *core.Service
	Batch   *batch.Coordinator
	Close   func()
}

// Host is the native-messaging front end: one reader, a bounded work
// queue, a worker pool, and one writer. Config frames are handled inline
// on the reader so a set_config is fully applied before any classify
// frame that arrives after it.
type Host struct {
	reader  *FrameReader
	writer  *FrameWriter
	logger  *zap.Logger
	manager *config.Manager
	build   func(*config.Snapshot) (*Runtime, error)

	runtime atomic.Pointer[Runtime]
	queue   chan *requestFrame
	respCh  chan interface{}
	workers int
}

// New wires a host over the given streams and builds the initial
// runtime from the manager's current snapshot.
func New(
	in io.Reader,
	out io.Writer,
	manager *config.Manager,
	build func(*config.Snapshot) (*Runtime, error),
	logger *zap.Logger,
) (*Host, error) {
	snap := manager.Current()
	rt, err := build(snap)
	if err != nil {
		return nil, err
	}

	h := &Host{
		reader:  NewFrameReader(in),
		writer:  NewFrameWriter(out),
		logger:  logger,
		manager: manager,
		build:   build,
		queue:   make(chan *requestFrame, snap.QueueSize),
		respCh:  make(chan interface{}, 64),
		workers: snap.Workers,
	}
	h.runtime.Store(rt)
	return h, nil
}

// Run drives the host until the input stream closes. It returns nil on
// clean shutdown; framing truncation mid-stream also shuts down cleanly
// because it means the client went away.
func (h *Host) Run(ctx context.Context) error {
	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		for v := range h.respCh {
			if err := h.writer.WriteFrame(v); err != nil {
				h.logger.Error("failed to write frame", zap.Error(err))
			}
		}
	}()

	var workerWg sync.WaitGroup
	for i := 0; i < h.workers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for req := range h.queue {
				h.dispatch(ctx, req)
			}
		}()
	}

	h.readLoop(ctx)

	close(h.queue)
	drained := make(chan struct{})
	go func() {
		workerWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainGrace):
		h.logger.Warn("drain grace expired, abandoning in-flight work")
	}

	close(h.respCh)
	writerWg.Wait()

	if rt := h.runtime.Load(); rt != nil && rt.Close != nil {
		rt.Close()
	}
	return nil
}

func (h *Host) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := h.reader.ReadFrame()
		if err != nil {
			switch {
			case err == io.EOF:
				h.logger.Info("input stream closed, shutting down")
				return
			case errors.Is(err, ErrTruncatedLength), errors.Is(err, ErrTruncatedPayload):
				h.logger.Warn("input stream truncated mid-frame, shutting down", zap.Error(err))
				return
			case errors.Is(err, ErrFrameTooLarge):
				h.respond(newErrorFrame("", CodeFrameTooLarge, "frame exceeds 1 MiB"))
				continue
			case errors.Is(err, ErrNotUTF8):
				h.respond(newErrorFrame("", CodeNotUTF8, "frame payload is not valid UTF-8"))
				continue
			default:
				h.respond(newErrorFrame("", CodeMalformedJSON, "frame payload is not valid JSON"))
				continue
			}
		}

		var req requestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			h.respond(newErrorFrame("", CodeMalformedJSON, err.Error()))
			continue
		}

		switch req.Type {
		case TypePing:
			h.respond(&pongFrame{Type: "pong", RequestID: req.RequestID})
		case TypeGetConfig:
			h.respond(&configFrame{Type: "config", RequestID: req.RequestID, Config: h.manager.AllSettings()})
		case TypeSetConfig:
			h.respond(h.handleSetConfig(&req))
		case TypeClassify, TypeHealthCheck, TypeBatchStart, TypeBatchStatus, TypeFeedback, TypeStats:
			select {
			case h.queue <- &req:
			default:
				h.respond(newErrorFrame(req.RequestID, CodeBusy, "work queue full"))
			}
		default:
			h.respond(newErrorFrame(req.RequestID, CodeUnknownType, "unknown frame type "+req.Type))
		}
	}
}

// respond blocks until the writer accepts the frame.
func (h *Host) respond(v interface{}) {
	h.respCh <- v
}

// respondAdvisory drops the frame when the writer is backed up. Only
// stats frames use this; they are advisory and the client re-polls.
func (h *Host) respondAdvisory(v interface{}) {
	select {
	case h.respCh <- v:
	default:
		h.logger.Debug("dropped advisory frame, writer backed up")
	}
}

func (h *Host) dispatch(ctx context.Context, req *requestFrame) {
	rt := h.runtime.Load()

	switch req.Type {
	case TypeClassify:
		h.respond(h.routeClassify(ctx, rt, req))
	case TypeHealthCheck:
		h.respond(h.handleHealthCheck(ctx, rt, req))
	case TypeBatchStart:
		h.respond(h.handleBatchStart(ctx, rt, req))
	case TypeBatchStatus:
		h.respond(h.handleBatchStatus(rt, req))
	case TypeFeedback:
		h.respond(h.handleFeedback(ctx, rt, req))
	case TypeStats:
		h.respondAdvisory(h.handleStats(rt, req))
	}
}

// routeClassify picks the processing mode for one classify frame:
// real-time for new-mail traffic, deferred batch when the client labels
// the request as coming from an archive or bulk import. With batch mode
// off every classify runs real-time.
func (h *Host) routeClassify(ctx context.Context, rt *Runtime, req *requestFrame) interface{} {
	if !req.batchOrigin() {
		return h.handleClassify(ctx, rt, req)
	}

	batchID, queued, err := rt.Batch.Start(ctx, []*core.ClassificationRequest{req.toRequest()})
	if err != nil {
		if errors.Is(err, batch.ErrBatchDisabled) {
			return h.handleClassify(ctx, rt, req)
		}
		if errors.Is(err, core.ErrInvalidRequest) {
			return newErrorFrame(req.RequestID, CodeInvalidRequest, err.Error())
		}
		return newErrorFrame(req.RequestID, CodeInternal, err.Error())
	}

	return &batchAckFrame{
		Type:      "batch_ack",
		RequestID: req.RequestID,
		BatchID:   batchID,
		Queued:    queued,
	}
}

func (h *Host) handleClassify(ctx context.Context, rt *Runtime, req *requestFrame) interface{} {
	decision, err := rt.Service.Classify(ctx, req.toRequest())
	if err != nil {
		switch {
		case errors.Is(err, privacy.ErrSanitizationOverflow):
			return newErrorFrame(req.RequestID, CodeSanitizationOverflow, "input exceeds 1 MiB before truncation")
		case errors.Is(err, core.ErrInvalidRequest):
			return newErrorFrame(req.RequestID, CodeInvalidRequest, err.Error())
		default:
			return newErrorFrame(req.RequestID, CodeInternal, err.Error())
		}
	}

	return &classificationFrame{
		Type:         "classification",
		RequestID:    req.RequestID,
		MessageID:    req.MessageID,
		TargetFolder: decision.TargetFolder,
		Confidence:   decision.Confidence,
		RationaleTag: string(decision.Rationale),
		Signature:    decision.Signature,
		Header:       decision.Header,
		ProviderName: decision.ProviderName,
		ModelName:    decision.ModelName,
		LatencyMs:    decision.LatencyMs,
	}
}

func (h *Host) handleHealthCheck(ctx context.Context, rt *Runtime, req *requestFrame) interface{} {
	status, circuit := rt.Service.HealthCheck(ctx)

	overall := "ok"
	switch {
	case status.State == core.HealthUnreachable || status.State == core.HealthAuthFailed:
		overall = "error"
	case status.State == core.HealthRateLimited || circuit != breaker.StateClosed:
		overall = "degraded"
	}

	return &healthFrame{
		Type:            "health",
		RequestID:       req.RequestID,
		Status:          overall,
		ProviderName:    rt.Service.Provider(),
		ProviderHealthy: status.State == core.HealthOK,
		CircuitState:    string(circuit),
		Detail:          status.Detail,
	}
}

func (h *Host) handleBatchStart(ctx context.Context, rt *Runtime, req *requestFrame) interface{} {
	requests := make([]*core.ClassificationRequest, 0, len(req.Items))
	for i := range req.Items {
		requests = append(requests, req.Items[i].toRequest())
	}

	batchID, queued, err := rt.Batch.Start(ctx, requests)
	if err != nil {
		switch {
		case errors.Is(err, batch.ErrBatchDisabled):
			return newErrorFrame(req.RequestID, CodeBatchDisabled, err.Error())
		case errors.Is(err, core.ErrInvalidRequest):
			return newErrorFrame(req.RequestID, CodeInvalidRequest, err.Error())
		default:
			return newErrorFrame(req.RequestID, CodeInternal, err.Error())
		}
	}

	return &batchAckFrame{
		Type:      "batch_ack",
		RequestID: req.RequestID,
		BatchID:   batchID,
		Queued:    queued,
	}
}

func (h *Host) handleBatchStatus(rt *Runtime, req *requestFrame) interface{} {
	status, err := rt.Batch.Status(req.BatchID)
	if err != nil {
		return newErrorFrame(req.RequestID, CodeUnknownBatch, err.Error())
	}

	return &batchStatusFrame{
		Type:      "batch_status",
		RequestID: req.RequestID,
		BatchID:   status.BatchID,
		Queued:    status.Queued,
		InFlight:  status.InFlight,
		Completed: status.Completed,
		Failed:    status.Failed,
		Done:      status.Done,
		Results:   status.Results,
	}
}

func (h *Host) handleFeedback(ctx context.Context, rt *Runtime, req *requestFrame) interface{} {
	err := rt.Service.RecordFeedback(ctx, req.MessageID, req.PreviousFolder, req.ActualFolder)
	if err != nil {
		if errors.Is(err, core.ErrInvalidRequest) {
			return newErrorFrame(req.RequestID, CodeInvalidRequest, err.Error())
		}
		return newErrorFrame(req.RequestID, CodeInternal, err.Error())
	}
	return &ackFrame{Type: "ack", RequestID: req.RequestID}
}

func (h *Host) handleStats(rt *Runtime, req *requestFrame) interface{} {
	return &statsFrame{
		Type:        "stats",
		RequestID:   req.RequestID,
		Service:     rt.Service.Snapshot(),
		Breaker:     rt.Service.BreakerSnapshot(),
		RateLimiter: rt.Service.LimiterSnapshot(),
		CacheSize:   rt.Service.CacheLen(),
		Calibration: rt.Service.Calibration(),
	}
}

// handleSetConfig validates the patch, rebuilds the runtime from the
// candidate snapshot, and only then commits both. A failure at any point
// leaves config and runtime exactly as they were.
func (h *Host) handleSetConfig(req *requestFrame) interface{} {
	if len(req.Config) == 0 {
		return newErrorFrame(req.RequestID, CodeInvalidRequest, "set_config requires a config object")
	}

	candidate, err := h.manager.Stage(req.Config)
	if err != nil {
		return newErrorFrame(req.RequestID, CodeInvalidConfig, err.Error())
	}

	rt, err := h.build(candidate.Snapshot)
	if err != nil {
		return newErrorFrame(req.RequestID, CodeInvalidConfig, err.Error())
	}

	h.manager.Commit(candidate)
	if old := h.runtime.Swap(rt); old != nil && old.Close != nil {
		old.Close()
	}

	h.logger.Info("configuration applied",
		zap.String("provider", candidate.Snapshot.Provider))
	return &configFrame{Type: "config", RequestID: req.RequestID, Config: h.manager.AllSettings()}
}
