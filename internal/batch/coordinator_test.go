package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/privacy"
	"github.com/mikey/llm-mail-sorter/internal/ratelimit"
)

type countingLLM struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (c *countingLLM) Classify(context.Context, *core.Prompt, []string) (*core.ProviderResult, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, core.NewTransientError("counting", errors.New("down"))
	}
	return &core.ProviderResult{Folder: "Receipts", Confidence: 0.9}, nil
}

func (c *countingLLM) HealthCheck(context.Context) core.HealthStatus {
	return core.HealthStatus{State: core.HealthOK}
}

func (c *countingLLM) Name() string    { return "counting" }
func (c *countingLLM) ModelID() string { return "counting-model" }

type plainRenderer struct{}

func (plainRenderer) DetectLanguage(_, _, _ string) string { return "en" }

func (plainRenderer) Render(in *core.SanitizedInput, _ []string, _ core.AnalysisMode) (*core.Prompt, error) {
	return &core.Prompt{System: "s", User: in.Subject, TemplateVersion: "v2"}, nil
}

func newBatchService(llm core.LLMClient) *core.Service {
	return core.NewService(core.ServiceParams{
		LLM:        llm,
		Guard:      privacy.NewGuard(),
		Renderer:   plainRenderer{},
		Calibrator: core.NewCalibrator(nil, 0.5, nil),
	})
}

func batchRequests(n int) []*core.ClassificationRequest {
	reqs := make([]*core.ClassificationRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, &core.ClassificationRequest{
			RequestID:        "r" + string(rune('a'+i)),
			MessageID:        "m" + string(rune('a'+i)),
			Subject:          "subject " + string(rune('a'+i)),
			CandidateFolders: []string{"Receipts", "Work"},
		})
	}
	return reqs
}

func waitDone(t *testing.T, c *Coordinator, batchID string) *Status {
	t.Helper()
	var status *Status
	require.Eventually(t, func() bool {
		s, err := c.Status(batchID)
		if err != nil {
			return false
		}
		status = s
		return s.Done
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func TestCoordinatorRunsBatch(t *testing.T) {
	llm := &countingLLM{}
	svc := newBatchService(llm)
	c := NewCoordinator(func() *core.Service { return svc }, nil, 2, true, nil)

	batchID, queued, err := c.Start(context.Background(), batchRequests(5))
	require.NoError(t, err)
	assert.Equal(t, 5, queued)

	status := waitDone(t, c, batchID)
	assert.Equal(t, 5, status.Completed)
	assert.Zero(t, status.Failed)
	assert.Len(t, status.Results, 5)
	for _, r := range status.Results {
		assert.Equal(t, "Receipts", r.TargetFolder)
		assert.Equal(t, "model_decided", r.Rationale)
	}
}

func TestCoordinatorDisabled(t *testing.T) {
	c := NewCoordinator(func() *core.Service { return nil }, nil, 2, false, nil)

	_, _, err := c.Start(context.Background(), batchRequests(1))
	assert.ErrorIs(t, err, ErrBatchDisabled)
}

func TestCoordinatorRejectsEmptyBatch(t *testing.T) {
	c := NewCoordinator(func() *core.Service { return nil }, nil, 2, true, nil)

	_, _, err := c.Start(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestCoordinatorRejectsOversizeBatch(t *testing.T) {
	c := NewCoordinator(func() *core.Service { return nil }, nil, 2, true, nil)

	reqs := make([]*core.ClassificationRequest, MaxItems+1)
	for i := range reqs {
		reqs[i] = &core.ClassificationRequest{MessageID: "m", CandidateFolders: []string{"X"}}
	}
	_, _, err := c.Start(context.Background(), reqs)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestCoordinatorItemErrorsAreRecorded(t *testing.T) {
	llm := &countingLLM{}
	svc := newBatchService(llm)
	c := NewCoordinator(func() *core.Service { return svc }, nil, 1, true, nil)

	reqs := batchRequests(2)
	reqs[1].MessageID = "" // invalid, fails per item
	batchID, _, err := c.Start(context.Background(), reqs)
	require.NoError(t, err)

	status := waitDone(t, c, batchID)
	assert.Equal(t, 1, status.Completed)
	assert.Equal(t, 1, status.Failed)

	var failed *ItemResult
	for i := range status.Results {
		if status.Results[i].Error != "" {
			failed = &status.Results[i]
		}
	}
	require.NotNil(t, failed)
	assert.Empty(t, failed.TargetFolder)
}

func TestCoordinatorProviderFailuresAreDecisions(t *testing.T) {
	llm := &countingLLM{}
	llm.fail.Store(true)
	svc := newBatchService(llm)
	c := NewCoordinator(func() *core.Service { return svc }, nil, 1, true, nil)

	batchID, _, err := c.Start(context.Background(), batchRequests(2))
	require.NoError(t, err)

	status := waitDone(t, c, batchID)
	assert.Equal(t, 2, status.Completed, "provider failures degrade to fallback decisions")
	for _, r := range status.Results {
		assert.Equal(t, core.InboxFallback, r.TargetFolder)
		assert.Equal(t, "provider_failed", r.Rationale)
	}
}

func TestCoordinatorStatusUnknownBatch(t *testing.T) {
	c := NewCoordinator(func() *core.Service { return nil }, nil, 2, true, nil)

	_, err := c.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownBatch)
	assert.ErrorIs(t, c.Cancel("nope"), ErrUnknownBatch)
}

func TestCoordinatorResultsOnlyWhenDone(t *testing.T) {
	llm := &countingLLM{}
	svc := newBatchService(llm)
	// One token per minute: the second item blocks on the limiter long
	// enough to observe the running state.
	limiter := ratelimit.NewLimiter(1, 1)
	c := NewCoordinator(func() *core.Service { return svc }, limiter, 1, true, nil)

	batchID, _, err := c.Start(context.Background(), batchRequests(2))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := c.Status(batchID)
		return err == nil && s.Completed >= 1
	}, 5*time.Second, 10*time.Millisecond)

	s, err := c.Status(batchID)
	require.NoError(t, err)
	if !s.Done {
		assert.Nil(t, s.Results, "per-item results withheld until the batch finishes")
	}

	require.NoError(t, c.Cancel(batchID))
	status := waitDone(t, c, batchID)
	assert.True(t, status.Done)
}

func TestCoordinatorCancelFailsRemainingItems(t *testing.T) {
	llm := &countingLLM{}
	svc := newBatchService(llm)
	limiter := ratelimit.NewLimiter(1, 1)
	c := NewCoordinator(func() *core.Service { return svc }, limiter, 1, true, nil)

	batchID, _, err := c.Start(context.Background(), batchRequests(3))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := c.Status(batchID)
		return err == nil && s.Completed >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Cancel(batchID))
	status := waitDone(t, c, batchID)
	assert.GreaterOrEqual(t, status.Completed, 1)
	assert.GreaterOrEqual(t, status.Failed, 1)
	assert.Len(t, status.Results, 3)
}
