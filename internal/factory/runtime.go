package factory

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/adapters/host"
	"github.com/mikey/llm-mail-sorter/internal/batch"
	"github.com/mikey/llm-mail-sorter/internal/breaker"
	"github.com/mikey/llm-mail-sorter/internal/config"
	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/feedback"
	"github.com/mikey/llm-mail-sorter/internal/privacy"
	"github.com/mikey/llm-mail-sorter/internal/prompt"
	"github.com/mikey/llm-mail-sorter/internal/ratelimit"
	"github.com/mikey/llm-mail-sorter/internal/utils"
)

// BuildRuntime wires one generation of the pipeline from a validated
// snapshot. The realtime and batch services share every stateful
// component (cache, breaker, calibrator); only admission control
// differs, because batch traffic is paced by the coordinator's own
// relaxed budget instead of the realtime bucket.
func BuildRuntime(snap *config.Snapshot, secrets core.SecretStore, logger *zap.Logger) (*host.Runtime, error) {
	textProcessor := utils.NewTextProcessor(logger)

	llm, err := NewLLMFactory(snap, secrets, logger, textProcessor).CreateLLMClient()
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}

	cacheRepo, err := NewCacheFactory(snap.Cache, logger).CreateCacheRepository()
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	var signer *core.Signer
	if snap.Signing.Enabled {
		signer, err = core.NewSignerFromStore(secrets, snap.Signing.KeyRef)
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}
	}

	var feedbackSink core.FeedbackSink
	var feedbackStore *feedback.Store
	if snap.Feedback.Enabled {
		if err := os.MkdirAll(filepath.Dir(snap.Feedback.DataPath), 0o755); err != nil {
			return nil, fmt.Errorf("create feedback directory: %w", err)
		}
		feedbackStore, err = feedback.NewStore(snap.Feedback.DataPath, logger)
		if err != nil {
			return nil, fmt.Errorf("create feedback store: %w", err)
		}
		feedbackSink = feedbackStore
	}

	guard := privacy.NewGuard()
	engine := prompt.NewEngine(snap.DefaultLanguage)
	brk := breaker.NewBreaker(snap.CircuitBreaker.Failures, snap.CircuitBreaker.Cooldown(), logger)
	calibrator := core.NewCalibrator(snap.Thresholds.Folders, snap.Thresholds.Default, logger)

	callTimeout := snap.ActiveProvider().Timeout()
	if snap.Provider == "bedrock" {
		callTimeout = snap.Bedrock.Timeout()
	}

	params := core.ServiceParams{
		LLM:                   llm,
		Cache:                 cacheRepo,
		Index:                 core.NewFingerprintIndex(),
		Guard:                 guard,
		Renderer:              engine,
		Breaker:               brk,
		Calibrator:            calibrator,
		Signer:                signer,
		Feedback:              feedbackSink,
		Logger:                logger,
		CallTimeout:           callTimeout,
		Mode:                  core.AnalysisMode(snap.AnalysisMode),
		CacheTTL:              snap.Cache.TTL(),
		CountFolderRejections: snap.CircuitBreaker.CountFolderRejections,
	}

	realtimeParams := params
	realtimeParams.Limiter = ratelimit.NewLimiter(snap.RateLimitPerMin, snap.RateLimitPerMin)
	service := core.NewService(realtimeParams)

	batchService := core.NewService(params)
	batchLimiter := ratelimit.NewLimiter(snap.Batch.RateLimitPerMin, snap.Batch.RateLimitPerMin)
	coordinator := batch.NewCoordinator(
		func() *core.Service { return batchService },
		batchLimiter,
		snap.Batch.Workers,
		snap.Batch.Enabled,
		logger,
	)

	closeFn := func() {
		coordinator.CancelAll()
		type stopper interface{ Stop() }
		if s, ok := cacheRepo.(stopper); ok {
			s.Stop()
		}
		if feedbackStore != nil {
			if err := feedbackStore.Close(); err != nil {
				logger.Warn("failed to close feedback store", zap.Error(err))
			}
		}
		if c, ok := llm.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("failed to close LLM client", zap.Error(err))
			}
		}
	}

	return &host.Runtime{
		Service: service,
		Batch:   coordinator,
		Close:   closeFn,
	}, nil
}
