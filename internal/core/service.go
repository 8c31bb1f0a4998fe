package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/breaker"
	"github.com/mikey/llm-mail-sorter/internal/privacy"
	"github.com/mikey/llm-mail-sorter/internal/ratelimit"
)

// PromptRenderer renders sanitized input into a provider-ready prompt.
// Satisfied by prompt.Engine.
type PromptRenderer interface {
	DetectLanguage(subject, body, sender string) string
	Render(in *SanitizedInput, folders []string, mode AnalysisMode) (*Prompt, error)
}

// Stats are the service counters exposed by the stats frame.
type Stats struct {
	Classified      int64 `json:"classified"`
	CacheHits       int64 `json:"cache_hits"`
	Fallbacks       int64 `json:"fallbacks"`
	ProviderCalls   int64 `json:"provider_calls"`
	ProviderErrors  int64 `json:"provider_errors"`
	RateLimited     int64 `json:"rate_limited"`
	CircuitRejected int64 `json:"circuit_rejected"`
}

// Service is the classification orchestrator. Every request runs the same
// fixed pipeline: sanitize, consult the cache, render the prompt, pass
// admission control, call the provider, validate and gate the answer,
// then sign and emit. It never returns a provider failure to the caller;
// failures degrade to an INBOX_FALLBACK decision with a rationale tag.
type Service struct {
	llm        LLMClient
	cache      CacheRepository
	guard      *privacy.Guard
	renderer   PromptRenderer
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	calibrator *Calibrator
	signer     *Signer
	feedback   FeedbackSink
	index      *FingerprintIndex
	logger     *zap.Logger

	callTimeout           time.Duration
	mode                  AnalysisMode
	cacheTTL              time.Duration
	countFolderRejections bool
	now                   func() time.Time

	mu    sync.Mutex
	stats Stats
}

// ServiceParams collects the orchestrator's dependencies and tuning.
// Cache, signer and feedback are optional; a nil field disables that
// stage without changing the rest of the pipeline.
type ServiceParams struct {
	LLM                   LLMClient
	Cache                 CacheRepository
	Guard                 *privacy.Guard
	Renderer              PromptRenderer
	Limiter               *ratelimit.Limiter
	Breaker               *breaker.Breaker
	Calibrator            *Calibrator
	Signer                *Signer
	Feedback              FeedbackSink
	Index                 *FingerprintIndex
	Logger                *zap.Logger
	CallTimeout           time.Duration
	Mode                  AnalysisMode
	CacheTTL              time.Duration
	CountFolderRejections bool
}

// NewService builds the orchestrator.
func NewService(p ServiceParams) *Service {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 30 * time.Second
	}
	if p.Mode == "" {
		p.Mode = ModeFull
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = time.Hour
	}
	if p.Index == nil && p.Cache != nil {
		p.Index = NewFingerprintIndex()
	}
	return &Service{
		llm:                   p.LLM,
		cache:                 p.Cache,
		guard:                 p.Guard,
		renderer:              p.Renderer,
		limiter:               p.Limiter,
		breaker:               p.Breaker,
		calibrator:            p.Calibrator,
		signer:                p.Signer,
		feedback:              p.Feedback,
		index:                 p.Index,
		logger:                p.Logger,
		callTimeout:           p.CallTimeout,
		mode:                  p.Mode,
		cacheTTL:              p.CacheTTL,
		countFolderRejections: p.CountFolderRejections,
		now:                   time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// validate rejects structurally broken requests before any work happens.
func validate(req *ClassificationRequest) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if req.MessageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrInvalidRequest)
	}
	if len(req.CandidateFolders) == 0 {
		return fmt.Errorf("%w: empty candidate folder list", ErrInvalidRequest)
	}
	for _, f := range req.CandidateFolders {
		if f == "" {
			return fmt.Errorf("%w: empty folder name in candidate list", ErrInvalidRequest)
		}
	}
	return nil
}

// Classify runs the full pipeline for one request. It returns an error
// only for malformed requests and sanitization overflow; every other
// outcome, including provider failure, is a decision.
func (s *Service) Classify(ctx context.Context, req *ClassificationRequest) (*ClassificationDecision, error) {
	started := s.now()

	if err := validate(req); err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode != ModeHeadersOnly {
		mode = s.mode
	}

	clean, err := s.guard.Sanitize(req.Subject, req.Sender, req.Body, mode == ModeHeadersOnly)
	if err != nil {
		return nil, err
	}
	in := &SanitizedInput{
		Subject:         clean.Subject,
		Sender:          clean.Sender,
		Body:            clean.Body,
		AttachmentHints: AttachmentHints(req.Attachments),
	}
	in.DetectedLanguage = s.renderer.DetectLanguage(in.Subject, in.Body, in.Sender)

	provider := s.llm.Name()
	model := s.llm.ModelID()
	fingerprint := Fingerprint(in, req.CandidateFolders, provider, model, TemplateVersionOf(s.renderer))
	if s.cache != nil && s.index != nil {
		s.index.remember(req.MessageID, fingerprint)
	}

	if s.cache != nil {
		if entry, err := s.cache.Get(ctx, fingerprint); err == nil {
			s.count(func(st *Stats) { st.Classified++; st.CacheHits++ })
			d := &ClassificationDecision{
				TargetFolder: entry.TargetFolder,
				Confidence:   entry.Confidence,
				Rationale:    RationaleCacheHit,
				ProviderName: entry.ProviderName,
				ModelName:    entry.ModelName,
			}
			return s.finish(d, req.MessageID, started), nil
		} else if err != ErrCacheMiss {
			s.logger.Warn("cache lookup failed", zap.Error(err))
		}
	}

	prompt, err := s.renderer.Render(in, req.CandidateFolders, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if s.limiter != nil {
		if ok, retryAfter := s.limiter.TryAcquire(provider, s.now()); !ok {
			s.count(func(st *Stats) { st.Classified++; st.Fallbacks++; st.RateLimited++ })
			s.logger.Info("request rate limited",
				zap.String("provider", provider),
				zap.Duration("retry_after", retryAfter))
			return s.finish(s.fallback(RationaleRateLimited, provider, model), req.MessageID, started), nil
		}
	}

	if s.breaker != nil && !s.breaker.Allow(provider) {
		s.count(func(st *Stats) { st.Classified++; st.Fallbacks++; st.CircuitRejected++ })
		return s.finish(s.fallback(RationaleCircuitOpen, provider, model), req.MessageID, started), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	result, err := s.llm.Classify(callCtx, prompt, req.CandidateFolders)
	cancel()

	s.count(func(st *Stats) { st.ProviderCalls++ })
	if err != nil {
		s.count(func(st *Stats) { st.Classified++; st.Fallbacks++; st.ProviderErrors++ })
		if s.breaker != nil {
			if IsCountableFailure(err) {
				s.breaker.RecordFailure(provider)
			} else {
				s.breaker.RecordSuccess(provider)
			}
		}
		s.logger.Warn("provider call failed",
			zap.String("provider", provider),
			zap.Error(err))
		return s.finish(s.fallback(RationaleProviderFailed, provider, model), req.MessageID, started), nil
	}

	// Folder names are case-sensitive: "Receipts" and "receipts" are
	// different IMAP folders.
	folderValid := result.Folder == InboxFallback
	for _, f := range req.CandidateFolders {
		if result.Folder == f {
			folderValid = true
			break
		}
	}
	if !folderValid {
		if s.breaker != nil {
			if s.countFolderRejections {
				s.breaker.RecordFailure(provider)
			} else {
				s.breaker.RecordSuccess(provider)
			}
		}
		s.count(func(st *Stats) { st.Classified++; st.Fallbacks++ })
		s.logger.Info("model returned unknown folder",
			zap.String("provider", provider))
		return s.finish(s.fallback(RationaleFolderRejected, provider, model), req.MessageID, started), nil
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess(provider)
	}

	confidence := clamp01(result.Confidence)
	if s.calibrator != nil && !s.calibrator.Passes(result.Folder, confidence) {
		s.calibrator.RecordPrediction(result.Folder, provider, false)
		s.count(func(st *Stats) { st.Classified++; st.Fallbacks++ })
		d := &ClassificationDecision{
			TargetFolder: InboxFallback,
			Confidence:   confidence,
			Rationale:    RationaleThresholdRejected,
			ProviderName: provider,
			ModelName:    model,
		}
		return s.finish(d, req.MessageID, started), nil
	}
	if s.calibrator != nil {
		s.calibrator.RecordPrediction(result.Folder, provider, true)
	}

	d := &ClassificationDecision{
		TargetFolder: result.Folder,
		Confidence:   confidence,
		Rationale:    RationaleModelDecided,
		ProviderName: provider,
		ModelName:    model,
	}

	// Only genuine model decisions are memoized. Fallbacks are transient
	// conditions and must never be replayed from cache.
	if s.cache != nil && d.TargetFolder != InboxFallback {
		entry := &CacheEntry{
			Fingerprint:  fingerprint,
			TargetFolder: d.TargetFolder,
			Confidence:   d.Confidence,
			Rationale:    d.Rationale,
			ProviderName: provider,
			ModelName:    model,
			ExpiresAt:    s.now().Add(s.cacheTTL),
		}
		if err := s.cache.Set(ctx, entry); err != nil {
			s.logger.Warn("cache store failed", zap.Error(err))
		}
	}

	s.count(func(st *Stats) { st.Classified++ })
	return s.finish(d, req.MessageID, started), nil
}

func (s *Service) fallback(tag RationaleTag, provider, model string) *ClassificationDecision {
	return &ClassificationDecision{
		TargetFolder: InboxFallback,
		Confidence:   0,
		Rationale:    tag,
		ProviderName: provider,
		ModelName:    model,
	}
}

// finish stamps latency, signature and header. Signature and latency are
// always computed fresh, even for cache hits.
func (s *Service) finish(d *ClassificationDecision, messageID string, started time.Time) *ClassificationDecision {
	if s.signer != nil {
		d.Signature = s.signer.Sign(d, messageID)
	}
	d.Header = FormatHeader(d)
	d.LatencyMs = s.now().Sub(started).Milliseconds()
	return d
}

// RecordFeedback applies a user correction: the calibrator learns about
// the override and the optional sink persists it.
func (s *Service) RecordFeedback(ctx context.Context, messageID, previousFolder, actualFolder string) error {
	if messageID == "" || actualFolder == "" {
		return fmt.Errorf("%w: feedback needs message_id and actual_folder", ErrInvalidRequest)
	}
	if previousFolder != "" && previousFolder != actualFolder {
		if s.calibrator != nil {
			s.calibrator.RecordOverride(previousFolder, s.llm.Name())
		}
		// The corrected decision must not be replayed from cache.
		if s.cache != nil && s.index != nil {
			if fp, ok := s.index.take(messageID); ok {
				if err := s.cache.Delete(ctx, fp); err != nil {
					s.logger.Warn("cache invalidation failed", zap.Error(err))
				}
			}
		}
	}
	if s.feedback == nil {
		return nil
	}
	return s.feedback.RecordFeedback(ctx, messageID, previousFolder, actualFolder)
}

// HealthCheck probes the active provider and reports the circuit state
// alongside the adapter's own verdict.
func (s *Service) HealthCheck(ctx context.Context) (HealthStatus, breaker.State) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	status := s.llm.HealthCheck(callCtx)
	state := breaker.StateClosed
	if s.breaker != nil {
		state = s.breaker.State(s.llm.Name())
	}
	return status, state
}

// Provider returns the active provider name.
func (s *Service) Provider() string { return s.llm.Name() }

// Model returns the active model identifier.
func (s *Service) Model() string { return s.llm.ModelID() }

// Snapshot returns the service counters.
func (s *Service) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// BreakerSnapshot returns circuit stats for the active provider.
func (s *Service) BreakerSnapshot() breaker.Stats {
	if s.breaker == nil {
		return breaker.Stats{Provider: s.llm.Name(), State: breaker.StateClosed}
	}
	return s.breaker.Snapshot(s.llm.Name())
}

// LimiterSnapshot returns rate limiter stats for the active provider.
func (s *Service) LimiterSnapshot() ratelimit.Status {
	if s.limiter == nil {
		return ratelimit.Status{Provider: s.llm.Name()}
	}
	return s.limiter.Snapshot(s.llm.Name(), s.now())
}

// CacheLen returns the number of live cache entries.
func (s *Service) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

// Calibration returns the rolling calibration records.
func (s *Service) Calibration() []CalibrationRecord {
	if s.calibrator == nil {
		return nil
	}
	return s.calibrator.Records()
}

func (s *Service) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// versioned is implemented by renderers that tag their templates.
type versioned interface {
	Version() string
}

// TemplateVersionOf extracts the renderer's template version for the
// cache fingerprint, defaulting to "v2" for untagged renderers.
func TemplateVersionOf(r PromptRenderer) string {
	if v, ok := r.(versioned); ok {
		return v.Version()
	}
	return "v2"
}
