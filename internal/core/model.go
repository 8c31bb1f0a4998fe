package core

import (
	"time"
)

// InboxFallback is the sentinel folder telling the client to leave the
// message where it is. It is always a valid decision target.
const InboxFallback = "INBOX_FALLBACK"

// AnalysisMode controls how much of the message leaves the host.
type AnalysisMode string

const (
	ModeFull        AnalysisMode = "full"
	ModeHeadersOnly AnalysisMode = "headers_only"
)

// RationaleTag is the machine-readable reason for a decision's shape.
type RationaleTag string

const (
	RationaleModelDecided      RationaleTag = "model_decided"
	RationaleThresholdRejected RationaleTag = "threshold_rejected"
	RationaleFolderRejected    RationaleTag = "folder_rejected"
	RationaleProviderFailed    RationaleTag = "provider_failed"
	RationaleCircuitOpen       RationaleTag = "circuit_open"
	RationaleRateLimited       RationaleTag = "rate_limited"
	RationaleCacheHit          RationaleTag = "cache_hit"
)

// Attachment carries metadata only; content is never read.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// ClassificationRequest is the transient input of one orchestrator
// invocation. It is created on frame receive and destroyed on response
// emission; nothing in it is persisted.
type ClassificationRequest struct {
	RequestID        string
	MessageID        string
	Subject          string
	Sender           string
	Body             string
	CandidateFolders []string
	Attachments      []Attachment
	Mode             AnalysisMode
}

// SanitizedInput is the request after PII redaction and truncation.
// Never persisted.
type SanitizedInput struct {
	Subject          string
	Sender           string
	Body             string
	AttachmentHints  string
	DetectedLanguage string
}

// ClassificationDecision is the core's output for a single request.
type ClassificationDecision struct {
	TargetFolder string
	Confidence   float64
	Rationale    RationaleTag
	Signature    string
	Header       string
	LatencyMs    int64
	ProviderName string
	ModelName    string
}

// ProviderResult is what an adapter extracts from one model response.
// The folder is the model's raw answer; validation against the
// candidate list happens in the orchestrator.
type ProviderResult struct {
	Folder     string
	Confidence float64
	TokensIn   int
	TokensOut  int
}

// Prompt is a rendered prompt pair plus the registry metadata that
// feeds the cache fingerprint.
type Prompt struct {
	System          string
	User            string
	Language        string
	TemplateVersion string
}

// CacheEntry is a memoized decision keyed by fingerprint. Signature and
// latency are never cached; they are recomputed per emission.
type CacheEntry struct {
	Fingerprint  string
	TargetFolder string
	Confidence   float64
	Rationale    RationaleTag
	ProviderName string
	ModelName    string
	ExpiresAt    time.Time
	HitCount     int64
}

// HealthState is a provider adapter's self-reported availability.
type HealthState string

const (
	HealthOK          HealthState = "ok"
	HealthUnreachable HealthState = "unreachable"
	HealthAuthFailed  HealthState = "auth_failed"
	HealthRateLimited HealthState = "rate_limited"
)

// HealthStatus carries the state and an optional human-readable detail.
type HealthStatus struct {
	State  HealthState
	Detail string
}

// CalibrationRecord is the rolling window snapshot for one
// (folder, provider) pair.
type CalibrationRecord struct {
	Folder     string  `json:"folder"`
	Provider   string  `json:"provider"`
	Predicted  int     `json:"predicted"`
	Accepted   int     `json:"accepted"`
	Overridden int     `json:"overridden"`
	Suggested  float64 `json:"suggested_threshold"`
}
