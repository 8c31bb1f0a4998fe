package host

import (
	"github.com/mikey/llm-mail-sorter/internal/batch"
	"github.com/mikey/llm-mail-sorter/internal/breaker"
	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/ratelimit"
)

// Request frame types.
const (
	TypeClassify    = "classify"
	TypeHealthCheck = "health_check"
	TypeBatchStart  = "batch_start"
	TypeBatchStatus = "batch_status"
	TypeFeedback    = "feedback"
	TypeStats       = "stats"
	TypeGetConfig   = "get_config"
	TypeSetConfig   = "set_config"
	TypePing        = "ping"
)

// Error codes on error frames.
const (
	CodeUnknownType          = "unknown_type"
	CodeMalformedJSON        = "malformed_json"
	CodeNotUTF8              = "not_utf8"
	CodeFrameTooLarge        = "frame_too_large"
	CodeInvalidRequest       = "invalid_request"
	CodeSanitizationOverflow = "sanitization_overflow"
	CodeInvalidConfig        = "invalid_config"
	CodeUnknownBatch         = "unknown_batch"
	CodeBatchDisabled        = "batch_disabled"
	CodeBusy                 = "busy"
	CodeInternal             = "internal"
)

// classifyItem is one message descriptor, shared by classify frames and
// batch_start items.
type classifyItem struct {
	RequestID   string            `json:"request_id"`
	MessageID   string            `json:"message_id"`
	Subject     string            `json:"subject"`
	Sender      string            `json:"sender"`
	Body        string            `json:"body"`
	Folders     []string          `json:"folders"`
	Attachments []core.Attachment `json:"attachments,omitempty"`
	Mode        string            `json:"mode,omitempty"`
	Source      string            `json:"source,omitempty"`
}

// batchOrigins are source labels that route a classify frame through
// the deferred batch path. A new_mail source, or no label at all, stays
// real-time; the client overrides the routing by picking the label or
// by sending batch_start directly.
var batchOrigins = map[string]bool{
	"archive":      true,
	"bulk_import":  true,
	"manual_batch": true,
}

func (it *classifyItem) batchOrigin() bool { return batchOrigins[it.Source] }

func (it *classifyItem) toRequest() *core.ClassificationRequest {
	return &core.ClassificationRequest{
		RequestID:        it.RequestID,
		MessageID:        it.MessageID,
		Subject:          it.Subject,
		Sender:           it.Sender,
		Body:             it.Body,
		CandidateFolders: it.Folders,
		Attachments:      it.Attachments,
		Mode:             core.AnalysisMode(it.Mode),
	}
}

// requestFrame is the union of all request shapes; dispatch reads Type
// and each handler picks the fields it needs.
type requestFrame struct {
	Type string `json:"type"`
	classifyItem

	Items          []classifyItem         `json:"items,omitempty"`
	BatchID        string                 `json:"batch_id,omitempty"`
	ActualFolder   string                 `json:"actual_folder,omitempty"`
	PreviousFolder string                 `json:"previous_folder,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

type classificationFrame struct {
	Type         string  `json:"type"`
	RequestID    string  `json:"request_id"`
	MessageID    string  `json:"message_id"`
	TargetFolder string  `json:"target_folder"`
	Confidence   float64 `json:"confidence"`
	RationaleTag string  `json:"rationale_tag"`
	Signature    string  `json:"signature,omitempty"`
	Header       string  `json:"header,omitempty"`
	ProviderName string  `json:"provider_name"`
	ModelName    string  `json:"model_name"`
	LatencyMs    int64   `json:"latency_ms"`
}

type healthFrame struct {
	Type            string `json:"type"`
	RequestID       string `json:"request_id"`
	Status          string `json:"status"`
	ProviderName    string `json:"provider_name"`
	ProviderHealthy bool   `json:"provider_healthy"`
	CircuitState    string `json:"circuit_state"`
	Detail          string `json:"detail,omitempty"`
}

type batchAckFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	BatchID   string `json:"batch_id"`
	Queued    int    `json:"queued"`
}

type batchStatusFrame struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	BatchID   string             `json:"batch_id"`
	Queued    int                `json:"queued"`
	InFlight  int                `json:"in_flight"`
	Completed int                `json:"completed"`
	Failed    int                `json:"failed"`
	Done      bool               `json:"done"`
	Results   []batch.ItemResult `json:"results,omitempty"`
}

type ackFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type configFrame struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"request_id"`
	Config    map[string]interface{} `json:"config"`
}

type pongFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type statsFrame struct {
	Type        string                   `json:"type"`
	RequestID   string                   `json:"request_id"`
	Service     core.Stats               `json:"service"`
	Breaker     breaker.Stats            `json:"breaker"`
	RateLimiter ratelimit.Status         `json:"rate_limiter"`
	CacheSize   int                      `json:"cache_size"`
	Calibration []core.CalibrationRecord `json:"calibration,omitempty"`
}

type errorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
}

func newErrorFrame(requestID, code, message string) *errorFrame {
	return &errorFrame{Type: "error", RequestID: requestID, Code: code, Message: message}
}
