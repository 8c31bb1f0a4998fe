package host

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/batch"
	"github.com/mikey/llm-mail-sorter/internal/config"
	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/privacy"
)

type stubLLM struct {
	folder     string
	confidence float64
}

func (s *stubLLM) Classify(context.Context, *core.Prompt, []string) (*core.ProviderResult, error) {
	return &core.ProviderResult{Folder: s.folder, Confidence: s.confidence}, nil
}

func (s *stubLLM) HealthCheck(context.Context) core.HealthStatus {
	return core.HealthStatus{State: core.HealthOK}
}

func (s *stubLLM) Name() string    { return "stub" }
func (s *stubLLM) ModelID() string { return "stub-model" }

type stubRenderer struct{}

func (stubRenderer) DetectLanguage(_, _, _ string) string { return "en" }

func (stubRenderer) Render(in *core.SanitizedInput, _ []string, _ core.AnalysisMode) (*core.Prompt, error) {
	return &core.Prompt{System: "s", User: in.Subject, TemplateVersion: "v2"}, nil
}

func newTestHost(t *testing.T, in io.Reader, out io.Writer) *Host {
	return newTestHostConfigured(t, in, out, nil)
}

func newTestHostConfigured(t *testing.T, in io.Reader, out io.Writer, tweak func(v *viper.Viper)) *Host {
	t.Helper()

	v := config.NewEmptyViper()
	v.Set("workers", 1)
	if tweak != nil {
		tweak(v)
	}
	manager, err := config.NewManager(config.NewFromViper(v))
	require.NoError(t, err)

	build := func(snap *config.Snapshot) (*Runtime, error) {
		svc := core.NewService(core.ServiceParams{
			LLM:        &stubLLM{folder: "Receipts", confidence: 0.9},
			Guard:      privacy.NewGuard(),
			Renderer:   stubRenderer{},
			Calibrator: core.NewCalibrator(snap.Thresholds.Folders, snap.Thresholds.Default, nil),
		})
		coordinator := batch.NewCoordinator(
			func() *core.Service { return svc },
			nil,
			snap.Batch.Workers,
			snap.Batch.Enabled,
			nil,
		)
		return &Runtime{Service: svc, Batch: coordinator, Close: func() {}}, nil
	}

	h, err := New(in, out, manager, build, zap.NewNop())
	require.NoError(t, err)
	return h
}

func encodeFrames(t *testing.T, frames ...interface{}) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	for _, f := range frames {
		require.NoError(t, w.WriteFrame(f))
	}
	return &buf
}

func decodeFrames(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	r := NewFrameReader(buf)
	var frames []map[string]interface{}
	for {
		raw, err := r.ReadFrame()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &frame))
		frames = append(frames, frame)
	}
}

func byRequestID(frames []map[string]interface{}, id string) map[string]interface{} {
	for _, f := range frames {
		if f["request_id"] == id {
			return f
		}
	}
	return nil
}

func TestHostPingPong(t *testing.T) {
	in := encodeFrames(t, map[string]string{"type": "ping", "request_id": "r1"})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	frames := decodeFrames(t, &out)
	require.Len(t, frames, 1)
	assert.Equal(t, "pong", frames[0]["type"])
	assert.Equal(t, "r1", frames[0]["request_id"])
}

func TestHostClassify(t *testing.T) {
	in := encodeFrames(t, map[string]interface{}{
		"type":       "classify",
		"request_id": "r1",
		"message_id": "m1",
		"subject":    "Invoice",
		"sender":     "billing@example.com",
		"body":       "pay up",
		"folders":    []string{"Receipts", "Work"},
	})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	frames := decodeFrames(t, &out)
	f := byRequestID(frames, "r1")
	require.NotNil(t, f)
	assert.Equal(t, "classification", f["type"])
	assert.Equal(t, "m1", f["message_id"])
	assert.Equal(t, "Receipts", f["target_folder"])
	assert.Equal(t, "model_decided", f["rationale_tag"])
	assert.Equal(t, "stub", f["provider_name"])
}

func TestHostClassifyNewMailSourceStaysRealtime(t *testing.T) {
	in := encodeFrames(t, map[string]interface{}{
		"type":       "classify",
		"request_id": "r1",
		"message_id": "m1",
		"subject":    "Invoice",
		"folders":    []string{"Receipts"},
		"source":     "new_mail",
	})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, "classification", f["type"])
	assert.Equal(t, "Receipts", f["target_folder"])
}

func TestHostClassifyBulkSourceRoutesToBatch(t *testing.T) {
	in := encodeFrames(t, map[string]interface{}{
		"type":       "classify",
		"request_id": "r1",
		"message_id": "m1",
		"subject":    "Old thread",
		"folders":    []string{"Receipts"},
		"source":     "bulk_import",
	})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, "batch_ack", f["type"])
	assert.NotEmpty(t, f["batch_id"])
	assert.EqualValues(t, 1, f["queued"])
}

func TestHostClassifyBulkSourceWithBatchDisabled(t *testing.T) {
	in := encodeFrames(t, map[string]interface{}{
		"type":       "classify",
		"request_id": "r1",
		"message_id": "m1",
		"subject":    "Old thread",
		"folders":    []string{"Receipts"},
		"source":     "archive",
	})
	var out bytes.Buffer

	h := newTestHostConfigured(t, in, &out, func(v *viper.Viper) {
		v.Set("batch.enabled", false)
	})
	require.NoError(t, h.Run(context.Background()))

	// With batch mode off the request still gets an answer, synchronously.
	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, "classification", f["type"])
	assert.Equal(t, "Receipts", f["target_folder"])
}

func TestHostClassifyInvalidRequest(t *testing.T) {
	in := encodeFrames(t, map[string]interface{}{
		"type":       "classify",
		"request_id": "r1",
		"subject":    "no message id",
		"folders":    []string{"Receipts"},
	})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, CodeInvalidRequest, f["code"])
}

func TestHostUnknownType(t *testing.T) {
	in := encodeFrames(t, map[string]string{"type": "reticulate", "request_id": "r1"})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	frames := decodeFrames(t, &out)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, CodeUnknownType, frames[0]["code"])
}

func TestHostOversizeFrameThenRecovery(t *testing.T) {
	var in bytes.Buffer
	writeRaw(t, &in, bytes.Repeat([]byte("a"), MaxFrameSize+1))
	w := NewFrameWriter(&in)
	require.NoError(t, w.WriteFrame(map[string]string{"type": "ping", "request_id": "r2"}))

	var out bytes.Buffer
	h := newTestHost(t, &in, &out)
	require.NoError(t, h.Run(context.Background()))

	frames := decodeFrames(t, &out)
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, CodeFrameTooLarge, frames[0]["code"])
	assert.Equal(t, "pong", frames[1]["type"])
}

func TestHostHealthCheck(t *testing.T) {
	in := encodeFrames(t, map[string]string{"type": "health_check", "request_id": "r1"})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, "health", f["type"])
	assert.Equal(t, "ok", f["status"])
	assert.Equal(t, "stub", f["provider_name"])
	assert.Equal(t, true, f["provider_healthy"])
	assert.Equal(t, "closed", f["circuit_state"])
}

func TestHostGetConfig(t *testing.T) {
	in := encodeFrames(t, map[string]string{"type": "get_config", "request_id": "r1"})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, "config", f["type"])
	cfg, ok := f["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ollama", cfg["provider"])
}

func TestHostSetConfig(t *testing.T) {
	in := encodeFrames(t,
		map[string]interface{}{
			"type":       "set_config",
			"request_id": "r1",
			"config":     map[string]interface{}{"rate_limit_per_min": 20},
		},
		map[string]string{"type": "get_config", "request_id": "r2"},
	)
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	frames := decodeFrames(t, &out)
	f := byRequestID(frames, "r1")
	require.NotNil(t, f)
	assert.Equal(t, "config", f["type"])

	f = byRequestID(frames, "r2")
	require.NotNil(t, f)
	cfg := f["config"].(map[string]interface{})
	assert.EqualValues(t, 20, cfg["rate_limit_per_min"])
}

func TestHostSetConfigRejectsInvalidPatch(t *testing.T) {
	in := encodeFrames(t, map[string]interface{}{
		"type":       "set_config",
		"request_id": "r1",
		"config":     map[string]interface{}{"provider": "not-a-provider"},
	})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, CodeInvalidConfig, f["code"])
}

func TestHostSetConfigRequiresPatch(t *testing.T) {
	in := encodeFrames(t, map[string]string{"type": "set_config", "request_id": "r1"})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, CodeInvalidRequest, f["code"])
}

func TestHostFeedbackAck(t *testing.T) {
	in := encodeFrames(t, map[string]interface{}{
		"type":            "feedback",
		"request_id":      "r1",
		"message_id":      "m1",
		"previous_folder": "Receipts",
		"actual_folder":   "Work",
	})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, "ack", f["type"])
}

func TestHostStats(t *testing.T) {
	in := encodeFrames(t,
		map[string]interface{}{
			"type":       "classify",
			"request_id": "r1",
			"message_id": "m1",
			"subject":    "x",
			"folders":    []string{"Receipts"},
		},
		map[string]string{"type": "stats", "request_id": "r2"},
	)
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r2")
	require.NotNil(t, f)
	assert.Equal(t, "stats", f["type"])
	svc, ok := f["service"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, svc["classified"])
}

func TestHostBatchStatusUnknownBatch(t *testing.T) {
	in := encodeFrames(t, map[string]interface{}{
		"type":       "batch_status",
		"request_id": "r1",
		"batch_id":   "no-such-batch",
	})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, CodeUnknownBatch, f["code"])
}

func TestHostBatchStart(t *testing.T) {
	in := encodeFrames(t, map[string]interface{}{
		"type":       "batch_start",
		"request_id": "r1",
		"items": []map[string]interface{}{
			{"request_id": "i1", "message_id": "m1", "subject": "a", "folders": []string{"Receipts"}},
			{"request_id": "i2", "message_id": "m2", "subject": "b", "folders": []string{"Receipts"}},
		},
	})
	var out bytes.Buffer

	h := newTestHost(t, in, &out)
	require.NoError(t, h.Run(context.Background()))

	f := byRequestID(decodeFrames(t, &out), "r1")
	require.NotNil(t, f)
	assert.Equal(t, "batch_ack", f["type"])
	assert.NotEmpty(t, f["batch_id"])
	assert.EqualValues(t, 2, f["queued"])
}
