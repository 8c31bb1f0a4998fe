package core

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultThreshold applies to folders without an explicit entry.
const DefaultThreshold = 0.5

// Corridor bounds advisory threshold adjustments to ±0.10 around the
// configured value. Config remains the source of truth.
const Corridor = 0.10

// windowSize is the number of recent samples the calibrator keeps per
// (folder, provider) pair.
const windowSize = 50

type sample struct {
	accepted   bool
	overridden bool
}

type window struct {
	samples []sample
	next    int
	filled  bool
}

func (w *window) push(s sample) {
	if len(w.samples) < windowSize {
		w.samples = append(w.samples, s)
		return
	}
	w.samples[w.next] = s
	w.next = (w.next + 1) % windowSize
	w.filled = true
}

// Calibrator enforces per-folder confidence thresholds and tracks
// rolling accept/override statistics per (folder, provider) so it can
// propose bounded threshold adjustments. Proposals are advisory only.
type Calibrator struct {
	logger *zap.Logger

	mu         sync.Mutex
	thresholds map[string]float64
	defaultThr float64
	windows    map[string]*window // key: folder + "\x1f" + provider
}

// NewCalibrator builds a calibrator from the configured threshold map.
func NewCalibrator(thresholds map[string]float64, defaultThreshold float64, logger *zap.Logger) *Calibrator {
	if defaultThreshold <= 0 || defaultThreshold > 1 {
		defaultThreshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Threshold keys are matched case-insensitively: the config layer
	// lowercases map keys, while folder names on the wire keep their case.
	thr := make(map[string]float64, len(thresholds))
	for folder, t := range thresholds {
		thr[strings.ToLower(folder)] = clamp01(t)
	}
	return &Calibrator{
		logger:     logger,
		thresholds: thr,
		defaultThr: defaultThreshold,
		windows:    make(map[string]*window),
	}
}

// Threshold returns the configured threshold for a folder.
func (c *Calibrator) Threshold(folder string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.thresholds[strings.ToLower(folder)]; ok {
		return t
	}
	return c.defaultThr
}

// Passes reports whether confidence meets the folder's threshold.
func (c *Calibrator) Passes(folder string, confidence float64) bool {
	return confidence >= c.Threshold(folder)
}

// RecordPrediction logs one decision outcome for the rolling window.
func (c *Calibrator) RecordPrediction(folder, provider string, accepted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowLocked(folder, provider).push(sample{accepted: accepted})
}

// RecordOverride logs a user correction: the model predicted folder but
// the user filed the message elsewhere.
func (c *Calibrator) RecordOverride(folder, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowLocked(folder, provider).push(sample{accepted: true, overridden: true})
	c.logger.Debug("calibration override recorded",
		zap.String("folder", folder),
		zap.String("provider", provider))
}

func (c *Calibrator) windowLocked(folder, provider string) *window {
	key := folder + "\x1f" + provider
	w, ok := c.windows[key]
	if !ok {
		w = &window{}
		c.windows[key] = w
	}
	return w
}

// Record returns the rolling snapshot for one (folder, provider) pair,
// including the advisory threshold suggestion clamped to the corridor.
func (c *Calibrator) Record(folder, provider string) CalibrationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := CalibrationRecord{Folder: folder, Provider: provider}
	base := c.defaultThr
	if t, ok := c.thresholds[strings.ToLower(folder)]; ok {
		base = t
	}
	rec.Suggested = base

	w, ok := c.windows[folder+"\x1f"+provider]
	if !ok {
		return rec
	}
	for _, s := range w.samples {
		rec.Predicted++
		if s.overridden {
			rec.Overridden++
		} else if s.accepted {
			rec.Accepted++
		}
	}

	// Nudge within the corridor: many overrides push the threshold up,
	// a clean window lets it relax down.
	if rec.Predicted >= windowSize/2 {
		ratio := float64(rec.Overridden) / float64(rec.Predicted)
		switch {
		case ratio > 0.2:
			rec.Suggested = clamp01(minF(base+Corridor, base+ratio/2))
		case ratio < 0.05 && rec.Accepted > 0:
			rec.Suggested = clamp01(maxF(base-Corridor, base-0.05))
		}
	}
	return rec
}

// Records returns snapshots for every tracked (folder, provider) pair.
func (c *Calibrator) Records() []CalibrationRecord {
	c.mu.Lock()
	keys := make([][2]string, 0, len(c.windows))
	for key := range c.windows {
		for i := 0; i < len(key); i++ {
			if key[i] == 0x1f {
				keys = append(keys, [2]string{key[:i], key[i+1:]})
				break
			}
		}
	}
	c.mu.Unlock()

	records := make([]CalibrationRecord, 0, len(keys))
	for _, k := range keys {
		records = append(records, c.Record(k[0], k[1]))
	}
	return records
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
