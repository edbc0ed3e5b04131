package services

import (
	"math"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/shardmap"
)

// hysteresisWeight is the share of the previous scale kept on every
// recompute.
const hysteresisWeight = 0.7

// QualityThresholds map averaged telemetry to a target scale. A connection
// crossing either the latency or the loss bound of a tier gets that tier's
// scale.
type QualityThresholds struct {
	SevereLatencyMs   int
	SevereLossPct     float64
	HighLatencyMs     int
	HighLossPct       float64
	ModerateLatencyMs int
	ModerateLossPct   float64
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		SevereLatencyMs:   300,
		SevereLossPct:     5,
		HighLatencyMs:     150,
		HighLossPct:       2,
		ModerateLatencyMs: 50,
		ModerateLossPct:   0.5,
	}
}

type QualityConfig struct {
	Enabled        bool
	BaselineScale  float64
	Thresholds     QualityThresholds
	NativeWidth    int
	NativeHeight   int
	MinWidth       int
	MinHeight      int
	MaxWidth       int
	MaxHeight      int
	MaxBitrateKbps int
	MinBitrateKbps int
}

func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		Enabled:        true,
		BaselineScale:  1.0,
		Thresholds:     DefaultQualityThresholds(),
		NativeWidth:    1280,
		NativeHeight:   720,
		MinWidth:       160,
		MinHeight:      120,
		MaxWidth:       1280,
		MaxHeight:      720,
		MaxBitrateKbps: 2500,
		MinBitrateKbps: 150,
	}
}

// QualityService turns rolling telemetry into a resolution scale per
// connection.
type QualityService struct {
	cfg       QualityConfig
	telemetry *TelemetryTracker
	scales    *shardmap.Map[domain.ConnectionID, float64]
	metrics   ports.MetricsRecorder
}

func NewQualityService(cfg QualityConfig, telemetry *TelemetryTracker, shards int, metrics ports.MetricsRecorder) *QualityService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &QualityService{
		cfg:       cfg,
		telemetry: telemetry,
		scales:    shardmap.New[domain.ConnectionID, float64](shards),
		metrics:   metrics,
	}
}

func (qs *QualityService) RecordSample(id domain.ConnectionID, latencyMs int, lossPct float64) domain.NetworkStats {
	qs.metrics.NetworkSample(latencyMs, lossPct)
	return qs.telemetry.Update(id, latencyMs, lossPct)
}

// TargetScale is the scale the averaged telemetry asks for before smoothing.
func (qs *QualityService) TargetScale(stats domain.NetworkStats) float64 {
	t := qs.cfg.Thresholds
	switch {
	case stats.AvgLatencyMs > t.SevereLatencyMs || stats.AvgPacketLossPct > t.SevereLossPct:
		return 0.4
	case stats.AvgLatencyMs > t.HighLatencyMs || stats.AvgPacketLossPct > t.HighLossPct:
		return 0.6
	case stats.AvgLatencyMs > t.ModerateLatencyMs || stats.AvgPacketLossPct > t.ModerateLossPct:
		return 0.8
	default:
		return 1.0
	}
}

// ComputeScale blends the target scale into the stored one and stores the
// result. Without telemetry the baseline is returned and nothing is stored.
func (qs *QualityService) ComputeScale(id domain.ConnectionID) float64 {
	if !qs.cfg.Enabled {
		return 1.0
	}

	stats, ok := qs.telemetry.Get(id)
	if !ok {
		return qs.cfg.BaselineScale
	}

	target := qs.TargetScale(stats)
	scale := qs.scales.Update(id, func(cur float64, exists bool) (float64, bool) {
		if !exists {
			cur = qs.cfg.BaselineScale
		}
		return cur*hysteresisWeight + target*(1-hysteresisWeight), true
	})
	qs.metrics.QualityScale(scale)
	return scale
}

func (qs *QualityService) CurrentScale(id domain.ConnectionID) float64 {
	if !qs.cfg.Enabled {
		return 1.0
	}
	if scale, ok := qs.scales.Get(id); ok {
		return scale
	}
	return qs.cfg.BaselineScale
}

// Decide returns the encoding parameters for the current scale.
func (qs *QualityService) Decide(id domain.ConnectionID) domain.QualityDecision {
	return qs.DecisionFor(qs.CurrentScale(id))
}

// DecisionFor derives resolution and bitrate from a scale.
func (qs *QualityService) DecisionFor(scale float64) domain.QualityDecision {
	c := qs.cfg
	width := clampInt(int(math.Round(float64(c.NativeWidth)*scale)), c.MinWidth, c.MaxWidth)
	height := clampInt(int(math.Round(float64(c.NativeHeight)*scale)), c.MinHeight, c.MaxHeight)
	bitrate := int(math.Round(float64(c.MaxBitrateKbps) * scale))
	if bitrate < c.MinBitrateKbps {
		bitrate = c.MinBitrateKbps
	}
	return domain.QualityDecision{
		Scale:       scale,
		Width:       width,
		Height:      height,
		BitrateKbps: bitrate,
	}
}

func (qs *QualityService) Stats(id domain.ConnectionID) domain.QualityStats {
	stats, ok := qs.telemetry.Get(id)
	return domain.QualityStats{
		NetworkStats: stats,
		CurrentScale: qs.CurrentScale(id),
		HasTelemetry: ok,
	}
}

// Reset drops telemetry and scale together.
func (qs *QualityService) Reset(id domain.ConnectionID) {
	qs.telemetry.Reset(id)
	qs.scales.Delete(id)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ ports.QualityService = (*QualityService)(nil)
