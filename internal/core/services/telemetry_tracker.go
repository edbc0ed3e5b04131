package services

import (
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/pkg/shardmap"

	"github.com/pion/rtcp"
)

// emaAlpha is the weight of the newest sample.
const emaAlpha = 0.3

// TelemetryTracker keeps exponentially weighted latency and loss averages per
// connection.
type TelemetryTracker struct {
	stats *shardmap.Map[domain.ConnectionID, domain.NetworkStats]
}

func NewTelemetryTracker(shards int) *TelemetryTracker {
	return &TelemetryTracker{
		stats: shardmap.New[domain.ConnectionID, domain.NetworkStats](shards),
	}
}

// Update folds one sample into the averages. The first sample seeds both
// averages. Latency is truncated to whole milliseconds after every update.
func (t *TelemetryTracker) Update(id domain.ConnectionID, latencyMs int, lossPct float64) domain.NetworkStats {
	return t.stats.Update(id, func(cur domain.NetworkStats, exists bool) (domain.NetworkStats, bool) {
		if !exists || cur.SampleCount == 0 {
			return domain.NetworkStats{
				AvgLatencyMs:     latencyMs,
				AvgPacketLossPct: lossPct,
				SampleCount:      1,
			}, true
		}
		cur.AvgLatencyMs = int(float64(cur.AvgLatencyMs)*(1-emaAlpha) + float64(latencyMs)*emaAlpha)
		cur.AvgPacketLossPct = cur.AvgPacketLossPct*(1-emaAlpha) + lossPct*emaAlpha
		cur.SampleCount++
		return cur, true
	})
}

func (t *TelemetryTracker) Get(id domain.ConnectionID) (domain.NetworkStats, bool) {
	return t.stats.Get(id)
}

func (t *TelemetryTracker) Reset(id domain.ConnectionID) {
	t.stats.Delete(id)
}

// RTCPSample is a telemetry sample derived from a receiver report.
type RTCPSample struct {
	LatencyMs int
	LossPct   float64
	HasRTT    bool
}

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// compactNTP returns the middle 32 bits of the 64-bit NTP timestamp for t.
func compactNTP(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	ntp := secs<<32 | frac
	return uint32(ntp >> 16)
}

// SampleFromRTCP extracts loss and round trip time from the first reception
// report found in a compound RTCP packet. Loss comes from the fraction lost
// field. Round trip time is arrival - LSR - DLSR when the report references
// a sender report.
func SampleFromRTCP(raw []byte, arrival time.Time) (RTCPSample, error) {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return RTCPSample{}, fmt.Errorf("unmarshal rtcp: %w", err)
	}

	for _, pkt := range pkts {
		var reports []rtcp.ReceptionReport
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			reports = p.Reports
		case *rtcp.SenderReport:
			reports = p.Reports
		}
		if len(reports) == 0 {
			continue
		}

		rr := reports[0]
		sample := RTCPSample{LossPct: float64(rr.FractionLost) / 256 * 100}
		if rr.LastSenderReport != 0 {
			rtt := compactNTP(arrival) - rr.LastSenderReport - rr.Delay
			// rtt is in units of 1/65536 s; a wrapped value means clock skew
			if rtt < 1<<31 {
				sample.LatencyMs = int(uint64(rtt) * 1000 / 65536)
				sample.HasRTT = true
			}
		}
		return sample, nil
	}
	return RTCPSample{}, fmt.Errorf("%w: no reception report", domain.ErrInvalidPayload)
}
