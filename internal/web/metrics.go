package web

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/sweeney/wellness-monitor/internal/status"
)

const metricPrefix = "wellness_"

func gauge(name, help string, v float64, labels ...*dto.LabelPair) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(metricPrefix + name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{
			Label: labels,
			Gauge: &dto.Gauge{Value: proto.Float64(v)},
		}},
	}
}

func counter(name, help string, v float64, labels ...*dto.LabelPair) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(metricPrefix + name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{
			Label:   labels,
			Counter: &dto.Counter{Value: proto.Float64(v)},
		}},
	}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// metricFamilies renders a snapshot as Prometheus metric families.
func metricFamilies(snap status.Snapshot) []*dto.MetricFamily {
	m := snap.Session
	perf := m.Performance
	state := string(m.State)
	if state == "" {
		state = "idle"
	}

	notifications := &dto.MetricFamily{
		Name: proto.String(metricPrefix + "notifications_total"),
		Help: proto.String("Notifications delivered, by kind."),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{
				Label:   []*dto.LabelPair{label("kind", "blink")},
				Counter: &dto.Counter{Value: proto.Float64(float64(snap.Counts.BlinkNotifications))},
			},
			{
				Label:   []*dto.LabelPair{label("kind", "posture")},
				Counter: &dto.Counter{Value: proto.Float64(float64(snap.Counts.PostureNotifications))},
			},
		},
	}

	return []*dto.MetricFamily{
		gauge("up_seconds", "Seconds since the daemon started.", snap.Uptime().Seconds()),
		gauge("session_state", "Current session state.", 1, label("state", state)),
		gauge("blink_rate_per_minute", "Blinks per minute over the rate window.", m.BlinkRate.PerMinute),
		counter("blinks_total", "Blinks detected in this session.", float64(m.Blink.TotalBlinks)),
		gauge("posture_score", "Smoothed posture score, 0 to 100.", m.Posture.Score),
		gauge("paused", "1 while notifications are paused.", boolGauge(snap.Pause.IsPaused)),
		gauge("fps_current", "Measured frame rate.", perf.CurrentFPS),
		gauge("fps_effective", "Frame rate after throttling.", perf.EffectiveFPS),
		gauge("cpu_usage_percent", "Processing time as a share of the frame interval.", perf.CPUUsagePercent),
		gauge("processing_seconds_avg", "Average per-frame processing time.", perf.AvgProcessingTime.Seconds()),
		counter("frames_processed_total", "Frames admitted and processed.", float64(perf.FramesProcessed)),
		counter("frames_skipped_total", "Frames rejected by the scheduler.", float64(perf.FramesSkipped)),
		notifications,
		counter("notifications_suppressed_total", "Notifications held back by a pause.", float64(snap.Counts.Suppressed)),
		counter("faults_total", "Session faults.", float64(snap.Counts.Faults)),
		gauge("retry_attempts", "Retry attempts since the last success.", float64(m.Retry.Attempts)),
		gauge("mqtt_connected", "1 while the broker connection is up.", boolGauge(snap.MQTTConnected)),
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))

	enc := expfmt.NewEncoder(w, format)
	for _, mf := range metricFamilies(s.tracker.Snapshot()) {
		if err := enc.Encode(mf); err != nil {
			s.log.Error().Err(err).Str("metric", mf.GetName()).Msg("encode metrics")
			return
		}
	}
}
