// Package metrics はキャプチャと配信の Prometheus メトリクスを提供する
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "capvicam"

// Metrics は全メトリクスを保持する
//
// nil の *Metrics に対する Record* 呼び出しは何もしない。
type Metrics struct {
	Registry *prometheus.Registry

	// キャプチャ
	FramesCaptured prometheus.Counter
	FrameSize      prometheus.Histogram
	CaptureErrors  *prometheus.CounterVec
	LatestSequence prometheus.Gauge
	CaptureState   *prometheus.GaugeVec

	// MJPEG配信
	ActiveSessions   prometheus.Gauge
	TotalSessions    prometheus.Counter
	RejectedSessions prometheus.Counter
	PartsSent        prometheus.Counter
	BytesSent        prometheus.Counter
	FramesSkipped    prometheus.Counter
	AcceptErrors     *prometheus.CounterVec

	// WebSocket配信
	ActiveWSClients prometheus.Gauge
}

// New は専用レジストリにメトリクスを作成・登録する
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Registry: reg,

		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Total number of frames published to the latest-frame slot",
		}),
		FrameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_size_bytes",
			Help:      "Size of captured frames in bytes",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 10), // 4KB to ~2MB
		}),
		CaptureErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capture_errors_total",
				Help:      "Total number of capture errors by stage",
			},
			[]string{"stage"},
		),
		LatestSequence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_sequence",
			Help:      "Sequence number of the most recently published frame",
		}),
		CaptureState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "capture_state",
				Help:      "Current capture loop state (1 for the active state)",
			},
			[]string{"state"},
		),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sessions_active",
			Help:      "Number of currently connected MJPEG clients",
		}),
		TotalSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_sessions_total",
			Help:      "Total number of MJPEG sessions started",
		}),
		RejectedSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_sessions_rejected_total",
			Help:      "Total number of connections rejected by the session limit",
		}),
		PartsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_parts_sent_total",
			Help:      "Total number of multipart parts written to clients",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_sent_total",
			Help:      "Total frame bytes written to clients",
		}),
		FramesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_skipped_total",
			Help:      "Total number of frames a session never saw because it was too slow",
		}),
		AcceptErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accept_errors_total",
				Help:      "Total number of accept errors by kind",
			},
			[]string{"kind"}, // transient or fatal
		),

		ActiveWSClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients_active",
			Help:      "Number of currently connected WebSocket clients",
		}),
	}

	return m
}

// RecordFrame はフレームの公開を記録する
func (m *Metrics) RecordFrame(seq uint64, size int) {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
	m.FrameSize.Observe(float64(size))
	m.LatestSequence.Set(float64(seq))
}

// RecordCaptureError はステージ別のキャプチャエラーを記録する
func (m *Metrics) RecordCaptureError(stage string) {
	if m == nil {
		return
	}
	m.CaptureErrors.WithLabelValues(stage).Inc()
}

// RecordCaptureState は現在の状態だけを1にする
func (m *Metrics) RecordCaptureState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.CaptureState.WithLabelValues(s).Set(v)
	}
}

// RecordSessionStart はセッション開始を記録する
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.TotalSessions.Inc()
}

// RecordSessionStop はセッション終了を記録する
func (m *Metrics) RecordSessionStop() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordSessionRejected は上限による接続拒否を記録する
func (m *Metrics) RecordSessionRejected() {
	if m == nil {
		return
	}
	m.RejectedSessions.Inc()
}

// RecordPart は送信したパートと、読み飛ばしたフレーム数を記録する
func (m *Metrics) RecordPart(size int, skipped uint64) {
	if m == nil {
		return
	}
	m.PartsSent.Inc()
	m.BytesSent.Add(float64(size))
	if skipped > 0 {
		m.FramesSkipped.Add(float64(skipped))
	}
}

// RecordAcceptError は accept エラーを記録する
func (m *Metrics) RecordAcceptError(transient bool) {
	if m == nil {
		return
	}
	kind := "fatal"
	if transient {
		kind = "transient"
	}
	m.AcceptErrors.WithLabelValues(kind).Inc()
}

// RecordWSClientStart はWebSocketクライアントの接続を記録する
func (m *Metrics) RecordWSClientStart() {
	if m == nil {
		return
	}
	m.ActiveWSClients.Inc()
}

// RecordWSClientStop はWebSocketクライアントの切断を記録する
func (m *Metrics) RecordWSClientStop() {
	if m == nil {
		return
	}
	m.ActiveWSClients.Dec()
}
