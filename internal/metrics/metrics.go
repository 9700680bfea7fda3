// Package metrics exposes per-session counters on a session-scoped
// Prometheus registry. Nothing registers globally, so no mutable state
// survives across sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session carries all metrics for one transcription session.
type Session struct {
	registry *prometheus.Registry

	FramesCaptured prometheus.Counter
	FramesDropped  prometheus.Counter
	BytesSent      prometheus.Counter
	EventsReceived *prometheus.CounterVec
	InterimResults prometheus.Counter
	FinalResults   prometheus.Counter
	CurrentLatency prometheus.Gauge
	AudioCursor    prometheus.Gauge
}

// NewSession creates the metrics set on a fresh registry labelled with the
// session name.
func NewSession(sessionName string) *Session {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"session": sessionName}

	s := &Session{
		registry: registry,
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sp34kn0w_frames_captured_total",
			Help:        "Total number of PCM frames read from the capture device",
			ConstLabels: labels,
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sp34kn0w_frames_dropped_total",
			Help:        "Total number of frames dropped on send",
			ConstLabels: labels,
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sp34kn0w_audio_bytes_sent_total",
			Help:        "Total audio bytes forwarded to the recognition service",
			ConstLabels: labels,
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sp34kn0w_recognition_events_total",
			Help:        "Total recognition events received, by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		InterimResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sp34kn0w_interim_results_total",
			Help:        "Total interim transcript updates received",
			ConstLabels: labels,
		}),
		FinalResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sp34kn0w_final_results_total",
			Help:        "Total finalized transcript entries",
			ConstLabels: labels,
		}),
		CurrentLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "sp34kn0w_latency_seconds",
			Help:        "Latency of the most recent final result (audio cursor minus result end offset)",
			ConstLabels: labels,
		}),
		AudioCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "sp34kn0w_audio_cursor_seconds",
			Help:        "Audio position cursor in seconds of captured audio",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		s.FramesCaptured,
		s.FramesDropped,
		s.BytesSent,
		s.EventsReceived,
		s.InterimResults,
		s.FinalResults,
		s.CurrentLatency,
		s.AudioCursor,
	)

	return s
}

// Handler serves this session's registry for scraping.
func (s *Session) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
