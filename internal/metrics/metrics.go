package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Streamer metrics
	SessionsStarted   prometheus.Counter
	SessionsFailed    prometheus.Counter
	ActiveSessions    prometheus.Gauge
	FramesExtracted   prometheus.Counter
	FrameBytes        prometheus.Histogram
	FramesAnnounced   prometheus.Counter
	RTMPConnections   prometheus.Counter
	RTMPBytesReceived prometheus.Counter

	// Stage metrics
	Deliveries      *prometheus.CounterVec
	DeliveryErrors  *prometheus.CounterVec
	StageState      *prometheus.GaugeVec
	ProcessDuration *prometheus.HistogramVec

	// Detector metrics
	Detections      *prometheus.CounterVec
	RegionsPerFrame prometheus.Histogram
	MotionArea      prometheus.Histogram
	Baselines       prometheus.Counter

	// Playback metrics
	BufferLength    prometheus.Gauge
	FramesBuffered  prometheus.Counter
	FramesReleased  prometheus.Counter
	FramesEvicted   prometheus.Counter
	ReleaseLateness prometheus.Histogram
	ActiveViewers   prometheus.Gauge
	ViewerDrops     prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg uses a
// private registry so repeated construction in tests never collides.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	m := &Metrics{
		// Streamer metrics
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_sessions_started_total",
			Help: "Total number of extraction sessions started",
		}),
		SessionsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_sessions_failed_total",
			Help: "Total number of extraction sessions that failed",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "motionpipe_active_sessions",
			Help: "Number of sessions currently extracting frames",
		}),
		FramesExtracted: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_frames_extracted_total",
			Help: "Total number of frames extracted from sources",
		}),
		FrameBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "motionpipe_frame_size_bytes",
			Help:    "Size of stored frame images in bytes",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10), // 4KB to ~2MB
		}),
		FramesAnnounced: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_frames_announced_total",
			Help: "Total number of frame announcements published",
		}),
		RTMPConnections: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_rtmp_connections_total",
			Help: "Total number of RTMP live ingest connections",
		}),
		RTMPBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_rtmp_bytes_received_total",
			Help: "Total video bytes received via RTMP",
		}),

		// Stage metrics
		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "motionpipe_deliveries_total",
				Help: "Total number of deliveries handled per stage",
			},
			[]string{"stage"},
		),
		DeliveryErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "motionpipe_delivery_errors_total",
				Help: "Total number of deliveries that failed processing",
			},
			[]string{"stage", "reason"},
		),
		StageState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "motionpipe_stage_state",
				Help: "1 for the lifecycle state each stage is currently in",
			},
			[]string{"stage", "state"},
		),
		ProcessDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "motionpipe_process_duration_seconds",
				Help:    "Time spent processing one delivery",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
			},
			[]string{"stage"},
		),

		// Detector metrics
		Detections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "motionpipe_detections_total",
				Help: "Total number of motion records emitted",
			},
			[]string{"motion"},
		),
		RegionsPerFrame: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "motionpipe_regions_per_frame",
			Help:    "Number of motion regions per compared frame",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		}),
		MotionArea: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "motionpipe_motion_area_pixels",
			Help:    "Summed bounding-box area of the regions in each motion record",
			Buckets: prometheus.ExponentialBuckets(500, 2, 12),
		}),
		Baselines: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_detector_baselines_total",
			Help: "Frames stored as a comparison baseline without emitting a record",
		}),

		// Playback metrics
		BufferLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "motionpipe_playback_buffer_length",
			Help: "Number of frames waiting in the playback buffer",
		}),
		FramesBuffered: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_playback_frames_buffered_total",
			Help: "Total number of frames appended to the playback buffer",
		}),
		FramesReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_playback_frames_released_total",
			Help: "Total number of frames released by the pacing loop",
		}),
		FramesEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_playback_frames_evicted_total",
			Help: "Frames evicted unread by the bounded-drop policy",
		}),
		ReleaseLateness: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "motionpipe_playback_release_lateness_seconds",
			Help:    "How far past next_frame_time a frame was released",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ActiveViewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "motionpipe_active_viewers",
			Help: "Number of connected MJPEG viewers",
		}),
		ViewerDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "motionpipe_viewer_frames_dropped_total",
			Help: "Frames skipped for viewers that could not keep up",
		}),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "motionpipe_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "motionpipe_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// RecordSessionStart records an extraction session starting
func (m *Metrics) RecordSessionStart() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnd records an extraction session finishing
func (m *Metrics) RecordSessionEnd(failed bool) {
	m.ActiveSessions.Dec()
	if failed {
		m.SessionsFailed.Inc()
	}
}

// RecordFrameAnnounced records a stored and announced frame
func (m *Metrics) RecordFrameAnnounced(size int) {
	m.FramesExtracted.Inc()
	m.FrameBytes.Observe(float64(size))
	m.FramesAnnounced.Inc()
}

// RecordDelivery records a delivery handled by a stage
func (m *Metrics) RecordDelivery(stage string, d time.Duration) {
	m.Deliveries.WithLabelValues(stage).Inc()
	m.ProcessDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordDeliveryError records a failed delivery
func (m *Metrics) RecordDeliveryError(stage, reason string) {
	m.DeliveryErrors.WithLabelValues(stage, reason).Inc()
}

// RecordStageState marks state as the only active state for stage
func (m *Metrics) RecordStageState(stage string, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.StageState.WithLabelValues(stage, s).Set(v)
	}
}

// RecordDetection records one emitted motion record
func (m *Metrics) RecordDetection(motion bool, regions, area int) {
	m.Detections.WithLabelValues(strconv.FormatBool(motion)).Inc()
	m.RegionsPerFrame.Observe(float64(regions))
	if motion {
		m.MotionArea.Observe(float64(area))
	}
}

// RecordBaseline records a frame kept as the comparison baseline
func (m *Metrics) RecordBaseline() {
	m.Baselines.Inc()
}

// RecordBuffered records a frame appended to the playback buffer
func (m *Metrics) RecordBuffered(length int, evicted bool) {
	m.FramesBuffered.Inc()
	m.BufferLength.Set(float64(length))
	if evicted {
		m.FramesEvicted.Inc()
	}
}

// RecordReleased records a frame released by the pacing loop
func (m *Metrics) RecordReleased(length int, lateness time.Duration) {
	m.FramesReleased.Inc()
	m.BufferLength.Set(float64(length))
	if lateness < 0 {
		lateness = 0
	}
	m.ReleaseLateness.Observe(lateness.Seconds())
}

// RecordViewerStart records an MJPEG viewer connecting
func (m *Metrics) RecordViewerStart() {
	m.ActiveViewers.Inc()
}

// RecordViewerStop records an MJPEG viewer disconnecting
func (m *Metrics) RecordViewerStop() {
	m.ActiveViewers.Dec()
}

// RecordViewerDrop records a frame skipped for a slow viewer
func (m *Metrics) RecordViewerDrop() {
	m.ViewerDrops.Inc()
}

// RecordRTMPConnection records an RTMP connection
func (m *Metrics) RecordRTMPConnection() {
	m.RTMPConnections.Inc()
}

// RecordRTMPBytes records bytes received via RTMP
func (m *Metrics) RecordRTMPBytes(bytes int) {
	m.RTMPBytesReceived.Add(float64(bytes))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusCodeToString converts an HTTP status code to a string
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
