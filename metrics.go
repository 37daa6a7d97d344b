package serialcomm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Metrics tracks channel and framing statistics for one registry. It
// implements prometheus.Collector so it can be registered on any
// prometheus.Registerer; nothing is registered globally.
type Metrics struct {
	// Channel lifecycle
	OpenAttempts atomic.Int64
	OpenFailures atomic.Int64
	OpenChannels atomic.Int64
	Closes       atomic.Int64
	CloseErrors  atomic.Int64

	// Transfer
	BytesWritten atomic.Int64
	BytesRead    atomic.Int64
	WriteErrors  atomic.Int64

	// Framing
	Frames         atomic.Int64
	PartialFrames  atomic.Int64
	EmptyFrames    atomic.Int64
	TotalFrameTime atomic.Int64 // ns
	MaxFrameTime   atomic.Int64 // ns

	// Health
	Errors              atomic.Int64
	ConsecutiveFailures atomic.Int64
	LastErrorTime       atomic.Int64 // unix seconds

	framesByReason *prometheus.CounterVec
	errorsByKind   *prometheus.CounterVec
	frameSeconds   prometheus.Histogram

	openChannelsDesc *prometheus.Desc
	bytesDesc        *prometheus.Desc
}

// NewMetrics builds a metrics set whose series are prefixed with namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		framesByReason: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Completed framing attempts by completion reason.",
		}, []string{"reason"}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Channel errors by kind.",
		}, []string{"kind"}),
		frameSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_duration_seconds",
			Help:      "Time from start of framing to completion.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		openChannelsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "open_channels"),
			"Channels currently open in the registry.", nil, nil),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_total"),
			"Bytes transferred by direction.", []string{"direction"}, nil),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.framesByReason.Describe(ch)
	m.errorsByKind.Describe(ch)
	m.frameSeconds.Describe(ch)
	ch <- m.openChannelsDesc
	ch <- m.bytesDesc
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.framesByReason.Collect(ch)
	m.errorsByKind.Collect(ch)
	m.frameSeconds.Collect(ch)
	ch <- prometheus.MustNewConstMetric(m.openChannelsDesc, prometheus.GaugeValue, float64(m.OpenChannels.Load()))
	ch <- prometheus.MustNewConstMetric(m.bytesDesc, prometheus.CounterValue, float64(m.BytesWritten.Load()), "tx")
	ch <- prometheus.MustNewConstMetric(m.bytesDesc, prometheus.CounterValue, float64(m.BytesRead.Load()), "rx")
}

// The record helpers accept a nil receiver so callers need not check.

func (m *Metrics) recordOpen(err error) {
	if m == nil {
		return
	}
	m.OpenAttempts.Inc()
	if err != nil {
		m.OpenFailures.Inc()
		m.recordError(err)
		return
	}
	m.OpenChannels.Inc()
	m.ConsecutiveFailures.Store(0)
}

func (m *Metrics) recordClose(err error) {
	if m == nil {
		return
	}
	m.Closes.Inc()
	m.OpenChannels.Dec()
	if err != nil {
		m.CloseErrors.Inc()
		m.recordError(err)
	}
}

func (m *Metrics) recordWrite(n int, err error) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(int64(n))
	if err != nil {
		m.WriteErrors.Inc()
		m.recordError(err)
	}
}

func (m *Metrics) recordFrame(res FrameResult) {
	if m == nil {
		return
	}
	m.Frames.Inc()
	m.BytesRead.Add(int64(res.Len()))
	switch {
	case res.Reason() == ReasonNoData:
		m.EmptyFrames.Inc()
	case res.Reason().Partial():
		m.PartialFrames.Inc()
	}
	ns := int64(res.Elapsed())
	m.TotalFrameTime.Add(ns)
	for {
		cur := m.MaxFrameTime.Load()
		if ns <= cur || m.MaxFrameTime.CompareAndSwap(cur, ns) {
			break
		}
	}
	m.framesByReason.WithLabelValues(res.Reason().label()).Inc()
	m.frameSeconds.Observe(res.Elapsed().Seconds())
	m.ConsecutiveFailures.Store(0)
}

func (m *Metrics) recordError(err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.Inc()
	m.ConsecutiveFailures.Inc()
	m.LastErrorTime.Store(time.Now().Unix())
	m.errorsByKind.WithLabelValues(errorLabel(err)).Inc()
}

// HealthStatus represents the overall health of serial communication
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDown      HealthStatus = "down"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Timestamp           time.Time
	OpenChannels        int64
	OpenAttempts        int64
	OpenFailures        int64
	BytesWritten        int64
	BytesRead           int64
	Frames              int64
	PartialFrames       int64
	EmptyFrames         int64
	Errors              int64
	ConsecutiveFailures int64
	AverageFrameTime    time.Duration
	MaxFrameTime        time.Duration
	HealthStatus        HealthStatus
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Timestamp:           time.Now(),
		OpenChannels:        m.OpenChannels.Load(),
		OpenAttempts:        m.OpenAttempts.Load(),
		OpenFailures:        m.OpenFailures.Load(),
		BytesWritten:        m.BytesWritten.Load(),
		BytesRead:           m.BytesRead.Load(),
		Frames:              m.Frames.Load(),
		PartialFrames:       m.PartialFrames.Load(),
		EmptyFrames:         m.EmptyFrames.Load(),
		Errors:              m.Errors.Load(),
		ConsecutiveFailures: m.ConsecutiveFailures.Load(),
		MaxFrameTime:        time.Duration(m.MaxFrameTime.Load()),
	}
	if s.Frames > 0 {
		s.AverageFrameTime = time.Duration(m.TotalFrameTime.Load() / s.Frames)
	}
	s.HealthStatus = assessHealthStatus(s)
	return s
}

func assessHealthStatus(s Snapshot) HealthStatus {
	if s.OpenChannels <= 0 {
		return HealthStatusDown
	}
	if s.ConsecutiveFailures > 5 {
		return HealthStatusUnhealthy
	}
	if s.ConsecutiveFailures > 3 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
