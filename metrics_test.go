package serialcomm

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// ----- Core Metrics Tests -----

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.recordOpen(nil)
	m.recordClose(errors.New("boom"))
	m.recordWrite(4, nil)
	m.recordFrame(NewFrameResult([]byte("x"), ReasonSettled, time.Millisecond))
	m.recordError(ErrTransport)
}

func TestMetrics_OpenClose(t *testing.T) {
	m := NewMetrics("test")
	m.recordOpen(nil)
	m.recordOpen(nil)
	m.recordOpen(ErrOpenFailed)

	if m.OpenAttempts.Load() != 3 || m.OpenFailures.Load() != 1 || m.OpenChannels.Load() != 2 {
		t.Fatalf("attempts=%d failures=%d open=%d", m.OpenAttempts.Load(), m.OpenFailures.Load(), m.OpenChannels.Load())
	}

	m.recordClose(nil)
	m.recordClose(ErrTransport)
	if m.OpenChannels.Load() != 0 || m.Closes.Load() != 2 || m.CloseErrors.Load() != 1 {
		t.Fatalf("open=%d closes=%d closeErrors=%d", m.OpenChannels.Load(), m.Closes.Load(), m.CloseErrors.Load())
	}
}

func TestMetrics_Frames(t *testing.T) {
	m := NewMetrics("test")
	m.recordFrame(NewFrameResult([]byte("PONG"), ReasonSettled, 10*time.Millisecond))
	m.recordFrame(NewFrameResult([]byte("PA"), ReasonMaxWait, 30*time.Millisecond))
	m.recordFrame(NewFrameResult(nil, ReasonNoData, 20*time.Millisecond))

	s := m.Snapshot()
	if s.Frames != 3 || s.PartialFrames != 1 || s.EmptyFrames != 1 || s.BytesRead != 6 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.AverageFrameTime != 20*time.Millisecond {
		t.Fatalf("average = %v", s.AverageFrameTime)
	}
	if s.MaxFrameTime != 30*time.Millisecond {
		t.Fatalf("max = %v", s.MaxFrameTime)
	}
}

func TestMetrics_HealthStatus(t *testing.T) {
	tests := []struct {
		open     int64
		failures int64
		want     HealthStatus
	}{
		{0, 0, HealthStatusDown},
		{1, 0, HealthStatusHealthy},
		{1, 3, HealthStatusHealthy},
		{1, 4, HealthStatusDegraded},
		{1, 6, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		got := assessHealthStatus(Snapshot{OpenChannels: tt.open, ConsecutiveFailures: tt.failures})
		if got != tt.want {
			t.Fatalf("open=%d failures=%d: got %s, want %s", tt.open, tt.failures, got, tt.want)
		}
	}
}

func TestMetrics_SuccessResetsConsecutiveFailures(t *testing.T) {
	m := NewMetrics("test")
	m.recordOpen(nil)
	for i := 0; i < 5; i++ {
		m.recordWrite(0, ErrWriteFailed)
	}
	if m.Snapshot().HealthStatus != HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", m.Snapshot().HealthStatus)
	}
	m.recordFrame(NewFrameResult([]byte("ok"), ReasonSettled, time.Millisecond))
	if m.ConsecutiveFailures.Load() != 0 {
		t.Fatal("a completed frame should reset consecutive failures")
	}
	if m.LastErrorTime.Load() == 0 {
		t.Fatal("last error time not recorded")
	}
}

func TestMetrics_PrometheusCollector(t *testing.T) {
	m := NewMetrics("serialcomm")
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.recordOpen(nil)
	m.recordWrite(4, nil)
	m.recordFrame(NewFrameResult([]byte("PONG"), ReasonSettled, 5*time.Millisecond))
	m.recordFrame(NewFrameResult(nil, ReasonNoData, 5*time.Millisecond))
	m.recordError(ErrTransport)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName() + labelSuffix(metric)
			switch {
			case metric.GetCounter() != nil:
				got[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				got[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				got[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}

	want := map[string]float64{
		`serialcomm_bytes_total{direction="rx"}`:         4,
		`serialcomm_bytes_total{direction="tx"}`:         4,
		`serialcomm_frames_total{reason="data_settled"}`: 1,
		`serialcomm_frames_total{reason="no_data"}`:      1,
		`serialcomm_errors_total{kind="transport"}`:      1,
		`serialcomm_open_channels`:                       1,
		`serialcomm_frame_duration_seconds`:              2,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %v, want %v (gathered %v)", k, got[k], v, got)
		}
	}
}

func labelSuffix(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		parts = append(parts, lp.GetName()+`="`+lp.GetValue()+`"`)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
