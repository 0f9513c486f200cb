package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics mirroring the JSON snapshot, for operators who
// already run a scrape stack. The JSON surface at /metrics/ stays the
// canonical client API.
var (
	promSampleRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkband_sensor_rate_hz",
		Help: "Smoothed per-sensor sample rate in Hz",
	}, []string{"sensor"})

	promClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkband_ws_clients",
		Help: "Connected WebSocket clients",
	})

	promLagDrops = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkband_ws_lag_drops_total",
		Help: "Messages dropped across all client queues",
	})

	promPipelineDrops = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkband_pipeline_drops_total",
		Help: "Raw batches evicted from pipeline input queues",
	})

	promRecorderDrops = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkband_recorder_drops_total",
		Help: "Raw batches the recorder could not accept in time",
	})

	promFramesMalformed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkband_frames_malformed_total",
		Help: "BLE packets dropped for length mismatch",
	})

	promHealth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkband_system_health",
		Help: "Composite system health score, 0-100",
	})

	promCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkband_cpu_usage_percent",
		Help: "Process host CPU usage percent",
	})

	promMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkband_memory_usage_percent",
		Help: "Host memory usage percent",
	})

	promRecordingBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkband_recording_bytes_written",
		Help: "Bytes written by the active recording session",
	})
)

func init() {
	prometheus.MustRegister(
		promSampleRate,
		promClients,
		promLagDrops,
		promPipelineDrops,
		promRecorderDrops,
		promFramesMalformed,
		promHealth,
		promCPU,
		promMemory,
		promRecordingBytes,
	)
}

// updatePrometheus publishes one tick's snapshot to the registry.
func updatePrometheus(s *Snapshot) {
	for sensorName, rate := range s.Streaming.Rates {
		promSampleRate.WithLabelValues(sensorName).Set(rate)
	}
	promClients.Set(float64(s.Clients.Connected))
	promLagDrops.Set(float64(s.Clients.LagDrops))
	promPipelineDrops.Set(float64(s.Streaming.PipelineDrops))
	promRecorderDrops.Set(float64(s.Streaming.RecorderDrops))
	promFramesMalformed.Set(float64(s.Streaming.FramesMalformed))
	promHealth.Set(s.Health)
	promCPU.Set(s.System.CPUUsage)
	promMemory.Set(s.System.MemoryUsage)
	promRecordingBytes.Set(float64(s.Recording.BytesWritten))
}
