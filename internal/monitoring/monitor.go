// Package monitoring derives system health from live traffic. Once per
// second it samples the router's rate meters, the broker's client
// stats, the recorder and the OS, scores overall health, raises
// threshold alerts and publishes the monitoring_metrics envelope on the
// bus. It observes the other components only through snapshot functions
// so it can never block a data path.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/lxbio/linkbandd/internal/ble"
	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/logging"
	"github.com/lxbio/linkbandd/internal/recorder"
	"github.com/lxbio/linkbandd/internal/router"
	"github.com/lxbio/linkbandd/internal/sensor"
	"github.com/lxbio/linkbandd/internal/wire"
	"github.com/lxbio/linkbandd/internal/wsbroker"
)

// Alert thresholds per the monitoring design: CPU high for 10 ticks,
// memory high instantly, sensor rate low for 5 ticks, lag drops over one
// per second. The alert list keeps the 50 most recent entries.
const (
	cpuAlertPercent   = 85.0
	cpuAlertTicks     = 10
	memAlertPercent   = 85.0
	rateLowFraction   = 0.5
	rateAlertTicks    = 5
	activeTicks       = 3
	lagDropsPerSecond = 1.0
	maxAlerts         = 50
)

// Sources are the snapshot functions monitoring samples. None of them
// may block.
type Sources struct {
	Router   func() router.Snapshot
	Broker   func() wsbroker.Stats
	Recorder func() recorder.Status
	Link     func() ble.Status
}

// SystemStats is the OS slice of the snapshot.
type SystemStats struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	MemoryMB    float64 `json:"memory_mb"`
	DiskUsage   float64 `json:"disk_usage"`
	DiskFreeGB  float64 `json:"disk_free_gb"`
	Uptime      float64 `json:"uptime"`
}

// StreamingStats is the traffic slice of the snapshot.
type StreamingStats struct {
	Active          bool               `json:"is_active"`
	ActiveSensors   []string           `json:"active_sensors"`
	Rates           map[string]float64 `json:"rates"`
	PipelineDrops   int64              `json:"pipeline_drops"`
	RecorderDrops   int64              `json:"recorder_drops"`
	FramesMalformed int64              `json:"frames_malformed"`
}

// ClientStats is the broker slice of the snapshot.
type ClientStats struct {
	Connected int   `json:"connected"`
	Served    int64 `json:"served"`
	LagDrops  int64 `json:"lag_drops"`
}

// RecordingStats is the recorder slice of the snapshot.
type RecordingStats struct {
	State        string `json:"state"`
	SessionName  string `json:"session_name,omitempty"`
	BytesWritten int64  `json:"bytes_written"`
}

// Alert is one raised threshold crossing.
type Alert struct {
	Timestamp float64 `json:"timestamp"`
	Level     string  `json:"level"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
}

// Snapshot is the full per-tick state, served at /metrics/ and carried
// in the monitoring_metrics envelope.
type Snapshot struct {
	Timestamp float64        `json:"timestamp"`
	Health    float64        `json:"health"`
	System    SystemStats    `json:"system"`
	Streaming StreamingStats `json:"streaming"`
	Clients   ClientStats    `json:"clients"`
	Recording RecordingStats `json:"recording"`
	Device    ble.Status     `json:"device"`
	Alerts    []Alert        `json:"alerts"`
}

// Monitor is the once-per-interval sampler.
type Monitor struct {
	logger   zerolog.Logger
	bus      *bus.Bus
	sources  Sources
	interval time.Duration
	dataDir  string
	enabled  []sensor.Kind

	startedAt time.Time

	mu        sync.Mutex
	last      Snapshot
	alerts    *queue.Queue
	active    bool
	activeFor int
	cpuHigh   int
	rateLow   map[sensor.Kind]int
	alerted   map[string]bool
	lastDrops int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the monitor. dataDir anchors the disk usage probe; enabled
// is the configured sensor subset used for the streaming-active flag.
func New(logger zerolog.Logger, b *bus.Bus, sources Sources, interval time.Duration, dataDir string, enabled []sensor.Kind) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		logger:    logger.With().Str("component", "monitoring").Logger(),
		bus:       b,
		sources:   sources,
		interval:  interval,
		dataDir:   dataDir,
		enabled:   enabled,
		startedAt: time.Now(),
		alerts:    queue.New(),
		rateLow:   make(map[sensor.Kind]int),
		alerted:   make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the sampler loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info().Dur("interval", m.interval).Msg("Monitoring started")
}

// Stop terminates the sampler.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Monitoring stopped")
}

// Uptime is the daemon's age in seconds.
func (m *Monitor) Uptime() float64 { return time.Since(m.startedAt).Seconds() }

// Snapshot returns the latest tick's state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// StreamingActive reports the derived streaming-activity flag.
func (m *Monitor) StreamingActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Monitor) run() {
	defer m.wg.Done()
	defer logging.RecoverPanic(m.logger, "monitoring.run")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			snap := m.sample()
			m.publish(snap)
		}
	}
}

// sample assembles one tick's snapshot and runs threshold detection.
func (m *Monitor) sample() Snapshot {
	now := time.Now()
	rs := m.sources.Router()
	cs := m.sources.Broker()
	rec := m.sources.Recorder()
	dev := m.sources.Link()

	snap := Snapshot{
		Timestamp: sensor.Wall(now),
		System:    m.sampleSystem(),
		Device:    dev,
		Clients:   ClientStats{Connected: cs.Clients, Served: cs.Served, LagDrops: cs.LagDrops},
		Recording: RecordingStats{
			State:        rec.State,
			SessionName:  rec.SessionName,
			BytesWritten: rec.BytesWritten,
		},
	}

	snap.Streaming = StreamingStats{
		Rates:           make(map[string]float64, len(rs.Rates)),
		PipelineDrops:   rs.PipelineDrops,
		RecorderDrops:   rs.RecorderDrops,
		FramesMalformed: dev.FramesMalformed,
	}
	for k, v := range rs.Rates {
		snap.Streaming.Rates[k.String()] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Streaming-active: every enabled periodic sensor at >=50% of
	// nominal for three consecutive ticks.
	allUp := dev.Streaming
	for _, k := range m.enabled {
		if !k.Periodic() {
			continue
		}
		up := rs.Rates[k] >= rateLowFraction*k.NominalRate()
		if up {
			snap.Streaming.ActiveSensors = append(snap.Streaming.ActiveSensors, k.String())
		} else {
			allUp = false
		}
	}
	if allUp {
		m.activeFor++
	} else {
		m.activeFor = 0
	}
	m.active = m.activeFor >= activeTicks
	snap.Streaming.Active = m.active

	m.detectAlerts(&snap, rs, dev)
	snap.Health = m.healthScore(&snap, rs, dev)
	snap.Alerts = m.alertList()
	m.last = snap

	return snap
}

// sampleSystem reads CPU, memory and disk through gopsutil. Failures
// leave zeros; monitoring never brings the daemon down.
func (m *Monitor) sampleSystem() SystemStats {
	stats := SystemStats{Uptime: m.Uptime()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUUsage = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsage = vm.UsedPercent
		stats.MemoryMB = float64(vm.Used) / (1024 * 1024)
	}
	if du, err := disk.Usage(m.dataDir); err == nil {
		stats.DiskUsage = du.UsedPercent
		stats.DiskFreeGB = float64(du.Free) / (1024 * 1024 * 1024)
	}
	return stats
}

// detectAlerts raises threshold alerts, edge-triggered so a sustained
// condition alerts once until it clears. Callers hold m.mu.
func (m *Monitor) detectAlerts(snap *Snapshot, rs router.Snapshot, dev ble.Status) {
	now := snap.Timestamp

	if snap.System.CPUUsage > cpuAlertPercent {
		m.cpuHigh++
	} else {
		m.cpuHigh = 0
		m.alerted["cpu"] = false
	}
	if m.cpuHigh >= cpuAlertTicks && !m.alerted["cpu"] {
		m.alerted["cpu"] = true
		m.raise(now, "warning", "cpu_high", "CPU usage above 85% for 10 s")
	}

	if snap.System.MemoryUsage > memAlertPercent {
		if !m.alerted["memory"] {
			m.alerted["memory"] = true
			m.raise(now, "warning", "memory_high", "memory usage above 85%")
		}
	} else {
		m.alerted["memory"] = false
	}

	for _, k := range m.enabled {
		if !k.Periodic() {
			continue
		}
		key := "rate_" + k.String()
		if dev.Streaming && rs.Rates[k] < rateLowFraction*k.NominalRate() {
			m.rateLow[k]++
		} else {
			m.rateLow[k] = 0
			m.alerted[key] = false
		}
		if m.rateLow[k] >= rateAlertTicks && !m.alerted[key] {
			m.alerted[key] = true
			m.raise(now, "warning", "sensor_rate_low", k.String()+" rate below 50% of nominal for 5 s")
		}
	}

	dropRate := float64(snap.Clients.LagDrops-m.lastDrops) / m.interval.Seconds()
	m.lastDrops = snap.Clients.LagDrops
	if dropRate > lagDropsPerSecond {
		if !m.alerted["lag"] {
			m.alerted["lag"] = true
			m.raise(now, "warning", "client_lag", "client queues dropping more than 1 message/s")
		}
	} else {
		m.alerted["lag"] = false
	}
}

// raise appends to the bounded alert ring and publishes an alert event.
// Callers hold m.mu.
func (m *Monitor) raise(ts float64, level, code, message string) {
	alert := Alert{Timestamp: ts, Level: level, Code: code, Message: message}
	m.alerts.Add(alert)
	for m.alerts.Length() > maxAlerts {
		m.alerts.Remove()
	}

	m.logger.Warn().Str("code", code).Msg(message)
	if payload, err := wire.MarshalEvent(wire.EventAlert, map[string]any{
		"level": level, "code": code, "message": message,
	}); err == nil {
		m.bus.Publish(bus.EventTopic(wire.EventAlert), payload)
	}
}

// alertList copies the ring newest-last. Callers hold m.mu.
func (m *Monitor) alertList() []Alert {
	n := m.alerts.Length()
	out := make([]Alert, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, m.alerts.Get(i).(Alert))
	}
	return out
}

// healthScore weighs streaming activity 40, signal quality 20, CPU
// headroom 15, memory headroom 15 and connection stability 10. Callers
// hold m.mu.
func (m *Monitor) healthScore(snap *Snapshot, rs router.Snapshot, dev ble.Status) float64 {
	var score float64

	if m.active {
		score += 40
	} else if dev.Streaming {
		// Partially up: credit the fraction of enabled sensors at rate.
		periodic := 0
		for _, k := range m.enabled {
			if k.Periodic() {
				periodic++
			}
		}
		if periodic > 0 {
			score += 40 * float64(len(snap.Streaming.ActiveSensors)) / float64(periodic)
		}
	}

	// Signal quality proxy: no stalled streams and a quiet malformed
	// counter mean clean frames end to end.
	quality := 20.0
	for _, stalled := range rs.Stalled {
		if stalled {
			quality -= 10
		}
	}
	if quality < 0 {
		quality = 0
	}
	score += quality

	if headroom := 100 - snap.System.CPUUsage; headroom > 0 {
		score += 15 * headroom / 100
	}
	if headroom := 100 - snap.System.MemoryUsage; headroom > 0 {
		score += 15 * headroom / 100
	}

	switch {
	case dev.Connected && dev.ReconnectAttempts == 0:
		score += 10
	case dev.ReconnectAttempts > 0:
		score += 3
	}

	if score > 100 {
		score = 100
	}
	return score
}

// publish serializes the tick onto the bus and the prometheus registry.
func (m *Monitor) publish(snap Snapshot) {
	updatePrometheus(&snap)

	payload, err := wire.MarshalMonitoring(map[string]any{
		"system":    snap.System,
		"streaming": snap.Streaming,
		"clients":   snap.Clients,
		"recording": snap.Recording,
		"device":    snap.Device,
		"health":    snap.Health,
		"alerts":    snap.Alerts,
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to serialize monitoring snapshot")
		return
	}
	m.bus.Publish(bus.TopicMonitoring, payload)
}
