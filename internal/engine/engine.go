// Package engine constructs and wires every subsystem: storage, bus,
// router, pipelines, recorder, broker, monitoring, device link and the
// HTTP surface. It owns startup order, shutdown order and the cross-
// component hooks (streaming state into the router, disconnect into the
// recorder, slow clients onto the event bus).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lxbio/linkbandd/internal/ble"
	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/config"
	"github.com/lxbio/linkbandd/internal/httpapi"
	"github.com/lxbio/linkbandd/internal/monitoring"
	"github.com/lxbio/linkbandd/internal/pipeline"
	"github.com/lxbio/linkbandd/internal/recorder"
	"github.com/lxbio/linkbandd/internal/router"
	"github.com/lxbio/linkbandd/internal/sensor"
	"github.com/lxbio/linkbandd/internal/storage"
	"github.com/lxbio/linkbandd/internal/wire"
	"github.com/lxbio/linkbandd/internal/wsbroker"
)

// Version is reported by GET / and the startup banner.
const Version = "1.0.0"

// ingestQueue buffers decoded batches between the device link and the
// router's fan-out loop.
const ingestQueue = 64

// pipelineQueue holds roughly one second of batches per sensor.
var pipelineQueue = map[sensor.Kind]int{
	sensor.KindEEG: 16,
	sensor.KindPPG: 8,
	sensor.KindACC: 8,
}

// closingGrace bounds how long shutdown waits for an active recording
// to seal before the process exits.
const closingGrace = 10 * time.Second

// Engine is the assembled daemon.
type Engine struct {
	logger zerolog.Logger
	cfg    *config.Config

	store     *storage.Store
	bus       *bus.Bus
	router    *router.Router
	pipelines []pipeline.Pipeline
	recorder  *recorder.Recorder
	link      *ble.Link
	broker    *wsbroker.Broker
	monitor   *monitoring.Monitor
	http      *httpapi.Server
}

// New builds the full component graph. Nothing is running yet; Start
// launches the loops and binds the listeners.
func New(logger zerolog.Logger, cfg *config.Config) (*Engine, error) {
	e := &Engine{
		logger: logger.With().Str("component", "engine").Logger(),
		cfg:    cfg,
	}

	store, err := storage.Open(logger, cfg.CatalogueFile())
	if err != nil {
		return nil, fmt.Errorf("opening catalogue: %w", err)
	}
	e.store = store

	e.bus = bus.New(logger)
	e.bus.SetSlowHandler(func(id string) {
		if data, err := wire.MarshalError(wire.ErrCodeSlowClient,
			"subscription closed after sustained queue drops",
			map[string]any{"client_id": id}); err == nil {
			e.bus.Publish(bus.EventTopic("error."+wire.ErrCodeSlowClient), data)
		}
	})

	e.router = router.New(logger, e.bus, ingestQueue)
	e.recorder = recorder.New(logger, e.bus, store, cfg.ExportDir(), recorder.Format(cfg.RecordFormat))
	e.router.SetRecorder(e.recorder)

	for _, kind := range cfg.EnabledKinds() {
		var p pipeline.Pipeline
		switch kind {
		case sensor.KindEEG:
			in := e.router.RegisterPipeline(kind, pipelineQueue[kind])
			p = pipeline.NewEEG(logger, e.bus, in, e.recorder, cfg.NotchHz)
		case sensor.KindPPG:
			in := e.router.RegisterPipeline(kind, pipelineQueue[kind])
			p = pipeline.NewPPG(logger, e.bus, in, e.recorder)
		case sensor.KindACC:
			in := e.router.RegisterPipeline(kind, pipelineQueue[kind])
			p = pipeline.NewACC(logger, e.bus, in, e.recorder)
		default:
			continue // battery has no pipeline
		}
		e.pipelines = append(e.pipelines, p)
	}

	var transport ble.Transport
	if cfg.Simulate {
		transport = ble.NewSimulator(logger, cfg.DeviceNamePrefix)
	} else {
		bt := ble.NewBluetoothTransport(logger)
		if err := bt.Probe(); err != nil {
			store.Close()
			return nil, err
		}
		transport = bt
	}
	e.link = ble.New(logger, e.bus, transport, ble.Config{
		ScanTimeout:    cfg.ScanTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		ReconnectCap:   cfg.ReconnectCap,
		Kinds:          cfg.EnabledKinds(),
	}, e.router.Ingest)
	e.link.SetHooks(ble.Hooks{
		OnStreaming: e.router.SetActive,
		OnDisconnected: func() {
			if e.recorder.Armed() {
				ctx, cancel := context.WithTimeout(context.Background(), closingGrace)
				defer cancel()
				_, _ = e.recorder.Abort(ctx, "device_disconnected")
			}
		},
	})

	e.broker = wsbroker.New(logger, e.bus, e, cfg.MaxClients, cfg.ClientQueue)

	e.monitor = monitoring.New(logger, e.bus, monitoring.Sources{
		Router:   e.router.Snapshot,
		Broker:   e.broker.Stats,
		Recorder: e.recorder.Status,
		Link:     e.link.Status,
	}, cfg.MonitorInterval, cfg.DataDir, cfg.EnabledKinds())

	e.http = httpapi.New(logger, e, e.broker, cfg.Addr, cfg.LegacyWSAddr, Version)

	return e, nil
}

// Start launches every loop and binds the listeners. A listener bind
// failure is returned; the caller treats it as fatal.
func (e *Engine) Start() error {
	e.router.Start()
	for _, p := range e.pipelines {
		p.Start()
	}
	e.monitor.Start()

	if err := e.http.Start(); err != nil {
		e.shutdownCore()
		return fmt.Errorf("starting HTTP server: %w", err)
	}

	e.logger.Info().
		Str("version", Version).
		Bool("simulate", e.cfg.Simulate).
		Msg("Engine started")
	return nil
}

// Stop tears the daemon down in reverse dependency order: HTTP,
// broker, monitoring, recorder, pipelines, router, device link.
func (e *Engine) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = e.http.Shutdown(ctx)
	cancel()

	e.broker.Close()
	e.monitor.Stop()

	if e.recorder.Armed() {
		ctx, cancel := context.WithTimeout(context.Background(), closingGrace)
		if _, err := e.recorder.Stop(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to seal recording during shutdown")
		}
		cancel()
	}

	e.shutdownCore()
	e.logger.Info().Msg("Engine stopped")
}

// shutdownCore stops the data path and releases storage.
func (e *Engine) shutdownCore() {
	for _, p := range e.pipelines {
		p.Stop()
	}
	e.router.Stop()
	e.link.Stop()
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close catalogue")
	}
}
