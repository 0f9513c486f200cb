package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lxbio/linkbandd/internal/ble"
	"github.com/lxbio/linkbandd/internal/monitoring"
	"github.com/lxbio/linkbandd/internal/recorder"
	"github.com/lxbio/linkbandd/internal/storage"
	"github.com/lxbio/linkbandd/internal/wsbroker"
)

// The engine implements httpapi.Core: the HTTP handlers and the broker
// commands both land here.

func (e *Engine) Scan(ctx context.Context, duration time.Duration) ([]ble.Advertisement, error) {
	return e.link.Scan(ctx, duration)
}

func (e *Engine) Connect(ctx context.Context, address string) error {
	return e.link.Connect(ctx, address)
}

func (e *Engine) Disconnect() error { return e.link.Disconnect() }

func (e *Engine) LinkStatus() ble.Status { return e.link.Status() }

func (e *Engine) RegisterDevice(ctx context.Context, name, address string) error {
	if err := e.store.RegisterDevice(ctx, name, address); err != nil {
		return err
	}
	e.logger.Info().Str("name", name).Str("address", address).Msg("Device registered")
	return nil
}

func (e *Engine) Devices(ctx context.Context) ([]storage.Device, error) {
	return e.store.Devices(ctx)
}

func (e *Engine) StartStream() error { return e.link.StartStream() }

func (e *Engine) StopStream() error { return e.link.StopStream() }

func (e *Engine) StartRecording(ctx context.Context, name, format, exportPath string) (recorder.StartInfo, error) {
	return e.recorder.Start(ctx, name, recorder.Format(format), exportPath)
}

func (e *Engine) StopRecording(ctx context.Context) (recorder.Summary, error) {
	return e.recorder.Stop(ctx)
}

func (e *Engine) RecordingStatus() recorder.Status { return e.recorder.Status() }

func (e *Engine) Sessions(ctx context.Context) ([]storage.SessionRecord, error) {
	return e.store.Sessions(ctx)
}

func (e *Engine) Session(ctx context.Context, name string) (storage.SessionRecord, error) {
	return e.store.SessionByName(ctx, name)
}

// SessionFiles reads the sealed per-session metadata. A session that is
// still recording has no durable file index yet.
func (e *Engine) SessionFiles(ctx context.Context, name string) ([]recorder.FileInfo, error) {
	rec, err := e.store.SessionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.Status == recorder.StatusRecording {
		return nil, fmt.Errorf("session %s is still recording: %w", name, recorder.ErrAlreadyActive)
	}

	summary, err := readSummary(rec.RootPath)
	if err != nil {
		return nil, err
	}
	return summary.Files, nil
}

func (e *Engine) Metrics() monitoring.Snapshot { return e.monitor.Snapshot() }

func (e *Engine) Uptime() float64 { return e.monitor.Uptime() }

func (e *Engine) ClientStats() wsbroker.Stats { return e.broker.Stats() }

// readSummary loads session.json from a sealed session directory.
func readSummary(dir string) (recorder.Summary, error) {
	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		return recorder.Summary{}, fmt.Errorf("reading session metadata: %w", err)
	}
	var summary recorder.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return recorder.Summary{}, fmt.Errorf("decoding session metadata: %w", err)
	}
	return summary, nil
}
