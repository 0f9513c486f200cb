// Package pipeline implements the per-sensor processing stages: EEG
// spectral analysis, PPG heart-rate/HRV extraction and ACC activity
// classification. Each pipeline consumes its bounded raw queue, keeps a
// sliding window of samples and computes one frame per one second hop.
// A pipeline emits nothing until its first window is full, and skips a
// hop (with a processing_slow error) rather than queueing a backlog.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/logging"
	"github.com/lxbio/linkbandd/internal/ring"
	"github.com/lxbio/linkbandd/internal/sensor"
	"github.com/lxbio/linkbandd/internal/wire"
)

const (
	// hop is the emission cadence for every pipeline.
	hop = time.Second
	// computeBudget bounds one window's compute time; an overrun skips
	// the emission instead of delaying the next hop.
	computeBudget = time.Second
	// sinkOfferTimeout bounds how long a frame waits on the recorder.
	sinkOfferTimeout = 100 * time.Millisecond
)

// ProcessedSink receives processed frames while a recording is armed.
type ProcessedSink interface {
	Armed() bool
	OfferProcessed(f Frame, timeout time.Duration) bool
}

// Pipeline is the lifecycle surface the engine drives.
type Pipeline interface {
	Kind() sensor.Kind
	Start()
	Stop()
}

// stage holds the machinery shared by the three pipelines: queue
// draining, hop timing, budget enforcement and publishing. The concrete
// pipelines plug in ingest and compute.
type stage struct {
	kind   sensor.Kind
	logger zerolog.Logger
	bus    *bus.Bus
	in     *ring.Chan[sensor.Batch]
	sink   ProcessedSink

	ingest  func(b sensor.Batch)
	compute func() (Frame, bool)

	slowLimit *rate.Limiter
	slowCount int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStage(kind sensor.Kind, logger zerolog.Logger, b *bus.Bus, in *ring.Chan[sensor.Batch], sink ProcessedSink) stage {
	ctx, cancel := context.WithCancel(context.Background())
	return stage{
		kind:      kind,
		logger:    logger.With().Str("component", "pipeline").Str("sensor", kind.String()).Logger(),
		bus:       b,
		in:        in,
		sink:      sink,
		slowLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *stage) Kind() sensor.Kind { return s.kind }

func (s *stage) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Msg("Pipeline started")
}

func (s *stage) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Pipeline stopped")
}

// run is the pipeline's single goroutine; buffers need no locking.
func (s *stage) run() {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "pipeline."+s.kind.String())

	ticker := time.NewTicker(hop)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case b, ok := <-s.in.C():
			if !ok {
				return
			}
			s.ingest(b)
		case <-ticker.C:
			s.hopOnce()
		}
	}
}

func (s *stage) hopOnce() {
	start := time.Now()
	frame, ok := s.compute()
	if !ok {
		return
	}
	elapsed := time.Since(start)

	if elapsed > computeBudget {
		s.slowCount++
		s.logger.Warn().
			Dur("elapsed", elapsed).
			Int64("total_skips", s.slowCount).
			Msg("Window exceeded compute budget, skipping emission")
		if s.slowLimit.Allow() {
			if data, err := wire.MarshalError(wire.ErrCodeProcessingSlow,
				"pipeline window exceeded its compute budget",
				map[string]any{"sensor_type": s.kind.String(), "elapsed_ms": elapsed.Milliseconds()}); err == nil {
				s.bus.Publish(bus.EventTopic("error."+wire.ErrCodeProcessingSlow), data)
			}
		}
		return
	}

	data, err := wire.MarshalProcessed(s.kind, frame)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to serialize processed frame")
		return
	}
	s.bus.Publish(bus.ProcessedTopic(s.kind), data)

	if s.sink != nil && s.sink.Armed() {
		s.sink.OfferProcessed(frame, sinkOfferTimeout)
	}
}

// keepTail truncates s to at most max elements from the end, compacting
// the backing array once it has grown well past the window size.
func keepTail[T any](s []T, max int) []T {
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	if cap(s) > 3*max {
		out := make([]T, max)
		copy(out, s)
		return out
	}
	return s
}
