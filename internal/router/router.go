// Package router fans decoded sensor batches out to the processing
// pipelines, the recorder and the event bus, and keeps the per-sensor
// rate meters monitoring reads. The ingest path never blocks the device
// link: every downstream queue is drop-oldest except the recorder's,
// which gets a short blocking window before the batch is abandoned.
package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/logging"
	"github.com/lxbio/linkbandd/internal/ring"
	"github.com/lxbio/linkbandd/internal/sensor"
	"github.com/lxbio/linkbandd/internal/wire"
)

// recorderOfferTimeout bounds how long ingest waits on a busy recorder.
const recorderOfferTimeout = 100 * time.Millisecond

// stallWindow is how long a rate must sit below (or back above) half of
// nominal before stream.stalled / stream.resumed fire.
const stallWindow = 3 * time.Second

// RecorderSink receives raw batches while a session is armed.
type RecorderSink interface {
	// Armed reports whether a session is currently accepting samples.
	Armed() bool
	// Offer hands a batch to the recorder, waiting at most timeout.
	// It returns false if the recorder could not take the batch.
	Offer(b sensor.Batch, timeout time.Duration) bool
}

// Snapshot is the router state monitoring samples once per second.
type Snapshot struct {
	Rates         map[sensor.Kind]float64 `json:"rates"`
	Stalled       map[sensor.Kind]bool    `json:"stalled"`
	PipelineDrops int64                   `json:"pipeline_drops"`
	RecorderDrops int64                   `json:"recorder_drops"`
	Ingested      int64                   `json:"ingested"`
}

// Router is the fan-out stage between the device link and everything
// downstream.
type Router struct {
	logger zerolog.Logger
	bus    *bus.Bus

	in *ring.Chan[sensor.Batch]

	mu       sync.RWMutex
	pipes    map[sensor.Kind]*ring.Chan[sensor.Batch]
	recorder RecorderSink

	meters map[sensor.Kind]*rateMeter
	stall  map[sensor.Kind]*stallState

	active bool // device link is streaming

	pipelineDrops atomic.Int64
	recorderDrops atomic.Int64
	ingested      atomic.Int64

	slowRecLimit *rate.Limiter // throttles recording_slow error events

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type stallState struct {
	stalled    bool
	belowSince time.Time
	aboveSince time.Time
}

// New creates a router publishing to b. ingestQueue is the batch buffer
// between the device link and the fan-out loop.
func New(logger zerolog.Logger, b *bus.Bus, ingestQueue int) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		logger:       logger.With().Str("component", "router").Logger(),
		bus:          b,
		in:           ring.New[sensor.Batch](ingestQueue),
		pipes:        make(map[sensor.Kind]*ring.Chan[sensor.Batch]),
		meters:       make(map[sensor.Kind]*rateMeter),
		stall:        make(map[sensor.Kind]*stallState),
		slowRecLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, k := range sensor.AllKinds() {
		r.meters[k] = newRateMeter(k)
	}
	for _, k := range sensor.StreamKinds() {
		r.stall[k] = &stallState{}
	}
	return r
}

// RegisterPipeline creates the bounded input queue for a pipeline and
// returns it. Capacity is in batches; callers size it to roughly one
// second of data.
func (r *Router) RegisterPipeline(kind sensor.Kind, capBatches int) *ring.Chan[sensor.Batch] {
	q := ring.New[sensor.Batch](capBatches)
	r.mu.Lock()
	r.pipes[kind] = q
	r.mu.Unlock()
	return q
}

// SetRecorder wires the recorder sink. Pass nil to detach.
func (r *Router) SetRecorder(sink RecorderSink) {
	r.mu.Lock()
	r.recorder = sink
	r.mu.Unlock()
}

// SetActive marks whether the device link is streaming. Rate meters and
// stall detection only run while active; deactivating resets both.
func (r *Router) SetActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == active {
		return
	}
	r.active = active
	now := time.Now()
	for _, m := range r.meters {
		m.reset()
	}
	for _, st := range r.stall {
		st.stalled = false
		st.belowSince = now
		st.aboveSince = time.Time{}
	}
}

// Ingest accepts one decoded batch from the device link. Never blocks.
func (r *Router) Ingest(b sensor.Batch) {
	r.in.Send(b)
}

// Start launches the fan-out loop and the rate ticker.
func (r *Router) Start() {
	r.wg.Add(2)
	go r.run()
	go r.tickRates()
	r.logger.Info().Msg("Router started")
}

// Stop drains and terminates the router. Batches ingested after Stop
// are silently discarded.
func (r *Router) Stop() {
	r.cancel()
	r.in.Close()
	r.wg.Wait()

	r.mu.Lock()
	for _, q := range r.pipes {
		q.Close()
	}
	r.mu.Unlock()
	r.logger.Info().Msg("Router stopped")
}

func (r *Router) run() {
	defer r.wg.Done()
	defer logging.RecoverPanic(r.logger, "router.run")

	for b := range r.in.C() {
		r.dispatch(b)
	}
}

func (r *Router) dispatch(b sensor.Batch) {
	r.mu.RLock()
	pipe := r.pipes[b.Kind]
	rec := r.recorder
	r.mu.RUnlock()

	r.meters[b.Kind].add(b.Len())
	r.ingested.Add(int64(b.Len()))

	// Pipeline input: drop-oldest.
	if pipe != nil {
		if dropped := pipe.Send(b); dropped {
			r.pipelineDrops.Add(1)
		}
	}

	// Recorder input: block briefly, then abandon the batch.
	if rec != nil && rec.Armed() {
		if !rec.Offer(b, recorderOfferTimeout) {
			r.recorderDrops.Add(1)
			if r.slowRecLimit.Allow() {
				if data, err := wire.MarshalError(wire.ErrCodeRecordingSlow,
					"recorder cannot keep up, dropping samples",
					map[string]any{"sensor_type": b.Kind.String()}); err == nil {
					r.bus.Publish(bus.EventTopic("error."+wire.ErrCodeRecordingSlow), data)
				}
			}
		}
	}

	// Bus raw stream: serialize once per batch.
	r.publishRaw(b)
}

func (r *Router) publishRaw(b sensor.Batch) {
	var (
		data []byte
		err  error
	)
	switch b.Kind {
	case sensor.KindEEG:
		data, err = wire.MarshalRaw(b.Kind, b.EEG)
	case sensor.KindPPG:
		data, err = wire.MarshalRaw(b.Kind, b.PPG)
	case sensor.KindACC:
		data, err = wire.MarshalRaw(b.Kind, b.ACC)
	case sensor.KindBAT:
		if b.Bat == nil {
			return
		}
		data, err = wire.MarshalBattery(*b.Bat)
	default:
		return
	}
	if err != nil {
		r.logger.Error().Err(err).Str("sensor", b.Kind.String()).Msg("Failed to serialize raw envelope")
		return
	}
	r.bus.Publish(bus.RawTopic(b.Kind), data)
}

// tickRates updates the EWMA meters and runs stall detection four times
// per second.
func (r *Router) tickRates() {
	defer r.wg.Done()
	defer logging.RecoverPanic(r.logger, "router.tickRates")

	ticker := time.NewTicker(time.Duration(tickSeconds * float64(time.Second)))
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			for _, m := range r.meters {
				m.tick()
			}
			r.watchStalls()
		}
	}
}

// watchStalls publishes stream.stalled when a periodic sensor's rate sits
// below half of nominal for stallWindow, and stream.resumed when it has
// recovered for the same duration.
func (r *Router) watchStalls() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return
	}
	now := time.Now()

	for _, k := range sensor.StreamKinds() {
		st := r.stall[k]
		below := r.meters[k].Rate() < 0.5*k.NominalRate()

		if below {
			st.aboveSince = time.Time{}
			if st.belowSince.IsZero() {
				st.belowSince = now
			}
			if !st.stalled && now.Sub(st.belowSince) >= stallWindow {
				st.stalled = true
				r.logger.Warn().
					Str("sensor", k.String()).
					Float64("rate_hz", r.meters[k].Rate()).
					Float64("nominal_hz", k.NominalRate()).
					Msg("Sensor stream stalled")
				if data, err := wire.MarshalEvent(wire.EventStreamStalled,
					map[string]any{"sensor_type": k.String()}); err == nil {
					r.bus.Publish(bus.EventTopic(wire.EventStreamStalled), data)
				}
			}
			continue
		}

		st.belowSince = time.Time{}
		if st.aboveSince.IsZero() {
			st.aboveSince = now
		}
		if st.stalled && now.Sub(st.aboveSince) >= stallWindow {
			st.stalled = false
			r.logger.Info().
				Str("sensor", k.String()).
				Float64("rate_hz", r.meters[k].Rate()).
				Msg("Sensor stream resumed")
			if data, err := wire.MarshalEvent(wire.EventStreamResumed,
				map[string]any{"sensor_type": k.String()}); err == nil {
				r.bus.Publish(bus.EventTopic(wire.EventStreamResumed), data)
			}
		}
	}
}

// Rate returns the current smoothed rate for one kind in Hz.
func (r *Router) Rate(kind sensor.Kind) float64 {
	return r.meters[kind].Rate()
}

// Snapshot returns a copy of the router's counters for monitoring.
func (r *Router) Snapshot() Snapshot {
	snap := Snapshot{
		Rates:   make(map[sensor.Kind]float64, len(r.meters)),
		Stalled: make(map[sensor.Kind]bool, len(r.stall)),
	}
	for k, m := range r.meters {
		snap.Rates[k] = m.Rate()
	}
	r.mu.RLock()
	for k, st := range r.stall {
		snap.Stalled[k] = st.stalled
	}
	r.mu.RUnlock()
	snap.PipelineDrops = r.pipelineDrops.Load()
	snap.RecorderDrops = r.recorderDrops.Load()
	snap.Ingested = r.ingested.Load()
	return snap
}
