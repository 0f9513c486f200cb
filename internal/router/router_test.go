package router

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/sensor"
	"github.com/lxbio/linkbandd/internal/wire"
)

// fakeRecorder scripts the recorder sink for backpressure tests.
type fakeRecorder struct {
	mu     sync.Mutex
	armed  bool
	accept bool
	got    []sensor.Batch
}

func (f *fakeRecorder) Armed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed
}

func (f *fakeRecorder) Offer(b sensor.Batch, timeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.got = append(f.got, b)
	return true
}

func eegBatch(n int) sensor.Batch {
	return sensor.Batch{Kind: sensor.KindEEG, At: time.Now(), EEG: make([]sensor.EEGSample, n)}
}

func TestDispatchFansOut(t *testing.T) {
	b := bus.New(zerolog.Nop())
	sub := b.Subscribe("probe", 16, "raw.*")
	r := New(zerolog.Nop(), b, 16)

	pipe := r.RegisterPipeline(sensor.KindEEG, 4)
	rec := &fakeRecorder{armed: true, accept: true}
	r.SetRecorder(rec)

	r.dispatch(eegBatch(25))

	// Pipeline queue received the batch.
	select {
	case got := <-pipe.C():
		assert.Len(t, got.EEG, 25)
	default:
		t.Fatal("pipeline queue is empty")
	}

	// Recorder received the batch.
	rec.mu.Lock()
	assert.Len(t, rec.got, 1)
	rec.mu.Unlock()

	// The bus carries a serialized raw_data envelope.
	sub.Close()
	msg := <-sub.C()
	assert.Equal(t, "raw.eeg", msg.Topic)
	env, err := wire.Decode(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeRawData, env.Type)

	snap := r.Snapshot()
	assert.EqualValues(t, 25, snap.Ingested)
}

func TestPipelineQueueDropsOldest(t *testing.T) {
	b := bus.New(zerolog.Nop())
	r := New(zerolog.Nop(), b, 16)
	r.RegisterPipeline(sensor.KindEEG, 2)

	for i := 0; i < 4; i++ {
		r.dispatch(eegBatch(1))
	}
	assert.EqualValues(t, 2, r.Snapshot().PipelineDrops)
}

func TestRecorderDropCountedAndThrottled(t *testing.T) {
	b := bus.New(zerolog.Nop())
	sub := b.Subscribe("probe", 16, "event.*")
	r := New(zerolog.Nop(), b, 16)
	r.SetRecorder(&fakeRecorder{armed: true, accept: false})

	r.dispatch(eegBatch(1))
	r.dispatch(eegBatch(1))

	assert.EqualValues(t, 2, r.Snapshot().RecorderDrops)

	// The recording_slow error is rate limited to one event.
	sub.Close()
	var slowEvents int
	for msg := range sub.C() {
		env, err := wire.Decode(msg.Data)
		require.NoError(t, err)
		if env.EventType == "error."+wire.ErrCodeRecordingSlow {
			slowEvents++
		}
	}
	assert.Equal(t, 1, slowEvents)
}

func TestDetachedRecorderIgnored(t *testing.T) {
	b := bus.New(zerolog.Nop())
	r := New(zerolog.Nop(), b, 16)
	rec := &fakeRecorder{armed: false, accept: true}
	r.SetRecorder(rec)

	r.dispatch(eegBatch(1))

	rec.mu.Lock()
	assert.Empty(t, rec.got)
	rec.mu.Unlock()
	assert.EqualValues(t, 0, r.Snapshot().RecorderDrops)
}

func TestBatteryPublishedAsSensorData(t *testing.T) {
	b := bus.New(zerolog.Nop())
	sub := b.Subscribe("probe", 4, "raw.bat")
	r := New(zerolog.Nop(), b, 16)

	r.dispatch(sensor.Batch{
		Kind: sensor.KindBAT,
		At:   time.Now(),
		Bat:  &sensor.BatterySample{Timestamp: 1, Level: 77},
	})

	sub.Close()
	msg := <-sub.C()
	env, err := wire.Decode(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeSensorData, env.Type)
	assert.Equal(t, "bat", env.SensorType)
}

func TestRateMeterConvergesToNominal(t *testing.T) {
	m := newRateMeter(sensor.KindEEG)

	// Feed exactly nominal load for enough ticks; the EWMA approaches
	// 250 Hz.
	for i := 0; i < 40; i++ {
		m.add(int(sensor.KindEEG.NominalRate() * tickSeconds))
		m.tick()
	}
	assert.InDelta(t, 250, m.Rate(), 5)

	// Starved meter decays toward zero.
	for i := 0; i < 40; i++ {
		m.tick()
	}
	assert.Less(t, m.Rate(), 5.0)

	m.reset()
	assert.Zero(t, m.Rate())
}

func TestStartStopLifecycle(t *testing.T) {
	b := bus.New(zerolog.Nop())
	r := New(zerolog.Nop(), b, 16)
	pipe := r.RegisterPipeline(sensor.KindEEG, 4)

	r.Start()
	r.Ingest(eegBatch(3))

	require.Eventually(t, func() bool {
		return r.Snapshot().Ingested == 3
	}, time.Second, 10*time.Millisecond)

	r.Stop()
	// Pipeline queues are closed by Stop.
	_, ok := <-pipe.C()
	for ok {
		_, ok = <-pipe.C()
	}
	// Ingest after Stop is a harmless no-op.
	r.Ingest(eegBatch(1))
	assert.EqualValues(t, 3, r.Snapshot().Ingested)
}

func TestSetActiveResetsMeters(t *testing.T) {
	b := bus.New(zerolog.Nop())
	r := New(zerolog.Nop(), b, 16)

	r.meters[sensor.KindEEG].add(100)
	r.meters[sensor.KindEEG].tick()
	require.NotZero(t, r.Rate(sensor.KindEEG))

	r.SetActive(true)
	assert.Zero(t, r.Rate(sensor.KindEEG))
}
