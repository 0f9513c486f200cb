package pipeline

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/ring"
	"github.com/lxbio/linkbandd/internal/sensor"
)

func TestClassifyActivity(t *testing.T) {
	cases := map[float64]string{
		0.0:  ActivityStationary,
		1.0:  ActivityStationary,
		1.09: ActivityStationary,
		1.1:  ActivityLight, // boundary values classify upward
		1.49: ActivityLight,
		1.5:  ActivityModerate,
		1.99: ActivityModerate,
		2.0:  ActivityVigorous,
		5.0:  ActivityVigorous,
	}
	for mag, want := range cases {
		assert.Equal(t, want, ClassifyActivity(mag), "magnitude %v", mag)
	}
}

func newTestACC() *ACCPipeline {
	return NewACC(zerolog.Nop(), bus.New(zerolog.Nop()), ring.New[sensor.Batch](4), nil)
}

func accBatch(n int, x, y, z float64) sensor.Batch {
	samples := make([]sensor.ACCSample, n)
	for i := range samples {
		samples[i] = sensor.ACCSample{Timestamp: float64(i) * sensor.KindACC.Interval(), X: x, Y: y, Z: z}
	}
	return sensor.Batch{Kind: sensor.KindACC, ACC: samples}
}

func TestACCWithholdsUntilWindowFull(t *testing.T) {
	p := newTestACC()
	p.ingest(accBatch(accWindowSamples-1, 0, 0, 1))
	_, ok := p.compute()
	assert.False(t, ok)

	p.ingest(accBatch(1, 0, 0, 1))
	_, ok = p.compute()
	assert.True(t, ok)
}

func TestACCComputesMagnitudeStats(t *testing.T) {
	p := newTestACC()
	// 3-4-0 triangle: magnitude is exactly 5 g.
	p.ingest(accBatch(accWindowSamples, 3, 4, 0))

	frame, ok := p.compute()
	require.True(t, ok)
	acc := frame.(*ACCFrame)

	assert.InDelta(t, 5.0, acc.AvgMovement, 1e-9)
	assert.InDelta(t, 5.0, acc.MaxMovement, 1e-9)
	assert.InDelta(t, 0.0, acc.StdMovement, 1e-9)
	assert.Equal(t, ActivityVigorous, acc.ActivityState)
}

func TestACCRestingDeviceIsStationary(t *testing.T) {
	p := newTestACC()
	p.ingest(accBatch(accWindowSamples, 0, 0, 1))

	frame, ok := p.compute()
	require.True(t, ok)
	assert.Equal(t, ActivityStationary, frame.(*ACCFrame).ActivityState)
	assert.Equal(t, sensor.KindACC, frame.FrameKind())
}

func TestACCWindowSlides(t *testing.T) {
	p := newTestACC()
	p.ingest(accBatch(accWindowSamples, 0, 0, 1))
	// A full window of vigorous movement evicts the resting samples.
	p.ingest(accBatch(accWindowSamples, 0, 0, 3))

	frame, ok := p.compute()
	require.True(t, ok)
	assert.Equal(t, ActivityVigorous, frame.(*ACCFrame).ActivityState)
}
