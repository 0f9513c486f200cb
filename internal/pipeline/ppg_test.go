package pipeline

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/ring"
	"github.com/lxbio/linkbandd/internal/sensor"
)

func newTestPPG() *PPGPipeline {
	return NewPPG(zerolog.Nop(), bus.New(zerolog.Nop()), ring.New[sensor.Batch](4), nil)
}

// pulseBatch synthesizes n IR samples of a bpm-paced pulse riding on a
// DC baseline, the shape a finger sensor produces.
func pulseBatch(n int, bpm float64) sensor.Batch {
	samples := make([]sensor.PPGSample, n)
	freq := bpm / 60
	for i := range samples {
		v := 90000 + 5000*math.Sin(2*math.Pi*freq*float64(i)/sensor.RatePPG)
		samples[i] = sensor.PPGSample{
			Timestamp: float64(i) * sensor.KindPPG.Interval(),
			Red:       50000,
			IR:        int32(v),
		}
	}
	return sensor.Batch{Kind: sensor.KindPPG, PPG: samples}
}

func TestDetectPeaks(t *testing.T) {
	sig := sine(500, 50, 1.2, 1) // 10 s, one peak per cycle
	minPeakDistance := float64(minPeakDistanceSec * sensor.RatePPG)
	peaks := detectPeaks(sig, int(minPeakDistance))
	require.NotEmpty(t, peaks)
	assert.InDelta(t, 12, len(peaks), 1)

	// Peaks honour the refractory distance.
	for i := 1; i < len(peaks); i++ {
		assert.GreaterOrEqual(t, peaks[i]-peaks[i-1], int(minPeakDistance))
	}

	assert.Nil(t, detectPeaks([]float64{1, 2}, 5))
}

func TestRRIntervalsDiscardsImplausible(t *testing.T) {
	ts := []float64{0, 0.8, 0.9, 1.7, 4.5}
	peaks := []int{0, 1, 2, 3, 4}

	beats, rr := rrIntervals(ts, peaks)
	// 0.8 s and 0.8 s survive; 0.1 s and 2.8 s are detection artifacts.
	require.Len(t, rr, 2)
	assert.InDelta(t, 0.8, rr[0], 1e-9)
	assert.InDelta(t, 0.8, rr[1], 1e-9)
	assert.Equal(t, []float64{0.8, 1.7}, beats)
}

func TestMedianBPM(t *testing.T) {
	assert.InDelta(t, 60, medianBPM([]float64{1.0, 1.0, 0.5}), 1e-9)
	assert.InDelta(t, 67.5, medianBPM([]float64{1.0, 0.8}), 1e-9) // (60+75)/2
}

func TestStddev(t *testing.T) {
	assert.Zero(t, stddev(nil))
	assert.Zero(t, stddev([]float64{4, 4, 4}))
	assert.InDelta(t, 2, stddev([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-9)
}

func TestPPGWithholdsUntilWindowFull(t *testing.T) {
	p := newTestPPG()
	p.ingest(pulseBatch(ppgWindowSamples-1, 72))
	_, ok := p.compute()
	assert.False(t, ok)
}

func TestPPGComputesHeartRate(t *testing.T) {
	p := newTestPPG()
	p.ingest(pulseBatch(ppgWindowSamples, 72))

	frame, ok := p.compute()
	require.True(t, ok)
	ppg := frame.(*PPGFrame)

	assert.Len(t, ppg.FilteredPPG, ppgHopSamples)
	assert.Len(t, ppg.PPGSQI, ppgHopSamples)

	require.NotNil(t, ppg.BPM)
	assert.InDelta(t, 72, *ppg.BPM, 3)

	// A metronomic pulse has near-zero variability.
	require.NotNil(t, ppg.SDNN)
	assert.Less(t, *ppg.SDNN, 25.0)
	require.NotNil(t, ppg.RMSSD)
	require.NotNil(t, ppg.PNN50)
}

func TestPPGFlatlineWithholdsHRV(t *testing.T) {
	p := newTestPPG()
	flat := make([]sensor.PPGSample, ppgWindowSamples)
	for i := range flat {
		flat[i] = sensor.PPGSample{Timestamp: float64(i) * sensor.KindPPG.Interval(), IR: 90000}
	}
	p.ingest(sensor.Batch{Kind: sensor.KindPPG, PPG: flat})

	frame, ok := p.compute()
	require.True(t, ok)
	ppg := frame.(*PPGFrame)

	// No beats detected: the frame still carries the filtered hop but
	// every HRV metric stays null.
	assert.Nil(t, ppg.BPM)
	assert.Nil(t, ppg.SDNN)
	assert.Nil(t, ppg.LFHFRatio)
}

func TestPPGSQIScoresOutliers(t *testing.T) {
	window := sine(3000, 50, 1.2, 1)
	window[2999] = 100 // gross artifact in the hop

	sqi := ppgSQI(window, len(window)-50)
	assert.Zero(t, sqi[49])
	assert.InDelta(t, 1.0, sqi[0], 1e-9)
}
