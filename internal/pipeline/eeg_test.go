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

func newTestEEG() *EEGPipeline {
	return NewEEG(zerolog.Nop(), bus.New(zerolog.Nop()), ring.New[sensor.Batch](4), nil, 50)
}

// eegToneBatch builds n samples of a freq Hz tone at amp µV on both
// channels, with the electrodes optionally flagged off.
func eegToneBatch(n int, freq, amp float64, lo1, lo2 bool) sensor.Batch {
	samples := make([]sensor.EEGSample, n)
	for i := range samples {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/sensor.RateEEG)
		samples[i] = sensor.EEGSample{
			Timestamp:  float64(i) * sensor.KindEEG.Interval(),
			Ch1:        v,
			Ch2:        v,
			LeadOffCh1: lo1,
			LeadOffCh2: lo2,
		}
	}
	return sensor.Batch{Kind: sensor.KindEEG, EEG: samples}
}

func TestLeadOffFraction(t *testing.T) {
	assert.Zero(t, leadOffFraction(nil))
	assert.InDelta(t, 0.5, leadOffFraction([]bool{true, false, true, false}), 1e-9)
	assert.InDelta(t, 1.0, leadOffFraction([]bool{true, true}), 1e-9)
}

func TestSampleSQI(t *testing.T) {
	sqi := sampleSQI(
		[]float64{10, -60, 112.5, 200, 30},
		[]bool{false, false, false, false, true},
	)
	assert.InDelta(t, 1.0, sqi[0], 1e-9)
	assert.InDelta(t, 1.0, sqi[1], 1e-9)
	assert.InDelta(t, 0.5, sqi[2], 1e-9) // midway between 75 and 150
	assert.Zero(t, sqi[3])
	assert.Zero(t, sqi[4]) // lead-off always scores zero
}

func TestEEGWithholdsUntilWindowFull(t *testing.T) {
	p := newTestEEG()
	p.ingest(eegToneBatch(eegWindowSamples-1, 10, 30, false, false))
	_, ok := p.compute()
	assert.False(t, ok)
}

func TestEEGComputesAlphaDominantFrame(t *testing.T) {
	p := newTestEEG()
	p.ingest(eegToneBatch(eegWindowSamples, 10, 30, false, false))

	frame, ok := p.compute()
	require.True(t, ok)
	eeg := frame.(*EEGFrame)

	assert.Len(t, eeg.Ch1Filtered, eegHopSamples)
	assert.Len(t, eeg.Ch1SQI, eegHopSamples)
	require.NotNil(t, eeg.Frequencies)
	require.NotNil(t, eeg.Ch1BandPowers)
	require.NotNil(t, eeg.Ch2BandPowers)

	// A 10 Hz tone lands in the alpha band.
	bp := eeg.Ch1BandPowers
	assert.Greater(t, bp.Alpha, bp.Delta)
	assert.Greater(t, bp.Alpha, bp.Beta)
	assert.Greater(t, bp.Alpha, bp.Gamma)

	require.NotNil(t, eeg.RelaxationIndex)
	assert.Greater(t, *eeg.RelaxationIndex, 1.0)
	require.NotNil(t, eeg.TotalPower)
	assert.Greater(t, *eeg.TotalPower, 0.0)

	// Identical channels balance exactly.
	require.NotNil(t, eeg.HemisphericBalance)
	assert.InDelta(t, 0.0, *eeg.HemisphericBalance, 1e-9)
}

func TestEEGLeadOffWithholdsChannel(t *testing.T) {
	p := newTestEEG()
	p.ingest(eegToneBatch(eegWindowSamples, 10, 30, true, false))

	frame, ok := p.compute()
	require.True(t, ok)
	eeg := frame.(*EEGFrame)

	assert.Nil(t, eeg.Ch1Power)
	assert.Nil(t, eeg.Ch1BandPowers)
	require.NotNil(t, eeg.Ch2BandPowers)

	// Indices survive on the clean channel, but the inter-channel
	// balance needs both.
	assert.NotNil(t, eeg.TotalPower)
	assert.Nil(t, eeg.HemisphericBalance)

	// The hop's ch1 quality scores collapse to zero.
	for _, v := range eeg.Ch1SQI {
		assert.Zero(t, v)
	}
}

func TestEEGBothChannelsOffNullsIndices(t *testing.T) {
	p := newTestEEG()
	p.ingest(eegToneBatch(eegWindowSamples, 10, 30, true, true))

	frame, ok := p.compute()
	require.True(t, ok)
	eeg := frame.(*EEGFrame)

	assert.Nil(t, eeg.Ch1BandPowers)
	assert.Nil(t, eeg.Ch2BandPowers)
	assert.Nil(t, eeg.FocusIndex)
	assert.Nil(t, eeg.StressIndex)
	assert.Nil(t, eeg.TotalPower)
}

func TestAverageBands(t *testing.T) {
	a := &BandPowers{Alpha: 2, Beta: 4}
	b := &BandPowers{Alpha: 4, Beta: 2}

	avg := averageBands(a, b)
	require.NotNil(t, avg)
	assert.InDelta(t, 3.0, avg.Alpha, 1e-9)
	assert.InDelta(t, 3.0, avg.Beta, 1e-9)

	assert.Equal(t, a, averageBands(a, nil))
	assert.Equal(t, b, averageBands(nil, b))
	assert.Nil(t, averageBands(nil, nil))
}
