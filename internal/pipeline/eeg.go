package pipeline

import (
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/ring"
	"github.com/lxbio/linkbandd/internal/sensor"
	"github.com/lxbio/linkbandd/internal/wire"
)

// EEG windowing: 10 s sliding window, 1 s hop, at the 250 Hz nominal rate.
const (
	eegWindowSeconds = 10
	eegWindowSamples = int(eegWindowSeconds * sensor.RateEEG)
	eegHopSamples    = int(sensor.RateEEG)
)

// Amplitude envelope for the per-sample quality score. Filtered scalp
// EEG above ~75 µV is suspect, above ~150 µV it is treated as artifact.
const (
	eegAmpGood = 75.0
	eegAmpBad  = 150.0
)

// leadOffWindowLimit is the lead-off fraction above which a channel's
// metrics are withheld for the window.
const leadOffWindowLimit = 0.5

// EEG band edges in Hz.
var eegBands = struct {
	delta, theta, alpha, beta, gamma [2]float64
}{
	delta: [2]float64{1, 4},
	theta: [2]float64{4, 8},
	alpha: [2]float64{8, 13},
	beta:  [2]float64{13, 30},
	gamma: [2]float64{30, 45},
}

// EEGPipeline turns raw two-channel EEG into filtered signal, spectra,
// band powers and the derived cognitive indices.
type EEGPipeline struct {
	stage

	filter1 *Cascade
	filter2 *Cascade

	ts  []float64
	f1  []float64
	f2  []float64
	lo1 []bool
	lo2 []bool

	leadOffLimit *rate.Limiter
}

// NewEEG builds the EEG pipeline reading from in. notchHz selects the
// mains notch (50 or 60).
func NewEEG(logger zerolog.Logger, b *bus.Bus, in *ring.Chan[sensor.Batch], sink ProcessedSink, notchHz float64) *EEGPipeline {
	p := &EEGPipeline{
		filter1:      NewBandPass(sensor.RateEEG, 1, 45, notchHz),
		filter2:      NewBandPass(sensor.RateEEG, 1, 45, notchHz),
		leadOffLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	p.stage = newStage(sensor.KindEEG, logger, b, in, sink)
	p.stage.ingest = p.ingest
	p.stage.compute = p.compute
	return p
}

func (p *EEGPipeline) ingest(b sensor.Batch) {
	for _, s := range b.EEG {
		p.ts = append(p.ts, s.Timestamp)
		p.f1 = append(p.f1, p.filter1.Process(s.Ch1))
		p.f2 = append(p.f2, p.filter2.Process(s.Ch2))
		p.lo1 = append(p.lo1, s.LeadOffCh1)
		p.lo2 = append(p.lo2, s.LeadOffCh2)
	}
	p.ts = keepTail(p.ts, eegWindowSamples)
	p.f1 = keepTail(p.f1, eegWindowSamples)
	p.f2 = keepTail(p.f2, eegWindowSamples)
	p.lo1 = keepTail(p.lo1, eegWindowSamples)
	p.lo2 = keepTail(p.lo2, eegWindowSamples)
}

func (p *EEGPipeline) compute() (Frame, bool) {
	if len(p.ts) < eegWindowSamples {
		return nil, false
	}

	frame := &EEGFrame{Timestamp: p.ts[len(p.ts)-1]}

	bad1 := leadOffFraction(p.lo1) > leadOffWindowLimit
	bad2 := leadOffFraction(p.lo2) > leadOffWindowLimit

	hopStart := len(p.ts) - eegHopSamples
	frame.Ch1Filtered = append([]float64(nil), p.f1[hopStart:]...)
	frame.Ch2Filtered = append([]float64(nil), p.f2[hopStart:]...)
	frame.Ch1SQI = sampleSQI(p.f1[hopStart:], p.lo1[hopStart:])
	frame.Ch2SQI = sampleSQI(p.f2[hopStart:], p.lo2[hopStart:])

	var bp1, bp2 *BandPowers
	if !bad1 {
		freqs, psd := WelchPSD(p.f1, sensor.RateEEG, welchSegmentEEG)
		frame.Frequencies = freqs
		frame.Ch1Power = psd
		bp1 = bandPowersOf(freqs, psd)
	}
	if !bad2 {
		freqs, psd := WelchPSD(p.f2, sensor.RateEEG, welchSegmentEEG)
		if frame.Frequencies == nil {
			frame.Frequencies = freqs
		}
		frame.Ch2Power = psd
		bp2 = bandPowersOf(freqs, psd)
	}
	frame.Ch1BandPowers = bp1
	frame.Ch2BandPowers = bp2

	p.fillIndices(frame, bp1, bp2)

	if bad1 || bad2 {
		p.reportLeadOff(bad1, bad2)
	}
	return frame, true
}

// fillIndices derives the scalar indices from the channel-averaged band
// powers. A lead-off channel is excluded from the average; with no clean
// channel every index stays null.
func (p *EEGPipeline) fillIndices(frame *EEGFrame, bp1, bp2 *BandPowers) {
	avg := averageBands(bp1, bp2)
	if avg == nil {
		return
	}

	if d := avg.Alpha + avg.Theta; d > 0 {
		frame.FocusIndex = fptr(avg.Beta / d)
		frame.StressIndex = fptr((avg.Beta + avg.Gamma) / d)
	}
	if avg.Beta > 0 {
		frame.RelaxationIndex = fptr(avg.Alpha / avg.Beta)
	}
	if avg.Alpha > 0 {
		frame.CognitiveLoad = fptr(avg.Theta / avg.Alpha)
	}
	if d := avg.Beta + avg.Gamma; d > 0 {
		frame.EmotionalStability = fptr(avg.Alpha / d)
	}
	if bp1 != nil && bp2 != nil {
		if d := bp1.Alpha + bp2.Alpha; d > 0 {
			frame.HemisphericBalance = fptr((bp1.Alpha - bp2.Alpha) / d)
		}
	}
	frame.TotalPower = fptr(avg.Total())
}

func (p *EEGPipeline) reportLeadOff(bad1, bad2 bool) {
	if !p.leadOffLimit.Allow() {
		return
	}
	channels := []string{}
	if bad1 {
		channels = append(channels, "ch1")
	}
	if bad2 {
		channels = append(channels, "ch2")
	}
	p.logger.Warn().Strs("channels", channels).Msg("Electrode lead-off over half of window")
	if data, err := wire.MarshalError(wire.ErrCodeLeadOff,
		"electrode contact lost for most of the window",
		map[string]any{"channels": channels}); err == nil {
		p.bus.Publish(bus.EventTopic("error."+wire.ErrCodeLeadOff), data)
	}
}

func leadOffFraction(lo []bool) float64 {
	if len(lo) == 0 {
		return 0
	}
	n := 0
	for _, v := range lo {
		if v {
			n++
		}
	}
	return float64(n) / float64(len(lo))
}

// sampleSQI scores each sample in [0,1]: full credit inside the clean
// amplitude envelope, linear falloff to zero at the artifact bound, and
// zero whenever the electrode was off.
func sampleSQI(filtered []float64, leadoff []bool) []float64 {
	out := make([]float64, len(filtered))
	for i, v := range filtered {
		if leadoff[i] {
			continue
		}
		a := math.Abs(v)
		switch {
		case a <= eegAmpGood:
			out[i] = 1
		case a >= eegAmpBad:
			out[i] = 0
		default:
			out[i] = 1 - (a-eegAmpGood)/(eegAmpBad-eegAmpGood)
		}
	}
	return out
}

func bandPowersOf(freqs, psd []float64) *BandPowers {
	if freqs == nil {
		return nil
	}
	return &BandPowers{
		Delta: BandPower(freqs, psd, eegBands.delta[0], eegBands.delta[1]),
		Theta: BandPower(freqs, psd, eegBands.theta[0], eegBands.theta[1]),
		Alpha: BandPower(freqs, psd, eegBands.alpha[0], eegBands.alpha[1]),
		Beta:  BandPower(freqs, psd, eegBands.beta[0], eegBands.beta[1]),
		Gamma: BandPower(freqs, psd, eegBands.gamma[0], eegBands.gamma[1]),
	}
}

func averageBands(bp1, bp2 *BandPowers) *BandPowers {
	switch {
	case bp1 != nil && bp2 != nil:
		return &BandPowers{
			Delta: (bp1.Delta + bp2.Delta) / 2,
			Theta: (bp1.Theta + bp2.Theta) / 2,
			Alpha: (bp1.Alpha + bp2.Alpha) / 2,
			Beta:  (bp1.Beta + bp2.Beta) / 2,
			Gamma: (bp1.Gamma + bp2.Gamma) / 2,
		}
	case bp1 != nil:
		return bp1
	case bp2 != nil:
		return bp2
	}
	return nil
}
