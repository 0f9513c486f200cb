package pipeline

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/ring"
	"github.com/lxbio/linkbandd/internal/sensor"
)

// PPG windowing: 60 s sliding window, 1 s hop, at the 50 Hz nominal rate.
// HRV output is withheld until the window is full and holds at least
// minBeats detected pulses.
const (
	ppgWindowSeconds = 60
	ppgWindowSamples = int(ppgWindowSeconds * sensor.RatePPG)
	ppgHopSamples    = int(sensor.RatePPG)
	minBeats         = 20
)

// Peak detection bounds: refractory distance caps heart rate at 180 bpm,
// and RR intervals outside 0.3-2.0 s (30-200 bpm) are discarded as
// detection artifacts.
const (
	minPeakDistanceSec = 0.33
	rrMinSec           = 0.3
	rrMaxSec           = 2.0
)

// Spectral HRV bands in Hz, computed on the RR tachogram resampled at
// tachogramRate.
const (
	lfLow, lfHigh = 0.04, 0.15
	hfLow, hfHigh = 0.15, 0.40
	tachogramRate = 4.0
)

// PPGPipeline extracts pulse rate and heart-rate variability from the
// infrared photoplethysmogram.
type PPGPipeline struct {
	stage

	filter *Cascade

	ts []float64
	ir []float64 // band-passed IR channel
}

// NewPPG builds the PPG pipeline reading from in.
func NewPPG(logger zerolog.Logger, b *bus.Bus, in *ring.Chan[sensor.Batch], sink ProcessedSink) *PPGPipeline {
	p := &PPGPipeline{
		filter: NewBandPass(sensor.RatePPG, 0.5, 8, 0),
	}
	p.stage = newStage(sensor.KindPPG, logger, b, in, sink)
	p.stage.ingest = p.ingest
	p.stage.compute = p.compute
	return p
}

func (p *PPGPipeline) ingest(b sensor.Batch) {
	for _, s := range b.PPG {
		p.ts = append(p.ts, s.Timestamp)
		p.ir = append(p.ir, p.filter.Process(float64(s.IR)))
	}
	p.ts = keepTail(p.ts, ppgWindowSamples)
	p.ir = keepTail(p.ir, ppgWindowSamples)
}

func (p *PPGPipeline) compute() (Frame, bool) {
	// Nothing is emitted until the first full window has accumulated.
	if len(p.ts) < ppgWindowSamples {
		return nil, false
	}

	frame := &PPGFrame{Timestamp: p.ts[len(p.ts)-1]}

	hopStart := len(p.ir) - ppgHopSamples
	frame.FilteredPPG = append([]float64(nil), p.ir[hopStart:]...)
	frame.PPGSQI = ppgSQI(p.ir, hopStart)

	// HRV gate: enough detected beats, else the metrics stay null.
	minPeakDistance := float64(minPeakDistanceSec * sensor.RatePPG)
	peaks := detectPeaks(p.ir, int(minPeakDistance))
	if len(peaks) < minBeats {
		return frame, true
	}

	beatTimes, rrSec := rrIntervals(p.ts, peaks)
	if len(rrSec) < 2 {
		return frame, true
	}

	frame.BPM = fptr(medianBPM(rrSec))

	rrMs := make([]float64, len(rrSec))
	for i, v := range rrSec {
		rrMs[i] = v * 1000
	}
	frame.SDNN = fptr(stddev(rrMs))

	diffs := make([]float64, len(rrMs)-1)
	nn50 := 0
	var sumSq float64
	for i := 1; i < len(rrMs); i++ {
		d := rrMs[i] - rrMs[i-1]
		diffs[i-1] = d
		sumSq += d * d
		if math.Abs(d) > 50 {
			nn50++
		}
	}
	frame.RMSSD = fptr(math.Sqrt(sumSq / float64(len(diffs))))
	frame.SDSD = fptr(stddev(diffs))
	frame.PNN50 = fptr(100 * float64(nn50) / float64(len(diffs)))

	lf, hf := rrSpectralPowers(beatTimes, rrMs)
	if lf != nil && hf != nil {
		frame.LF = lf
		frame.HF = hf
		if *hf > 0 {
			frame.LFHFRatio = fptr(*lf / *hf)
		}
	}

	return frame, true
}

// ppgSQI scores the hop's samples against the window's amplitude
// distribution: within 2σ scores 1, past 4σ scores 0.
func ppgSQI(window []float64, hopStart int) []float64 {
	sd := stddev(window)
	out := make([]float64, len(window)-hopStart)
	if sd == 0 {
		return out
	}
	for i, v := range window[hopStart:] {
		z := math.Abs(v) / sd
		switch {
		case z <= 2:
			out[i] = 1
		case z >= 4:
			out[i] = 0
		default:
			out[i] = 1 - (z-2)/2
		}
	}
	return out
}

// detectPeaks finds local maxima above half the window's standard
// deviation, enforcing a refractory distance. When two candidates fall
// inside the refractory span the taller one wins.
func detectPeaks(sig []float64, minDist int) []int {
	if len(sig) < 3 {
		return nil
	}
	thr := 0.5 * stddev(sig)

	var peaks []int
	for i := 1; i < len(sig)-1; i++ {
		if sig[i] <= thr || sig[i] < sig[i-1] || sig[i] <= sig[i+1] {
			continue
		}
		if n := len(peaks); n > 0 && i-peaks[n-1] < minDist {
			if sig[i] > sig[peaks[n-1]] {
				peaks[n-1] = i
			}
			continue
		}
		peaks = append(peaks, i)
	}
	return peaks
}

// rrIntervals converts peak indices into beat timestamps and plausible
// RR intervals in seconds.
func rrIntervals(ts []float64, peaks []int) (beatTimes, rrSec []float64) {
	for i := 1; i < len(peaks); i++ {
		rr := ts[peaks[i]] - ts[peaks[i-1]]
		if rr < rrMinSec || rr > rrMaxSec {
			continue
		}
		beatTimes = append(beatTimes, ts[peaks[i]])
		rrSec = append(rrSec, rr)
	}
	return beatTimes, rrSec
}

func medianBPM(rrSec []float64) float64 {
	rates := make([]float64, len(rrSec))
	for i, rr := range rrSec {
		rates[i] = 60 / rr
	}
	sort.Float64s(rates)
	n := len(rates)
	if n%2 == 1 {
		return rates[n/2]
	}
	return (rates[n/2-1] + rates[n/2]) / 2
}

// rrSpectralPowers resamples the RR tachogram to a uniform grid and
// integrates its Welch spectrum over the LF and HF bands. Returns nils
// when the tachogram is too short for one spectral segment.
func rrSpectralPowers(beatTimes, rrMs []float64) (lf, hf *float64) {
	if len(beatTimes) < 2 {
		return nil, nil
	}
	span := beatTimes[len(beatTimes)-1] - beatTimes[0]
	n := int(span * tachogramRate)
	if n < welchSegmentRR {
		return nil, nil
	}

	// Linear interpolation onto the uniform grid.
	uniform := make([]float64, n)
	j := 0
	for i := 0; i < n; i++ {
		t := beatTimes[0] + float64(i)/tachogramRate
		for j < len(beatTimes)-2 && beatTimes[j+1] < t {
			j++
		}
		t0, t1 := beatTimes[j], beatTimes[j+1]
		v0, v1 := rrMs[j], rrMs[j+1]
		if t1 == t0 {
			uniform[i] = v0
			continue
		}
		frac := (t - t0) / (t1 - t0)
		if frac < 0 {
			frac = 0
		} else if frac > 1 {
			frac = 1
		}
		uniform[i] = v0 + frac*(v1-v0)
	}

	freqs, psd := WelchPSD(uniform, tachogramRate, welchSegmentRR)
	if freqs == nil {
		return nil, nil
	}
	return fptr(BandPower(freqs, psd, lfLow, lfHigh)), fptr(BandPower(freqs, psd, hfLow, hfHigh))
}

func stddev(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var mean float64
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	var ss float64
	for _, x := range v {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(v)))
}
