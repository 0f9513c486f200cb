package pipeline

import (
	"math"
	"math/cmplx"
)

// welchSegmentEEG is the per-segment FFT size used on raw EEG windows.
// At 250 Hz this is ~1 s of signal and a ~0.98 Hz frequency resolution.
// The RR tachogram uses a shorter segment because its series is only a
// few hundred points at 4 Hz.
const (
	welchSegmentEEG = 256
	welchSegmentRR  = 128
)

// fft is an iterative radix-2 Cooley-Tukey transform. len(x) must be a
// power of two.
func fft(x []complex128) []complex128 {
	n := len(x)
	if n <= 1 {
		return x
	}

	// Bit-reversal permutation
	result := make([]complex128, n)
	bits := 0
	for temp := n; temp > 1; temp >>= 1 {
		bits++
	}
	for i := 0; i < n; i++ {
		j := 0
		for k := 0; k < bits; k++ {
			if i&(1<<k) != 0 {
				j |= 1 << (bits - 1 - k)
			}
		}
		result[j] = x[i]
	}

	for size := 2; size <= n; size *= 2 {
		halfSize := size / 2
		tableStep := n / size
		for i := 0; i < n; i += size {
			k := 0
			for j := i; j < i+halfSize; j++ {
				angle := -2 * math.Pi * float64(k) / float64(n)
				w := cmplx.Exp(complex(0, angle))

				t := result[j+halfSize] * w
				result[j+halfSize] = result[j] - t
				result[j] = result[j] + t
				k += tableStep
			}
		}
	}

	return result
}

// hann returns an n-point Hann window and its power sum Σw².
func hann(n int) ([]float64, float64) {
	w := make([]float64, n)
	var powerSum float64
	for i := 0; i < n; i++ {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		powerSum += w[i] * w[i]
	}
	return w, powerSum
}

// WelchPSD estimates the one-sided power spectral density of signal
// sampled at fs Hz, using Hann-windowed segments of segLen samples
// (a power of two) with 50% overlap. It returns the frequency axis
// (0..fs/2) and the PSD in signal-units²/Hz. Signals shorter than one
// segment return nil.
func WelchPSD(signal []float64, fs float64, segLen int) (freqs, psd []float64) {
	n := segLen
	if n < 2 || len(signal) < n {
		return nil, nil
	}
	step := n / 2
	window, powerSum := hann(n)

	nBins := n/2 + 1
	psd = make([]float64, nBins)
	segments := 0

	buf := make([]complex128, n)
	for start := 0; start+n <= len(signal); start += step {
		seg := signal[start : start+n]

		// Remove the segment mean so DC leakage does not swamp the
		// low bands.
		var mean float64
		for _, v := range seg {
			mean += v
		}
		mean /= float64(n)

		for i := 0; i < n; i++ {
			buf[i] = complex((seg[i]-mean)*window[i], 0)
		}

		out := fft(buf)
		for k := 0; k < nBins; k++ {
			mag := cmplx.Abs(out[k])
			p := mag * mag / (fs * powerSum)
			// One-sided spectrum: interior bins carry both halves.
			if k != 0 && k != n/2 {
				p *= 2
			}
			psd[k] += p
		}
		segments++
	}

	for k := range psd {
		psd[k] /= float64(segments)
	}

	freqs = make([]float64, nBins)
	for k := 0; k < nBins; k++ {
		freqs[k] = float64(k) * fs / float64(n)
	}
	return freqs, psd
}

// BandPower integrates a PSD over [lo, hi) Hz.
func BandPower(freqs, psd []float64, lo, hi float64) float64 {
	if len(freqs) < 2 {
		return 0
	}
	df := freqs[1] - freqs[0]
	var sum float64
	for i, f := range freqs {
		if f >= lo && f < hi {
			sum += psd[i] * df
		}
	}
	return sum
}
