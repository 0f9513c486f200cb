package pipeline

import "math"

// Biquad is a direct-form-II-transposed second order IIR section. The
// coefficient design follows the Audio EQ Cookbook (RBJ) formulas, which
// is plenty for biosignal band-limiting.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

// Process filters one sample.
func (f *Biquad) Process(x float64) float64 {
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}

// Reset clears filter state.
func (f *Biquad) Reset() {
	f.z1, f.z2 = 0, 0
}

// butterQ is the Q of a single second order Butterworth section.
const butterQ = 0.7071067811865476

// NewLowPass designs a low-pass biquad at cutoff Hz.
func NewLowPass(fs, cutoff, q float64) *Biquad {
	w0 := 2 * math.Pi * cutoff / fs
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	b0 := (1 - cosW0) / 2
	b1 := 1 - cosW0
	b2 := (1 - cosW0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	return &Biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// NewHighPass designs a high-pass biquad at cutoff Hz.
func NewHighPass(fs, cutoff, q float64) *Biquad {
	w0 := 2 * math.Pi * cutoff / fs
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	b0 := (1 + cosW0) / 2
	b1 := -(1 + cosW0)
	b2 := (1 + cosW0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	return &Biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// NewNotch designs a notch biquad centered on freq Hz with the given Q.
// Mains suppression uses Q=30, about a 2 Hz stop width at 60 Hz.
func NewNotch(fs, freq, q float64) *Biquad {
	w0 := 2 * math.Pi * freq / fs
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	b0 := 1.0
	b1 := -2 * cosW0
	b2 := 1.0
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	return &Biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// Cascade chains biquad sections; state persists across calls so a
// cascade filters a continuous stream, not isolated windows.
type Cascade struct {
	sections []*Biquad
}

// NewCascade builds a cascade from the given sections.
func NewCascade(sections ...*Biquad) *Cascade {
	return &Cascade{sections: sections}
}

// NewBandPass builds a fourth order Butterworth band-pass as two
// high-pass and two low-pass sections, optionally followed by a notch
// (notchHz = 0 disables it).
func NewBandPass(fs, low, high, notchHz float64) *Cascade {
	sections := []*Biquad{
		NewHighPass(fs, low, butterQ),
		NewHighPass(fs, low, butterQ),
		NewLowPass(fs, high, butterQ),
		NewLowPass(fs, high, butterQ),
	}
	if notchHz > 0 {
		sections = append(sections, NewNotch(fs, notchHz, 30))
	}
	return &Cascade{sections: sections}
}

// Process filters one sample through every section.
func (c *Cascade) Process(x float64) float64 {
	for _, s := range c.sections {
		x = s.Process(x)
	}
	return x
}

// Reset clears the state of every section.
func (c *Cascade) Reset() {
	for _, s := range c.sections {
		s.Reset()
	}
}
