package router

import (
	"math"
	"sync/atomic"

	"github.com/lxbio/linkbandd/internal/sensor"
)

// rateMeter tracks one sensor's sample rate as an EWMA with a one second
// time constant. Samples are counted by the ingest path; the router's
// ticker folds the count into the rate every tick. Reads are lock-free.
type rateMeter struct {
	kind    sensor.Kind
	samples atomic.Int64  // samples since last tick
	rate    atomic.Uint64 // math.Float64bits of the smoothed rate
}

// tickSeconds is the meter update interval; alpha = tick / 1 s window.
const (
	tickSeconds = 0.25
	alpha       = tickSeconds / 1.0
)

func newRateMeter(kind sensor.Kind) *rateMeter {
	return &rateMeter{kind: kind}
}

// add counts n samples toward the next tick.
func (m *rateMeter) add(n int) {
	m.samples.Add(int64(n))
}

// tick folds the interval's sample count into the EWMA and returns the
// new rate in Hz.
func (m *rateMeter) tick() float64 {
	inst := float64(m.samples.Swap(0)) / tickSeconds
	prev := math.Float64frombits(m.rate.Load())
	next := alpha*inst + (1-alpha)*prev
	m.rate.Store(math.Float64bits(next))
	return next
}

// Rate returns the current smoothed rate in Hz.
func (m *rateMeter) Rate() float64 {
	return math.Float64frombits(m.rate.Load())
}

// reset zeroes the meter, used when streaming stops.
func (m *rateMeter) reset() {
	m.samples.Store(0)
	m.rate.Store(math.Float64bits(0))
}
