package pipeline

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/ring"
	"github.com/lxbio/linkbandd/internal/sensor"
)

// ACC windowing: 4 s sliding window, 1 s hop, at the 25 Hz nominal rate.
const (
	accWindowSeconds = 4
	accWindowSamples = int(accWindowSeconds * sensor.RateACC)
)

// Activity thresholds on the window's mean magnitude in g. A resting
// device reads ~1 g from gravity alone. Boundary values classify upward:
// exactly 1.1 is light, 1.5 moderate, 2.0 vigorous.
const (
	thresholdLight    = 1.1
	thresholdModerate = 1.5
	thresholdVigorous = 2.0
)

// ACCPipeline reduces accelerometer windows to movement statistics and
// an activity class.
type ACCPipeline struct {
	stage

	ts  []float64
	mag []float64
}

// NewACC builds the ACC pipeline reading from in.
func NewACC(logger zerolog.Logger, b *bus.Bus, in *ring.Chan[sensor.Batch], sink ProcessedSink) *ACCPipeline {
	p := &ACCPipeline{}
	p.stage = newStage(sensor.KindACC, logger, b, in, sink)
	p.stage.ingest = p.ingest
	p.stage.compute = p.compute
	return p
}

func (p *ACCPipeline) ingest(b sensor.Batch) {
	for _, s := range b.ACC {
		p.ts = append(p.ts, s.Timestamp)
		p.mag = append(p.mag, math.Sqrt(s.X*s.X+s.Y*s.Y+s.Z*s.Z))
	}
	p.ts = keepTail(p.ts, accWindowSamples)
	p.mag = keepTail(p.mag, accWindowSamples)
}

func (p *ACCPipeline) compute() (Frame, bool) {
	if len(p.ts) < accWindowSamples {
		return nil, false
	}

	var sum, maxMag float64
	for _, m := range p.mag {
		sum += m
		if m > maxMag {
			maxMag = m
		}
	}
	avg := sum / float64(len(p.mag))

	return &ACCFrame{
		Timestamp:     p.ts[len(p.ts)-1],
		AvgMovement:   avg,
		StdMovement:   stddev(p.mag),
		MaxMovement:   maxMag,
		ActivityState: ClassifyActivity(avg),
	}, true
}

// ClassifyActivity maps a mean magnitude in g to an activity class.
func ClassifyActivity(m float64) string {
	switch {
	case m < thresholdLight:
		return ActivityStationary
	case m < thresholdModerate:
		return ActivityLight
	case m < thresholdVigorous:
		return ActivityModerate
	default:
		return ActivityVigorous
	}
}
