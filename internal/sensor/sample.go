package sensor

import "time"

// EEGSample is one two-channel EEG reading in microvolts. Lead-off flags
// come from the electrode contact bits in the frame status byte.
type EEGSample struct {
	Timestamp  float64 `json:"timestamp"`
	Ch1        float64 `json:"ch1"`
	Ch2        float64 `json:"ch2"`
	LeadOffCh1 bool    `json:"leadoff_ch1"`
	LeadOffCh2 bool    `json:"leadoff_ch2"`
}

// PPGSample is one photoplethysmogram reading, raw ADC counts for the
// red and infrared channels.
type PPGSample struct {
	Timestamp float64 `json:"timestamp"`
	Red       int32   `json:"red"`
	IR        int32   `json:"ir"`
}

// ACCSample is one accelerometer reading in g.
type ACCSample struct {
	Timestamp float64 `json:"timestamp"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
}

// BatterySample is a battery state report. Level is percent 0-100.
type BatterySample struct {
	Timestamp float64 `json:"timestamp"`
	Level     int     `json:"level"`
	VoltageMV int     `json:"voltage_mv,omitempty"`
	Charging  bool    `json:"charging,omitempty"`
}

// Batch carries the decoded samples of one BLE notification. Exactly one
// of the per-kind slices (or Bat) is populated, matching Kind.
//
// At is the host receive time and carries the monotonic clock; stall
// detection and ordering use it, never the device tick. Ticks is the raw
// 32.768 kHz device counter from the frame header and wraps at 2^32.
type Batch struct {
	Kind  Kind
	At    time.Time
	Ticks uint32

	EEG []EEGSample
	PPG []PPGSample
	ACC []ACCSample
	Bat *BatterySample
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	switch b.Kind {
	case KindEEG:
		return len(b.EEG)
	case KindPPG:
		return len(b.PPG)
	case KindACC:
		return len(b.ACC)
	case KindBAT:
		if b.Bat != nil {
			return 1
		}
	}
	return 0
}

// Wall converts a time to the float64 unix-seconds representation used in
// envelopes and recorded files.
func Wall(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
