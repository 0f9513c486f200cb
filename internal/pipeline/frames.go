package pipeline

import (
	"strconv"

	"github.com/lxbio/linkbandd/internal/sensor"
)

// Frame is one processed window, emitted at most once per second per
// sensor. Frames marshal to the processed_data envelope payload and can
// render themselves as a CSV record for the recorder.
type Frame interface {
	FrameKind() sensor.Kind
	// WindowEnd is the t_host of the window's last sample, unix seconds.
	WindowEnd() float64
	CSVRecord() []string
}

// BandPowers holds absolute EEG band powers in µV². Bands follow the
// clinical convention: delta 1-4, theta 4-8, alpha 8-13, beta 13-30,
// gamma 30-45 Hz.
type BandPowers struct {
	Delta float64 `json:"delta"`
	Theta float64 `json:"theta"`
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// Total sums the five bands.
func (b BandPowers) Total() float64 {
	return b.Delta + b.Theta + b.Alpha + b.Beta + b.Gamma
}

// EEGFrame is the EEG pipeline output. Per-channel fields are nil when
// the channel was lead-off for more than half of the window; scalar
// indices are nil when no clean channel remains.
type EEGFrame struct {
	Timestamp   float64   `json:"timestamp"`
	Ch1Filtered []float64 `json:"ch1_filtered"`
	Ch2Filtered []float64 `json:"ch2_filtered"`
	Ch1SQI      []float64 `json:"ch1_sqi"`
	Ch2SQI      []float64 `json:"ch2_sqi"`

	Frequencies []float64 `json:"frequencies"`
	Ch1Power    []float64 `json:"ch1_power"`
	Ch2Power    []float64 `json:"ch2_power"`

	Ch1BandPowers *BandPowers `json:"ch1_band_powers"`
	Ch2BandPowers *BandPowers `json:"ch2_band_powers"`

	FocusIndex         *float64 `json:"focus_index"`
	RelaxationIndex    *float64 `json:"relaxation_index"`
	StressIndex        *float64 `json:"stress_index"`
	CognitiveLoad      *float64 `json:"cognitive_load"`
	EmotionalStability *float64 `json:"emotional_stability"`
	HemisphericBalance *float64 `json:"hemispheric_balance"`
	TotalPower         *float64 `json:"total_power"`
}

func (f *EEGFrame) FrameKind() sensor.Kind { return sensor.KindEEG }
func (f *EEGFrame) WindowEnd() float64     { return f.Timestamp }

func (f *EEGFrame) CSVRecord() []string {
	return []string{
		formatTS(f.Timestamp),
		formatOpt(f.FocusIndex),
		formatOpt(f.RelaxationIndex),
		formatOpt(f.StressIndex),
		formatOpt(f.CognitiveLoad),
		formatOpt(f.EmotionalStability),
		formatOpt(f.HemisphericBalance),
		formatOpt(f.TotalPower),
	}
}

// PPGFrame is the PPG pipeline output. BPM and the HRV metrics are nil
// until the window holds at least 60 s of signal and 20 detected beats.
type PPGFrame struct {
	Timestamp   float64   `json:"timestamp"`
	FilteredPPG []float64 `json:"filtered_ppg"`
	PPGSQI      []float64 `json:"ppg_sqi"`

	BPM       *float64 `json:"bpm"`
	SDNN      *float64 `json:"sdnn"`
	RMSSD     *float64 `json:"rmssd"`
	PNN50     *float64 `json:"pnn50"`
	SDSD      *float64 `json:"sdsd"`
	LF        *float64 `json:"lf"`
	HF        *float64 `json:"hf"`
	LFHFRatio *float64 `json:"lf_hf_ratio"`
}

func (f *PPGFrame) FrameKind() sensor.Kind { return sensor.KindPPG }
func (f *PPGFrame) WindowEnd() float64     { return f.Timestamp }

func (f *PPGFrame) CSVRecord() []string {
	return []string{
		formatTS(f.Timestamp),
		formatOpt(f.BPM),
		formatOpt(f.SDNN),
		formatOpt(f.RMSSD),
		formatOpt(f.PNN50),
		formatOpt(f.SDSD),
		formatOpt(f.LF),
		formatOpt(f.HF),
		formatOpt(f.LFHFRatio),
	}
}

// Activity classifications for ACCFrame.ActivityState.
const (
	ActivityStationary = "stationary"
	ActivityLight      = "light"
	ActivityModerate   = "moderate"
	ActivityVigorous   = "vigorous"
)

// ACCFrame is the ACC pipeline output. Movement values are magnitude
// statistics in g.
type ACCFrame struct {
	Timestamp     float64 `json:"timestamp"`
	AvgMovement   float64 `json:"avg_movement"`
	StdMovement   float64 `json:"std_movement"`
	MaxMovement   float64 `json:"max_movement"`
	ActivityState string  `json:"activity_state"`
}

func (f *ACCFrame) FrameKind() sensor.Kind { return sensor.KindACC }
func (f *ACCFrame) WindowEnd() float64     { return f.Timestamp }

func (f *ACCFrame) CSVRecord() []string {
	return []string{
		formatTS(f.Timestamp),
		formatFloat(f.AvgMovement),
		formatFloat(f.StdMovement),
		formatFloat(f.MaxMovement),
		f.ActivityState,
	}
}

// ProcessedCSVHeader returns the fixed per-kind header for processed
// files: the timestamp column plus one column per scalar metric.
func ProcessedCSVHeader(kind sensor.Kind) []string {
	switch kind {
	case sensor.KindEEG:
		return []string{"timestamp", "focus_index", "relaxation_index", "stress_index",
			"cognitive_load", "emotional_stability", "hemispheric_balance", "total_power"}
	case sensor.KindPPG:
		return []string{"timestamp", "bpm", "sdnn", "rmssd", "pnn50", "sdsd", "lf", "hf", "lf_hf_ratio"}
	case sensor.KindACC:
		return []string{"timestamp", "avg_movement", "std_movement", "max_movement", "activity_state"}
	}
	return nil
}

func formatTS(t float64) string {
	return strconv.FormatFloat(t, 'f', 6, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// formatOpt renders a nullable metric; null becomes an empty cell.
func formatOpt(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func fptr(v float64) *float64 { return &v }
