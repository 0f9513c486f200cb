// Package sensor defines the sensor kinds the headband streams and the
// sample types every other component exchanges. EEG, PPG and ACC are
// periodic streams with fixed nominal rates; battery reports on change.
package sensor

import "fmt"

// Kind identifies one sensor stream.
type Kind string

const (
	KindEEG Kind = "eeg"
	KindPPG Kind = "ppg"
	KindACC Kind = "acc"
	KindBAT Kind = "bat"
)

// Nominal sample rates in Hz. Battery is on-change with a 1 Hz floor.
const (
	RateEEG = 250.0
	RatePPG = 50.0
	RateACC = 25.0
	RateBAT = 1.0
)

// ParseKind converts a wire/config string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindEEG, KindPPG, KindACC, KindBAT:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown sensor kind %q", s)
}

// NominalRate returns the expected sample rate in Hz.
func (k Kind) NominalRate() float64 {
	switch k {
	case KindEEG:
		return RateEEG
	case KindPPG:
		return RatePPG
	case KindACC:
		return RateACC
	case KindBAT:
		return RateBAT
	}
	return 0
}

// Interval returns the nominal inter-sample spacing in seconds.
func (k Kind) Interval() float64 {
	r := k.NominalRate()
	if r <= 0 {
		return 0
	}
	return 1 / r
}

func (k Kind) String() string { return string(k) }

// Periodic reports whether the kind is a fixed-rate stream. Battery is
// on-change and excluded from rate monitoring and stall detection.
func (k Kind) Periodic() bool {
	return k == KindEEG || k == KindPPG || k == KindACC
}

// AllKinds lists every sensor kind in a stable order.
func AllKinds() []Kind {
	return []Kind{KindEEG, KindPPG, KindACC, KindBAT}
}

// StreamKinds lists the periodic kinds in a stable order.
func StreamKinds() []Kind {
	return []Kind{KindEEG, KindPPG, KindACC}
}
