package ble

import (
	"errors"
	"fmt"
	"time"

	"github.com/lxbio/linkbandd/internal/sensor"
)

// Vendor notification packet layout, little-endian:
//
//	offset 0  uint8   n      declared sample count
//	offset 1  uint32  ticks  device clock, 1/32768 s units, wraps at 2^32
//	offset 5  n records
//
// Record sizes: EEG 7 bytes (status + 2×int24), PPG 6 bytes (2×int24),
// ACC 6 bytes (3×int16). A length mismatch drops the whole packet.
const (
	headerLen = 5

	eegRecLen = 7
	ppgRecLen = 6
	accRecLen = 6

	// EEG status byte: bit0 = lead-off ch1, bit1 = lead-off ch2.
	leadOffCh1Bit = 0x01
	leadOffCh2Bit = 0x02

	// ADC scaling.
	eegLSBMicrovolt = 0.4
	accLSBg         = 1.0 / 1024
)

// ErrMalformed marks packets whose declared length disagrees with the
// byte count. They are dropped and counted, never propagated.
var ErrMalformed = errors.New("malformed packet")

func recordLen(kind sensor.Kind) int {
	switch kind {
	case sensor.KindEEG:
		return eegRecLen
	case sensor.KindPPG:
		return ppgRecLen
	case sensor.KindACC:
		return accRecLen
	}
	return 0
}

// decoder expands notification packets into timestamped batches. It keeps
// the last host timestamp per kind so emitted timestamps are monotone
// non-decreasing even if the host clock steps backwards.
//
// Samples inside one packet are spaced backwards from the receive time at
// the kind's nominal interval, so downstream windows see realistic
// per-sample spacing instead of packet-rate steps.
type decoder struct {
	lastHost map[sensor.Kind]float64
}

func newDecoder() *decoder {
	return &decoder{lastHost: make(map[sensor.Kind]float64)}
}

// Decode parses one notification payload for kind received at now.
func (d *decoder) Decode(kind sensor.Kind, data []byte, now time.Time) (sensor.Batch, error) {
	rec := recordLen(kind)
	if rec == 0 {
		return sensor.Batch{}, fmt.Errorf("%w: kind %s carries no packets", ErrMalformed, kind)
	}
	if len(data) < headerLen {
		return sensor.Batch{}, fmt.Errorf("%w: %d bytes, need %d header bytes", ErrMalformed, len(data), headerLen)
	}

	n := int(data[0])
	if n == 0 || len(data) != headerLen+n*rec {
		return sensor.Batch{}, fmt.Errorf("%w: declared %d %s records, got %d payload bytes",
			ErrMalformed, n, kind, len(data)-headerLen)
	}

	batch := sensor.Batch{
		Kind:  kind,
		At:    now,
		Ticks: uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16 | uint32(data[4])<<24,
	}

	ts := d.timestamps(kind, n, now)
	body := data[headerLen:]

	switch kind {
	case sensor.KindEEG:
		batch.EEG = make([]sensor.EEGSample, n)
		for i := 0; i < n; i++ {
			r := body[i*eegRecLen:]
			batch.EEG[i] = sensor.EEGSample{
				Timestamp:  ts[i],
				Ch1:        float64(int24(r[1:])) * eegLSBMicrovolt,
				Ch2:        float64(int24(r[4:])) * eegLSBMicrovolt,
				LeadOffCh1: r[0]&leadOffCh1Bit != 0,
				LeadOffCh2: r[0]&leadOffCh2Bit != 0,
			}
		}
	case sensor.KindPPG:
		batch.PPG = make([]sensor.PPGSample, n)
		for i := 0; i < n; i++ {
			r := body[i*ppgRecLen:]
			batch.PPG[i] = sensor.PPGSample{
				Timestamp: ts[i],
				Red:       int24(r[0:]),
				IR:        int24(r[3:]),
			}
		}
	case sensor.KindACC:
		batch.ACC = make([]sensor.ACCSample, n)
		for i := 0; i < n; i++ {
			r := body[i*accRecLen:]
			batch.ACC[i] = sensor.ACCSample{
				Timestamp: ts[i],
				X:         float64(int16(uint16(r[0])|uint16(r[1])<<8)) * accLSBg,
				Y:         float64(int16(uint16(r[2])|uint16(r[3])<<8)) * accLSBg,
				Z:         float64(int16(uint16(r[4])|uint16(r[5])<<8)) * accLSBg,
			}
		}
	}

	return batch, nil
}

// timestamps spreads n sample times ending at now, clamped so the series
// never goes backwards relative to earlier packets of the same kind.
func (d *decoder) timestamps(kind sensor.Kind, n int, now time.Time) []float64 {
	end := sensor.Wall(now)
	interval := kind.Interval()
	last := d.lastHost[kind]

	ts := make([]float64, n)
	for i := 0; i < n; i++ {
		t := end - float64(n-1-i)*interval
		if t < last {
			t = last
		}
		ts[i] = t
		last = t
	}
	d.lastHost[kind] = last
	return ts
}

// int24 sign-extends a little-endian 24-bit integer.
func int24(b []byte) int32 {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}
