package sensor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, name := range []string{"eeg", "ppg", "acc", "bat"} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, name, k.String())
	}
	_, err := ParseKind("emg")
	assert.Error(t, err)
}

func TestNominalRates(t *testing.T) {
	assert.Equal(t, 250.0, KindEEG.NominalRate())
	assert.Equal(t, 50.0, KindPPG.NominalRate())
	assert.Equal(t, 25.0, KindACC.NominalRate())
	assert.InDelta(t, 1.0/250, KindEEG.Interval(), 1e-12)
}

func TestPeriodic(t *testing.T) {
	assert.True(t, KindEEG.Periodic())
	assert.True(t, KindPPG.Periodic())
	assert.True(t, KindACC.Periodic())
	assert.False(t, KindBAT.Periodic())
	assert.Len(t, StreamKinds(), 3)
	assert.Len(t, AllKinds(), 4)
}

func TestBatchLen(t *testing.T) {
	b := Batch{Kind: KindEEG, EEG: make([]EEGSample, 25)}
	assert.Equal(t, 25, b.Len())

	bat := Batch{Kind: KindBAT, Bat: &BatterySample{Level: 90}}
	assert.Equal(t, 1, bat.Len())

	empty := Batch{Kind: KindBAT}
	assert.Equal(t, 0, empty.Len())
}

func TestWall(t *testing.T) {
	at := time.Unix(1700000000, 250_000_000)
	assert.InDelta(t, 1700000000.25, Wall(at), 1e-9)
}
