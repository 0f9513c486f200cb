package ble

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lxbio/linkbandd/internal/sensor"
)

// Simulator is a Transport that synthesizes one virtual headband. It
// produces packets in the real vendor wire format at nominal rates, so
// the parser, the pipelines and every downstream guarantee are exercised
// exactly as with hardware. Tests use InduceLinkLoss to drive the
// reconnect machinery.
type Simulator struct {
	logger zerolog.Logger

	name    string
	address string

	mu   sync.Mutex
	conn *simConn
}

// Per-kind packet cadence. Counts match the typical hardware batching:
// EEG 25 samples 10×/s, PPG 10 samples 5×/s, ACC 5 samples 5×/s.
var simPacketPlan = map[sensor.Kind]struct {
	samples int
	period  time.Duration
}{
	sensor.KindEEG: {25, 100 * time.Millisecond},
	sensor.KindPPG: {10, 200 * time.Millisecond},
	sensor.KindACC: {5, 200 * time.Millisecond},
}

// NewSimulator creates a simulator advertising one device named
// <prefix>-SIM.
func NewSimulator(logger zerolog.Logger, namePrefix string) *Simulator {
	return &Simulator{
		logger:  logger.With().Str("component", "sim").Logger(),
		name:    namePrefix + "-SIM",
		address: "C8:F0:9E:00:00:01",
	}
}

// Address returns the simulated device's address, for tests and docs.
func (s *Simulator) Address() string { return s.address }

// Scan reports the one virtual device immediately, then again every
// second until ctx expires, mimicking advertisement re-reports.
func (s *Simulator) Scan(ctx context.Context, found func(Advertisement)) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		found(Advertisement{Name: s.name, Address: s.address, RSSI: -48 - rand.Intn(10)})
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Connect returns a connection to the virtual device. Any other address
// behaves like an absent peripheral.
func (s *Simulator) Connect(ctx context.Context, address string) (Conn, error) {
	if !strings.EqualFold(address, s.address) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
	}

	// A short settle delay keeps connect observably asynchronous.
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, address)
	case <-time.After(50 * time.Millisecond):
	}

	conn := newSimConn(s)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info().Str("address", address).Msg("Simulated device connected")
	return conn, nil
}

// InduceLinkLoss drops the current connection as if the radio link
// failed. No-op when nothing is connected.
func (s *Simulator) InduceLinkLoss() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.linkLoss()
	}
}

type simConn struct {
	sim   *Simulator
	start time.Time

	mu           sync.Mutex
	streams      map[sensor.Kind]context.CancelFunc
	onDisconnect func()
	closed       bool
	wg           sync.WaitGroup

	rng *rand.Rand
}

func newSimConn(s *Simulator) *simConn {
	return &simConn{
		sim:     s,
		start:   time.Now(),
		streams: make(map[sensor.Kind]context.CancelFunc),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BatteryLevel drains from 87% at roughly one percent per ten minutes.
func (c *simConn) BatteryLevel() (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("%w", ErrNotConnected)
	}
	level := 87 - int(time.Since(c.start)/(10*time.Minute))
	if level < 5 {
		level = 5
	}
	return level, nil
}

func (c *simConn) Subscribe(kind sensor.Kind, fn func(packet []byte)) error {
	plan, ok := simPacketPlan[kind]
	if !ok {
		return fmt.Errorf("no %s characteristic on this device", kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w", ErrNotConnected)
	}
	if _, exists := c.streams[kind]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.streams[kind] = cancel
	c.wg.Add(1)
	go c.stream(ctx, kind, plan.samples, plan.period, fn)
	return nil
}

func (c *simConn) Unsubscribe(kind sensor.Kind) error {
	c.mu.Lock()
	cancel := c.streams[kind]
	delete(c.streams, kind)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *simConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *simConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onDisconnect = nil
	for _, cancel := range c.streams {
		cancel()
	}
	c.streams = make(map[sensor.Kind]context.CancelFunc)
	c.mu.Unlock()

	c.wg.Wait()

	c.sim.mu.Lock()
	if c.sim.conn == c {
		c.sim.conn = nil
	}
	c.sim.mu.Unlock()
	return nil
}

// linkLoss closes the connection and fires the disconnect callback.
func (c *simConn) linkLoss() {
	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()

	_ = c.Close()
	if fn != nil {
		fn()
	}
}

// stream emits packets for one kind until cancelled.
func (c *simConn) stream(ctx context.Context, kind sensor.Kind, samples int, period time.Duration, fn func(packet []byte)) {
	defer c.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(c.buildPacket(kind, samples, seq))
			seq += samples
		}
	}
}

// Device clock unit: 1/32768 s since connect, wrapping at 2^32.
func (c *simConn) ticks() uint32 {
	return uint32(time.Since(c.start).Seconds() * 32768)
}

// buildPacket synthesizes one notification. EEG is a 10 Hz alpha rhythm
// plus noise, PPG a 72 bpm pulse train, ACC gravity plus jitter.
func (c *simConn) buildPacket(kind sensor.Kind, n, seq int) []byte {
	rec := recordLen(kind)
	pkt := make([]byte, headerLen, headerLen+n*rec)
	pkt[0] = byte(n)
	ticks := c.ticks()
	pkt[1] = byte(ticks)
	pkt[2] = byte(ticks >> 8)
	pkt[3] = byte(ticks >> 16)
	pkt[4] = byte(ticks >> 24)

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < n; i++ {
		t := float64(seq+i) / kind.NominalRate()
		switch kind {
		case sensor.KindEEG:
			alpha := 20 * math.Sin(2*math.Pi*10*t)
			ch1 := alpha + 5*c.rng.NormFloat64()
			ch2 := 0.8*alpha + 5*c.rng.NormFloat64()
			pkt = append(pkt, 0) // both electrodes on
			pkt = appendInt24(pkt, int32(ch1/eegLSBMicrovolt))
			pkt = appendInt24(pkt, int32(ch2/eegLSBMicrovolt))
		case sensor.KindPPG:
			pulse := ppgWave(2 * math.Pi * 1.2 * t)
			red := 52000 + int32(1500*pulse) + int32(50*c.rng.NormFloat64())
			ir := 98000 + int32(4000*pulse) + int32(80*c.rng.NormFloat64())
			pkt = appendInt24(pkt, red)
			pkt = appendInt24(pkt, ir)
		case sensor.KindACC:
			x := int16(0.02 * c.rng.NormFloat64() * 1024)
			y := int16(0.02 * c.rng.NormFloat64() * 1024)
			z := int16(1024 + 0.02*c.rng.NormFloat64()*1024)
			pkt = appendInt16(pkt, x)
			pkt = appendInt16(pkt, y)
			pkt = appendInt16(pkt, z)
		}
	}
	return pkt
}

// ppgWave shapes a cardiac-looking pulse: a sharp systolic peak with a
// smaller dicrotic bump, periodic in phase.
func ppgWave(phase float64) float64 {
	p := math.Mod(phase, 2*math.Pi)
	return math.Exp(-8*math.Pow(p-0.9, 2)) + 0.35*math.Exp(-6*math.Pow(p-2.2, 2))
}

func appendInt24(b []byte, v int32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16))
}

func appendInt16(b []byte, v int16) []byte {
	return append(b, byte(v), byte(uint16(v)>>8))
}
