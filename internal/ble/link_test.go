package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/sensor"
)

// fakeTransport scripts scan results and connections for the state
// machine tests.
type fakeTransport struct {
	mu         sync.Mutex
	advs       []Advertisement
	connectErr error
	batteryErr error
	connects   int
	last       *fakeConn
}

func (t *fakeTransport) Scan(ctx context.Context, found func(Advertisement)) error {
	t.mu.Lock()
	advs := t.advs
	t.mu.Unlock()
	for _, a := range advs {
		found(a)
	}
	<-ctx.Done()
	return nil
}

func (t *fakeTransport) Connect(ctx context.Context, address string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	conn := &fakeConn{battery: 80, batteryErr: t.batteryErr, subs: make(map[sensor.Kind]func([]byte))}
	t.last = conn
	return conn, nil
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

type fakeConn struct {
	battery    int
	batteryErr error

	mu     sync.Mutex
	subs   map[sensor.Kind]func([]byte)
	onDisc func()
	closed bool
}

func (c *fakeConn) BatteryLevel() (int, error) {
	if c.batteryErr != nil {
		return 0, c.batteryErr
	}
	return c.battery, nil
}

func (c *fakeConn) Subscribe(kind sensor.Kind, fn func(packet []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[kind] = fn
	return nil
}

func (c *fakeConn) Unsubscribe(kind sensor.Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, kind)
	return nil
}

func (c *fakeConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisc = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// dropLink fires the link-loss callback like a radio failure would.
func (c *fakeConn) dropLink() {
	c.mu.Lock()
	fn := c.onDisc
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeConn) notify(kind sensor.Kind, pkt []byte) {
	c.mu.Lock()
	fn := c.subs[kind]
	c.mu.Unlock()
	if fn != nil {
		fn(pkt)
	}
}

func newTestLink(t *testing.T, transport Transport, ingest func(sensor.Batch)) *Link {
	t.Helper()
	if ingest == nil {
		ingest = func(sensor.Batch) {}
	}
	return New(zerolog.Nop(), bus.New(zerolog.Nop()), transport, Config{
		ScanTimeout:    200 * time.Millisecond,
		ConnectTimeout: time.Second,
		ReconnectCap:   2 * time.Second,
		Kinds:          []sensor.Kind{sensor.KindEEG, sensor.KindPPG, sensor.KindACC, sensor.KindBAT},
	}, ingest)
}

func TestScanDeduplicatesByAddress(t *testing.T) {
	ft := &fakeTransport{advs: []Advertisement{
		{Name: "", Address: "AA:BB", RSSI: -60},
		{Name: "LXB-01", Address: "AA:BB", RSSI: -55},
		{Name: "LXB-02", Address: "CC:DD", RSSI: -70},
	}}
	l := newTestLink(t, ft, nil)

	advs, err := l.Scan(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, advs, 2)
	assert.Equal(t, "LXB-01", advs[0].Name) // later report filled the name
	assert.Equal(t, -55, advs[0].RSSI)
	assert.Equal(t, StateIdle, l.Status().State)
}

func TestScanRejectedWhileBusy(t *testing.T) {
	ft := &fakeTransport{}
	l := newTestLink(t, ft, nil)
	require.NoError(t, l.Connect(context.Background(), "AA:BB"))
	defer l.Stop()

	_, err := l.Scan(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestConnectRequiresBatteryRead(t *testing.T) {
	// The transport connects but the battery read fails; the link must
	// tear the connection down and land back in Idle.
	ft := &fakeTransport{batteryErr: errors.New("gatt failure")}
	l := newTestLink(t, ft, nil)

	err := l.Connect(context.Background(), "AA:BB")
	assert.Error(t, err)
	assert.Equal(t, StateIdle, l.Status().State)
	assert.True(t, ft.lastConn().closed)
}

func TestConnectAndStream(t *testing.T) {
	ft := &fakeTransport{}
	var mu sync.Mutex
	var kinds []sensor.Kind
	l := newTestLink(t, ft, func(b sensor.Batch) {
		mu.Lock()
		kinds = append(kinds, b.Kind)
		mu.Unlock()
	})

	require.NoError(t, l.Connect(context.Background(), "AA:BB"))
	defer l.Stop()

	st := l.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, 80, st.BatteryLevel)

	// The battery report is routed like a sample batch.
	mu.Lock()
	assert.Contains(t, kinds, sensor.KindBAT)
	mu.Unlock()

	require.NoError(t, l.StartStream())
	assert.Equal(t, StateStreaming, l.Status().State)
	assert.True(t, l.Status().Streaming)

	// Notifications for every periodic sensor are enabled.
	conn := ft.lastConn()
	conn.mu.Lock()
	assert.Len(t, conn.subs, 3)
	conn.mu.Unlock()

	// A decoded packet reaches the ingest callback.
	conn.notify(sensor.KindPPG, ppgPacket(2))
	mu.Lock()
	assert.Contains(t, kinds, sensor.KindPPG)
	mu.Unlock()

	require.NoError(t, l.StopStream())
	assert.Equal(t, StateConnected, l.Status().State)
}

func TestMalformedPacketsCountedNotIngested(t *testing.T) {
	ft := &fakeTransport{}
	var got int
	var mu sync.Mutex
	l := newTestLink(t, ft, func(b sensor.Batch) {
		if b.Kind == sensor.KindEEG {
			mu.Lock()
			got++
			mu.Unlock()
		}
	})
	require.NoError(t, l.Connect(context.Background(), "AA:BB"))
	defer l.Stop()
	require.NoError(t, l.StartStream())

	ft.lastConn().notify(sensor.KindEEG, []byte{9, 9, 9})

	assert.EqualValues(t, 1, l.Status().FramesMalformed)
	mu.Lock()
	assert.Zero(t, got)
	mu.Unlock()
}

func TestLinkLossWhileStreamingReconnects(t *testing.T) {
	if testing.Short() {
		t.Skip("reconnect backoff is wall-clock paced")
	}

	ft := &fakeTransport{}
	l := newTestLink(t, ft, nil)
	var disconnected bool
	var mu sync.Mutex
	l.SetHooks(Hooks{OnDisconnected: func() {
		mu.Lock()
		disconnected = true
		mu.Unlock()
	}})

	require.NoError(t, l.Connect(context.Background(), "AA:BB"))
	require.NoError(t, l.StartStream())
	defer l.Stop()

	ft.lastConn().dropLink()

	mu.Lock()
	assert.True(t, disconnected)
	mu.Unlock()

	// The reconnect loop retries after ~1 s and lands back in streaming.
	require.Eventually(t, func() bool {
		return l.Status().Streaming
	}, 5*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, ft.connectCount(), 2)
}

func TestExplicitDisconnectSuppressesReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("verifies the absence of reconnect attempts over wall time")
	}

	ft := &fakeTransport{}
	l := newTestLink(t, ft, nil)
	require.NoError(t, l.Connect(context.Background(), "AA:BB"))
	require.NoError(t, l.StartStream())

	require.NoError(t, l.Disconnect())
	assert.Equal(t, StateIdle, l.Status().State)
	before := ft.connectCount()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, before, ft.connectCount())
}

func TestSimulatorEndToEnd(t *testing.T) {
	sim := NewSimulator(zerolog.Nop(), "LXB")
	var mu sync.Mutex
	counts := map[sensor.Kind]int{}
	l := newTestLink(t, sim, func(b sensor.Batch) {
		mu.Lock()
		counts[b.Kind] += b.Len()
		mu.Unlock()
	})

	advs, err := l.Scan(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, advs, 1)
	assert.Equal(t, "LXB-SIM", advs[0].Name)

	require.NoError(t, l.Connect(context.Background(), sim.Address()))
	defer l.Stop()
	require.NoError(t, l.StartStream())

	// Decoded samples from all three periodic sensors arrive at roughly
	// nominal rates.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[sensor.KindEEG] >= 50 && counts[sensor.KindPPG] >= 10 && counts[sensor.KindACC] >= 5
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, l.Disconnect())
}

func TestSimulatorConnectUnknownAddress(t *testing.T) {
	sim := NewSimulator(zerolog.Nop(), "LXB")
	l := newTestLink(t, sim, nil)
	err := l.Connect(context.Background(), "00:00:00:00:00:00")
	assert.Error(t, err)
	assert.Equal(t, StateIdle, l.Status().State)
}
