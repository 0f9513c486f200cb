package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/logging"
	"github.com/lxbio/linkbandd/internal/sensor"
	"github.com/lxbio/linkbandd/internal/wire"
)

// State names the device link's lifecycle position.
type State string

const (
	StateIdle          State = "idle"
	StateScanning      State = "scanning"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateStreaming     State = "streaming"
	StateDisconnecting State = "disconnecting"
)

const (
	// notifyGrace delays notification enable after connect so the first
	// client can attach. Streaming never waits for clients beyond this.
	notifyGrace = time.Second

	// batteryPollInterval paces battery reads while connected.
	batteryPollInterval = 30 * time.Second

	// reconnectBase is the first reconnect delay; it doubles per attempt
	// up to the configured cap.
	reconnectBase = time.Second
)

// Config carries the link's timeouts and sensor subset.
type Config struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	ReconnectCap   time.Duration
	// Kinds is the configured sensor subset to stream.
	Kinds []sensor.Kind
}

// Hooks are the link's outward notifications, set once during wiring.
type Hooks struct {
	// OnStreaming fires when streaming starts (true) or stops (false).
	OnStreaming func(active bool)
	// OnDisconnected fires after the device link drops, explicit or not.
	// The recorder aborts an active session here.
	OnDisconnected func()
}

// Status is a point-in-time snapshot of the link.
type Status struct {
	State             State  `json:"state"`
	Connected         bool   `json:"connected"`
	Streaming         bool   `json:"streaming"`
	Address           string `json:"address,omitempty"`
	Name              string `json:"name,omitempty"`
	BatteryLevel      int    `json:"battery_level"` // -1 when unknown
	ReconnectAttempts int    `json:"reconnect_attempts"`
	FramesMalformed   int64  `json:"frames_malformed"`
}

// Link is the device link: it owns the transport connection, decodes
// notifications and drives the reconnect machine. At most one device is
// connected at any moment.
type Link struct {
	logger    zerolog.Logger
	bus       *bus.Bus
	transport Transport
	cfg       Config
	hooks     Hooks
	ingest    func(sensor.Batch)

	mu        sync.Mutex
	state     State
	conn      Conn
	dev       Advertisement
	dec       *decoder
	battery   int
	explicit  bool // explicit disconnect in progress; suppresses reconnect
	attempts  int
	reconnect context.CancelFunc
	batStop   context.CancelFunc

	frameErrs    atomic.Int64
	errSec       atomic.Int64 // unix second of the current error bucket
	errSecCount  atomic.Int64
	frameAlerter *rate.Limiter

	wg sync.WaitGroup
}

// New creates the link. ingest receives every decoded batch and must not
// block (the router's Ingest already guarantees that).
func New(logger zerolog.Logger, b *bus.Bus, transport Transport, cfg Config, ingest func(sensor.Batch)) *Link {
	return &Link{
		logger:       logger.With().Str("component", "device_link").Logger(),
		bus:          b,
		transport:    transport,
		cfg:          cfg,
		ingest:       ingest,
		state:        StateIdle,
		battery:      -1,
		frameAlerter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// SetHooks wires the outward notifications. Call before any Connect.
func (l *Link) SetHooks(h Hooks) { l.hooks = h }

// Status snapshots the link for monitoring and the HTTP status surface.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:             l.state,
		Connected:         l.state == StateConnected || l.state == StateStreaming,
		Streaming:         l.state == StateStreaming,
		Address:           l.dev.Address,
		Name:              l.dev.Name,
		BatteryLevel:      l.battery,
		ReconnectAttempts: l.attempts,
		FramesMalformed:   l.frameErrs.Load(),
	}
}

// Scan discovers devices for at most duration, deduplicated by address.
// Only an idle link may scan.
func (l *Link) Scan(ctx context.Context, duration time.Duration) ([]Advertisement, error) {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot scan while %s", ErrBusy, l.state)
	}
	l.state = StateScanning
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.state == StateScanning {
			l.state = StateIdle
		}
		l.mu.Unlock()
	}()

	if duration <= 0 || duration > l.cfg.ScanTimeout {
		duration = l.cfg.ScanTimeout
	}
	l.publishEvent(wire.EventDeviceScanning, map[string]any{"duration_s": duration.Seconds()})

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int) // address -> index into out
	var out []Advertisement

	err := l.transport.Scan(scanCtx, func(adv Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		if i, ok := seen[adv.Address]; ok {
			out[i].RSSI = adv.RSSI
			if adv.Name != "" {
				out[i].Name = adv.Name
			}
			return
		}
		seen[adv.Address] = len(out)
		out = append(out, adv)
	})
	if err != nil && scanCtx.Err() == nil {
		l.publishError(wire.ErrCodeScanFailed, err.Error(), nil)
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	l.logger.Info().Int("devices", len(out)).Msg("Scan finished")
	return out, nil
}

// Connect establishes the link and starts streaming the configured
// sensor subset. It is synchronous and bounded by the connect timeout.
func (l *Link) Connect(ctx context.Context, address string) error {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return fmt.Errorf("%w: cannot connect while %s", ErrBusy, l.state)
	}
	l.state = StateConnecting
	l.explicit = false
	l.attempts = 0
	l.mu.Unlock()

	if err := l.connect(ctx, address); err != nil {
		l.mu.Lock()
		l.state = StateIdle
		l.mu.Unlock()
		return err
	}
	return nil
}

// connect performs one connection attempt and, on success, moves the
// link through Connected into Streaming. Caller owns the Connecting
// state on entry.
func (l *Link) connect(ctx context.Context, address string) error {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.transport.Connect(cctx, address)
	if err != nil {
		code := wire.ErrCodeConnectFailed
		if cctx.Err() == context.DeadlineExceeded {
			code = wire.ErrCodeDeviceTimeout
		}
		l.publishError(code, err.Error(), map[string]any{"address": address})
		return fmt.Errorf("connecting to %s: %w", address, err)
	}

	// Connected requires a successful battery read.
	level, err := conn.BatteryLevel()
	if err != nil {
		_ = conn.Close()
		l.publishError(wire.ErrCodeConnectFailed, err.Error(), map[string]any{"address": address})
		return fmt.Errorf("connecting to %s: %w", address, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.dev = Advertisement{Address: address}
	l.dec = newDecoder()
	l.battery = level
	l.state = StateConnected
	l.mu.Unlock()

	conn.OnDisconnect(func() { l.handleLinkLoss(address) })

	l.logger.Info().Str("address", address).Int("battery", level).Msg("Device connected")
	l.publishEvent(wire.EventDeviceConnected, map[string]any{
		"address": address, "battery_level": level,
	})
	l.emitBattery(level)

	batCtx, batCancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.batStop = batCancel
	l.mu.Unlock()
	l.wg.Add(1)
	go l.pollBattery(batCtx, conn)

	// Streaming starts whether or not clients exist; the grace delay
	// only gives the first one a head start.
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer logging.RecoverPanic(l.logger, "link.startStreaming")
		time.Sleep(notifyGrace)
		if err := l.StartStream(); err != nil {
			l.logger.Error().Err(err).Msg("Failed to start streaming after connect")
		}
	}()

	return nil
}

// StartStream enables notifications for the configured sensors. No-op if
// already streaming.
func (l *Link) StartStream() error {
	l.mu.Lock()
	if l.state == StateStreaming {
		l.mu.Unlock()
		return nil
	}
	if l.state != StateConnected {
		l.mu.Unlock()
		return fmt.Errorf("%w: cannot stream while %s", ErrNotConnected, l.state)
	}
	conn := l.conn
	l.mu.Unlock()

	for _, kind := range l.cfg.Kinds {
		if !kind.Periodic() {
			continue
		}
		k := kind
		if err := conn.Subscribe(k, func(pkt []byte) { l.handlePacket(k, pkt) }); err != nil {
			return fmt.Errorf("starting %s stream: %w", k, err)
		}
	}

	l.mu.Lock()
	l.state = StateStreaming
	addr := l.dev.Address
	l.mu.Unlock()

	l.logger.Info().Str("address", addr).Msg("Streaming started")
	l.publishEvent(wire.EventStreamStarted, map[string]any{"address": addr})
	if l.hooks.OnStreaming != nil {
		l.hooks.OnStreaming(true)
	}
	return nil
}

// StopStream disables notifications but keeps the link connected.
func (l *Link) StopStream() error {
	l.mu.Lock()
	if l.state != StateStreaming {
		l.mu.Unlock()
		return nil
	}
	conn := l.conn
	l.state = StateConnected
	l.mu.Unlock()

	for _, kind := range l.cfg.Kinds {
		if kind.Periodic() {
			_ = conn.Unsubscribe(kind)
		}
	}

	l.logger.Info().Msg("Streaming stopped")
	l.publishEvent(wire.EventStreamStopped, nil)
	if l.hooks.OnStreaming != nil {
		l.hooks.OnStreaming(false)
	}
	return nil
}

// Disconnect tears the link down on request. It cancels any reconnect
// loop and always lands in Idle.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	l.explicit = true
	if l.reconnect != nil {
		l.reconnect()
		l.reconnect = nil
	}
	if l.batStop != nil {
		l.batStop()
		l.batStop = nil
	}
	conn := l.conn
	wasStreaming := l.state == StateStreaming
	hadConn := conn != nil
	l.conn = nil
	l.state = StateDisconnecting
	addr := l.dev.Address
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	l.mu.Lock()
	l.state = StateIdle
	l.battery = -1
	l.mu.Unlock()

	if hadConn {
		l.logger.Info().Str("address", addr).Msg("Device disconnected")
		l.publishEvent(wire.EventDeviceDisconnected, map[string]any{
			"address": addr, "reason": "requested",
		})
		if wasStreaming && l.hooks.OnStreaming != nil {
			l.hooks.OnStreaming(false)
		}
		if l.hooks.OnDisconnected != nil {
			l.hooks.OnDisconnected()
		}
	}
	return nil
}

// Stop shuts the link down for process exit.
func (l *Link) Stop() {
	_ = l.Disconnect()
	l.wg.Wait()
	l.logger.Info().Msg("Device link stopped")
}

// handleLinkLoss reacts to an unrequested drop: propagate the loss, then
// retry with exponential backoff for as long as no explicit disconnect
// arrives.
func (l *Link) handleLinkLoss(address string) {
	l.mu.Lock()
	if l.explicit {
		l.mu.Unlock()
		return
	}
	wasStreaming := l.state == StateStreaming
	l.conn = nil
	l.state = StateIdle
	l.battery = -1
	if l.batStop != nil {
		l.batStop()
		l.batStop = nil
	}
	l.mu.Unlock()

	l.logger.Warn().Str("address", address).Msg("Link lost")
	l.publishEvent(wire.EventDeviceDisconnected, map[string]any{
		"address": address, "reason": "link_loss",
	})
	if wasStreaming && l.hooks.OnStreaming != nil {
		l.hooks.OnStreaming(false)
	}
	if l.hooks.OnDisconnected != nil {
		l.hooks.OnDisconnected()
	}

	if !wasStreaming {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.reconnect = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.reconnectLoop(ctx, address)
}

// reconnectLoop retries indefinitely: 1, 2, 4, 8, 16 s doubling up to the
// configured cap. Only an explicit disconnect or success ends it.
func (l *Link) reconnectLoop(ctx context.Context, address string) {
	defer l.wg.Done()
	defer logging.RecoverPanic(l.logger, "link.reconnect")

	delay := reconnectBase
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		l.mu.Lock()
		if l.explicit || l.state != StateIdle {
			l.mu.Unlock()
			return
		}
		l.state = StateConnecting
		l.attempts = attempt
		l.mu.Unlock()

		l.logger.Info().Int("attempt", attempt).Str("address", address).Msg("Reconnecting")
		err := l.connect(ctx, address)
		if err == nil {
			l.mu.Lock()
			l.attempts = 0
			l.reconnect = nil
			l.mu.Unlock()
			return
		}

		l.mu.Lock()
		l.state = StateIdle
		l.mu.Unlock()

		delay *= 2
		if delay > l.cfg.ReconnectCap {
			delay = l.cfg.ReconnectCap
		}
	}
}

// handlePacket decodes one notification and forwards the batch. Runs on
// the transport's callback goroutine; everything downstream is
// non-blocking.
func (l *Link) handlePacket(kind sensor.Kind, pkt []byte) {
	l.mu.Lock()
	if l.dec == nil {
		l.mu.Unlock()
		return
	}
	batch, err := l.dec.Decode(kind, pkt, time.Now())
	l.mu.Unlock()
	if err != nil {
		l.noteFrameError(kind, err)
		return
	}
	l.ingest(batch)
}

// noteFrameError counts a dropped packet and raises an alert when the
// malformed rate exceeds one per second.
func (l *Link) noteFrameError(kind sensor.Kind, err error) {
	l.frameErrs.Add(1)
	l.logger.Debug().Err(err).Str("sensor", kind.String()).Msg("Dropped malformed packet")

	nowSec := time.Now().Unix()
	if l.errSec.Swap(nowSec) == nowSec {
		if l.errSecCount.Add(1) > 1 && l.frameAlerter.Allow() {
			l.publishError(wire.ErrCodeFrameMalformed,
				"malformed packet rate exceeds 1/s",
				map[string]any{"sensor_type": kind.String(), "total_dropped": l.frameErrs.Load()})
		}
	} else {
		l.errSecCount.Store(1)
	}
}

// pollBattery reads the battery level periodically while connected.
func (l *Link) pollBattery(ctx context.Context, conn Conn) {
	defer l.wg.Done()
	defer logging.RecoverPanic(l.logger, "link.pollBattery")

	ticker := time.NewTicker(batteryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level, err := conn.BatteryLevel()
			if err != nil {
				continue
			}
			l.mu.Lock()
			changed := level != l.battery
			l.battery = level
			l.mu.Unlock()
			if changed {
				l.emitBattery(level)
			}
		}
	}
}

// emitBattery routes a battery report like any other sample batch.
func (l *Link) emitBattery(level int) {
	now := time.Now()
	l.ingest(sensor.Batch{
		Kind: sensor.KindBAT,
		At:   now,
		Bat:  &sensor.BatterySample{Timestamp: sensor.Wall(now), Level: level},
	})
}

func (l *Link) publishEvent(name string, data map[string]any) {
	if payload, err := wire.MarshalEvent(name, data); err == nil {
		l.bus.Publish(bus.EventTopic(name), payload)
	}
}

func (l *Link) publishError(code, msg string, extra map[string]any) {
	if payload, err := wire.MarshalError(code, msg, extra); err == nil {
		l.bus.Publish(bus.EventTopic("error."+code), payload)
	}
}
