// Package wsbroker fans bus traffic out to WebSocket clients. It is the
// only code aware of sockets: clients connect on /ws, start with the
// default subscription set and adjust it (or drive the device) with
// command messages. Slow consumers lose their bus subscription after
// three seconds of sustained drops; the TCP connection stays up until
// the heartbeat fails.
package wsbroker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/logging"
	"github.com/lxbio/linkbandd/internal/wire"
)

const (
	// writeWait bounds one message write; a slower socket drops it.
	writeWait = time.Second

	// pingPeriod / idleWait implement the 15 s keep-alive and the 45 s
	// silence cutoff.
	pingPeriod = 15 * time.Second
	idleWait   = 45 * time.Second

	// directQueue buffers command replies, which bypass the bus.
	directQueue = 16
)

// CommandHandler executes device/stream commands arriving over the
// socket. The engine implements it; subscribe/unsubscribe are handled by
// the broker itself.
type CommandHandler interface {
	HandleCommand(ctx context.Context, command string, payload []byte) (map[string]any, error)
}

// Stats is the broker snapshot monitoring reads.
type Stats struct {
	Clients  int   `json:"clients"`
	Served   int64 `json:"served"`
	LagDrops int64 `json:"lag_drops"`
}

// Broker owns the client registry and the per-client pump goroutines.
type Broker struct {
	logger  zerolog.Logger
	bus     *bus.Bus
	handler CommandHandler

	maxClients int
	queueSize  int

	mu      sync.RWMutex
	clients map[int64]*client
	closed  bool

	nextID atomic.Int64
	served atomic.Int64

	wg sync.WaitGroup
}

// New creates a broker. queueSize is each client's bus queue capacity.
func New(logger zerolog.Logger, b *bus.Bus, handler CommandHandler, maxClients, queueSize int) *Broker {
	return &Broker{
		logger:     logger.With().Str("component", "wsbroker").Logger(),
		bus:        b,
		handler:    handler,
		maxClients: maxClients,
		queueSize:  queueSize,
		clients:    make(map[int64]*client),
	}
}

// Stats snapshots the client registry.
func (br *Broker) Stats() Stats {
	br.mu.RLock()
	n := len(br.clients)
	var drops int64
	for _, c := range br.clients {
		drops += c.sub.LagDrops()
	}
	br.mu.RUnlock()
	return Stats{Clients: n, Served: br.served.Load(), LagDrops: drops}
}

// ServeHTTP upgrades /ws requests and registers the client.
func (br *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	br.mu.RLock()
	closed := br.closed
	count := len(br.clients)
	br.mu.RUnlock()

	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if count >= br.maxClients {
		br.logger.Warn().Int("clients", count).Msg("Connection rejected: client limit reached")
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		br.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	id := br.nextID.Add(1)
	c := &client{
		id:     id,
		conn:   conn,
		broker: br,
		sub:    br.bus.Subscribe(clientID(id), br.queueSize, bus.DefaultPatterns()...),
		direct: make(chan []byte, directQueue),
	}

	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		c.sub.Close()
		conn.Close()
		return
	}
	br.clients[id] = c
	br.mu.Unlock()
	br.served.Add(1)

	br.logger.Info().Int64("client_id", id).Str("remote", r.RemoteAddr).Msg("Client connected")

	br.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// clientID formats the bus subscriber id for one socket.
func clientID(id int64) string { return fmt.Sprintf("client-%d", id) }

func (br *Broker) remove(c *client) {
	br.mu.Lock()
	delete(br.clients, c.id)
	br.mu.Unlock()
}

// Close disconnects every client and stops accepting new ones.
func (br *Broker) Close() {
	br.mu.Lock()
	br.closed = true
	clients := make([]*client, 0, len(br.clients))
	for _, c := range br.clients {
		clients = append(clients, c)
	}
	br.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	br.wg.Wait()
	br.logger.Info().Msg("Broker stopped")
}

// client is one WebSocket connection with its bus subscription and a
// small direct queue for command replies.
type client struct {
	id     int64
	conn   net.Conn
	broker *Broker
	sub    *bus.Subscription
	direct chan []byte

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.sub.Close()
		c.conn.Close()
		c.broker.remove(c)
		c.broker.logger.Info().Int64("client_id", c.id).Msg("Client disconnected")
	})
}

// writePump serializes all socket writes: bus deliveries, direct
// replies and keep-alive pings. When the bus closes the subscription for
// sustained lag the pump keeps the socket alive on pings alone.
func (c *client) writePump() {
	defer c.broker.wg.Done()
	defer logging.RecoverPanic(c.broker.logger, "wsbroker.writePump")
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	busC := c.sub.C()
	for {
		select {
		case msg, ok := <-busC:
			if !ok {
				// Slow-consumer policy closed the subscription; stop
				// streaming but keep the connection for the heartbeat.
				busC = nil
				continue
			}
			if !c.write(msg.Data) {
				return
			}
		case data := <-c.direct:
			if !c.write(data) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
		c.broker.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Write failed")
		return false
	}
	return true
}

// readPump consumes client commands and enforces the idle cutoff.
func (c *client) readPump() {
	defer c.broker.wg.Done()
	defer logging.RecoverPanic(c.broker.logger, "wsbroker.readPump")
	defer c.close()

	for {
		c.conn.SetReadDeadline(time.Now().Add(idleWait))
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		c.handleCommand(msg)
	}
}

// handleCommand dispatches one client message. Unknown commands are
// answered with an error event, never dropped silently.
func (c *client) handleCommand(msg []byte) {
	cmd, err := wire.ParseCommand(msg)
	if err != nil {
		c.broker.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Malformed command")
		c.reply("", "", nil, err)
		return
	}

	switch cmd.Command {
	case "subscribe", "unsubscribe":
		patterns, err := parseTopics(cmd.Payload)
		if err != nil {
			c.reply(cmd.Command, cmd.ID, nil, err)
			return
		}
		if cmd.Command == "subscribe" {
			c.sub.Subscribe(patterns...)
		} else {
			c.sub.Unsubscribe(patterns...)
		}
		c.reply(cmd.Command, cmd.ID, map[string]any{"topics": c.sub.Patterns()}, nil)

	default:
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		data, err := c.broker.handler.HandleCommand(ctx, cmd.Command, cmd.Payload)
		cancel()
		c.reply(cmd.Command, cmd.ID, data, err)
	}
}

// reply sends a command_result event over the direct queue. A full
// direct queue drops the reply; the client is already not reading.
func (c *client) reply(command, correlationID string, data map[string]any, cmdErr error) {
	payload := map[string]any{
		"command": command,
		"success": cmdErr == nil,
	}
	if correlationID != "" {
		payload["id"] = correlationID
	}
	if cmdErr != nil {
		payload["error"] = cmdErr.Error()
	}
	for k, v := range data {
		payload[k] = v
	}

	env, err := wire.MarshalEvent(wire.EventCommandResult, payload)
	if err != nil {
		return
	}
	select {
	case c.direct <- env:
	default:
	}
}
