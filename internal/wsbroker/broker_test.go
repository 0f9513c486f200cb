package wsbroker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/sensor"
	"github.com/lxbio/linkbandd/internal/wire"
)

// scriptedHandler records device commands arriving over sockets.
type scriptedHandler struct {
	mu       sync.Mutex
	commands []string
	payloads [][]byte
	result   map[string]any
	err      error
}

func (h *scriptedHandler) HandleCommand(_ context.Context, command string, payload []byte) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)
	h.payloads = append(h.payloads, payload)
	return h.result, h.err
}

type harness struct {
	bus     *bus.Bus
	broker  *Broker
	handler *scriptedHandler
	srv     *httptest.Server
}

func newHarness(t *testing.T, maxClients int) *harness {
	t.Helper()
	b := bus.New(zerolog.Nop())
	h := &scriptedHandler{}
	br := New(zerolog.Nop(), b, h, maxClients, 16)
	srv := httptest.NewServer(br)
	t.Cleanup(func() {
		br.Close()
		srv.Close()
		b.Close()
	})
	return &harness{bus: b, broker: br, handler: h, srv: srv}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForClients blocks until the registry reaches n, so publishes can't
// race the subscription setup.
func (h *harness) waitForClients(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.broker.Stats().Clients == n
	}, 2*time.Second, 5*time.Millisecond)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	return env
}

func TestClientReceivesBusTraffic(t *testing.T) {
	h := newHarness(t, 4)
	conn := h.dial(t)
	h.waitForClients(t, 1)

	data, err := wire.MarshalRaw(sensor.KindEEG, []sensor.EEGSample{{Timestamp: 1, Ch1: 2}})
	require.NoError(t, err)
	h.bus.Publish(bus.RawTopic(sensor.KindEEG), data)

	env := readEnvelope(t, conn)
	assert.Equal(t, wire.TypeRawData, env.Type)
	assert.Equal(t, "eeg", env.SensorType)
}

func TestSubscribeNarrowsAndRestores(t *testing.T) {
	h := newHarness(t, 4)
	conn := h.dial(t)
	h.waitForClients(t, 1)

	// Drop the default raw feed, keep events.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"unsubscribe","payload":{"topics":["raw.*"]},"id":"q1"}`)))

	env := readEnvelope(t, conn)
	assert.Equal(t, wire.EventCommandResult, env.EventType)

	var result struct {
		Command string   `json:"command"`
		Success bool     `json:"success"`
		ID      string   `json:"id"`
		Topics  []string `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "unsubscribe", result.Command)
	assert.Equal(t, "q1", result.ID)
	assert.NotContains(t, result.Topics, "raw.*")

	// Raw traffic no longer reaches the socket; an event still does.
	raw, err := wire.MarshalRaw(sensor.KindEEG, []sensor.EEGSample{{Timestamp: 1}})
	require.NoError(t, err)
	h.bus.Publish(bus.RawTopic(sensor.KindEEG), raw)

	evt, err := wire.MarshalEvent(wire.EventDeviceConnected, map[string]any{"address": "AA:BB"})
	require.NoError(t, err)
	h.bus.Publish(bus.EventTopic(wire.EventDeviceConnected), evt)

	got := readEnvelope(t, conn)
	assert.Equal(t, wire.EventDeviceConnected, got.EventType)
}

func TestDeviceCommandRoutedToHandler(t *testing.T) {
	h := newHarness(t, 4)
	h.handler.result = map[string]any{"address": "AA:BB"}
	conn := h.dial(t)
	h.waitForClients(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"connect","payload":{"address":"AA:BB"},"id":"req-9"}`)))

	env := readEnvelope(t, conn)
	assert.Equal(t, wire.EventCommandResult, env.EventType)

	var result map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "connect", result["command"])
	assert.Equal(t, "req-9", result["id"])
	assert.Equal(t, "AA:BB", result["address"])

	h.handler.mu.Lock()
	require.Len(t, h.handler.commands, 1)
	assert.Equal(t, "connect", h.handler.commands[0])
	assert.JSONEq(t, `{"address":"AA:BB"}`, string(h.handler.payloads[0]))
	h.handler.mu.Unlock()
}

func TestFailedCommandAnswered(t *testing.T) {
	h := newHarness(t, 4)
	h.handler.err = errors.New("no adapter")
	conn := h.dial(t)
	h.waitForClients(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"scan","payload":{}}`)))

	var result map[string]any
	require.NoError(t, json.Unmarshal(readEnvelope(t, conn).Data, &result))
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "no adapter", result["error"])
}

func TestMalformedCommandAnswered(t *testing.T) {
	h := newHarness(t, 4)
	conn := h.dial(t)
	h.waitForClients(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	var result map[string]any
	require.NoError(t, json.Unmarshal(readEnvelope(t, conn).Data, &result))
	assert.Equal(t, false, result["success"])
	assert.NotEmpty(t, result["error"])
}

func TestSubscribeWithoutTopicsRejected(t *testing.T) {
	h := newHarness(t, 4)
	conn := h.dial(t)
	h.waitForClients(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"subscribe","payload":{}}`)))

	var result map[string]any
	require.NoError(t, json.Unmarshal(readEnvelope(t, conn).Data, &result))
	assert.Equal(t, false, result["success"])
}

func TestClientLimitRejectsUpgrade(t *testing.T) {
	h := newHarness(t, 1)
	h.dial(t)
	h.waitForClients(t, 1)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestCloseDisconnectsClients(t *testing.T) {
	b := bus.New(zerolog.Nop())
	br := New(zerolog.Nop(), b, &scriptedHandler{}, 4, 16)
	srv := httptest.NewServer(br)
	defer srv.Close()
	defer b.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return br.Stats().Clients == 1
	}, 2*time.Second, 5*time.Millisecond)

	br.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Zero(t, br.Stats().Clients)

	// New connections are refused once closed.
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestStatsCountsServedClients(t *testing.T) {
	h := newHarness(t, 4)
	h.dial(t)
	h.dial(t)
	h.waitForClients(t, 2)
	assert.EqualValues(t, 2, h.broker.Stats().Served)
}
