// Package wire defines the JSON envelopes exchanged over the WebSocket
// stream. Every published message is one of five tagged variants
// discriminated by "type": raw_data, processed_data, event,
// monitoring_metrics, sensor_data. Publishers serialize an envelope once
// and the bus/broker fan the same bytes out to every subscriber.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lxbio/linkbandd/internal/sensor"
)

// Envelope type discriminants.
const (
	TypeRawData       = "raw_data"
	TypeProcessedData = "processed_data"
	TypeEvent         = "event"
	TypeMonitoring    = "monitoring_metrics"
	TypeSensorData    = "sensor_data"
)

// Lifecycle event names carried in the event envelope's event_type and in
// the bus topic ("event." + name).
const (
	EventDeviceScanning     = "device.scanning"
	EventDeviceConnected    = "device.connected"
	EventDeviceDisconnected = "device.disconnected"
	EventStreamStarted      = "stream.started"
	EventStreamStopped      = "stream.stopped"
	EventStreamStalled      = "stream.stalled"
	EventStreamResumed      = "stream.resumed"
	EventRecordingStarted   = "recording.started"
	EventRecordingStopped   = "recording.stopped"
	EventRecordingError     = "recording_error"
	EventAlert              = "alert"
	EventCommandResult      = "command_result"
)

// Stable error_code strings published with error events.
const (
	ErrCodeDeviceTimeout      = "device_timeout"
	ErrCodeDeviceNotFound     = "device_not_found"
	ErrCodeScanFailed         = "device_scan_failed"
	ErrCodeConnectFailed      = "device_connect_failed"
	ErrCodeFrameMalformed     = "frame_malformed"
	ErrCodeLeadOff            = "leadoff"
	ErrCodeProcessingSlow     = "processing_slow"
	ErrCodeRecordingActive    = "recording_already_active"
	ErrCodeRecordingNotActive = "recording_not_active"
	ErrCodeRecordingIO        = "recording_io"
	ErrCodeRecordingSlow      = "recording_slow"
	ErrCodeSlowClient         = "slow_client"
	ErrCodeBadCommand         = "bad_command"
)

// envelope is the outbound shape. Timestamp is unix milliseconds.
type envelope struct {
	Type       string `json:"type"`
	SensorType string `json:"sensor_type,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Data       any    `json:"data,omitempty"`
}

func now() int64 { return time.Now().UnixMilli() }

// MarshalRaw builds a raw_data envelope for a periodic sensor batch.
// samples is the per-kind sample slice; it is marshaled as-is.
func MarshalRaw(kind sensor.Kind, samples any) ([]byte, error) {
	return json.Marshal(envelope{
		Type:       TypeRawData,
		SensorType: kind.String(),
		Timestamp:  now(),
		Data:       samples,
	})
}

// MarshalProcessed builds a processed_data envelope for one pipeline frame.
func MarshalProcessed(kind sensor.Kind, frame any) ([]byte, error) {
	return json.Marshal(envelope{
		Type:       TypeProcessedData,
		SensorType: kind.String(),
		Timestamp:  now(),
		Data:       frame,
	})
}

// MarshalBattery builds the sensor_data envelope used for battery reports.
func MarshalBattery(s sensor.BatterySample) ([]byte, error) {
	return json.Marshal(envelope{
		Type:       TypeSensorData,
		SensorType: sensor.KindBAT.String(),
		Timestamp:  now(),
		Data:       s,
	})
}

// MarshalEvent builds a lifecycle event envelope.
func MarshalEvent(eventType string, data map[string]any) ([]byte, error) {
	return json.Marshal(envelope{
		Type:      TypeEvent,
		EventType: eventType,
		Timestamp: now(),
		Data:      data,
	})
}

// MarshalError builds an error event. The event_type is "error.<code>" and
// data carries the same code under error_code for clients that key on it.
func MarshalError(code, message string, extra map[string]any) ([]byte, error) {
	data := map[string]any{
		"error_code": code,
		"message":    message,
	}
	for k, v := range extra {
		data[k] = v
	}
	return json.Marshal(envelope{
		Type:      TypeEvent,
		EventType: "error." + code,
		Timestamp: now(),
		Data:      data,
	})
}

// MarshalMonitoring builds the once-per-second monitoring_metrics envelope.
func MarshalMonitoring(snapshot any) ([]byte, error) {
	return json.Marshal(envelope{
		Type:      TypeMonitoring,
		Timestamp: now(),
		Data:      snapshot,
	})
}

// Envelope is the inbound/decoded shape. Data stays raw so callers can
// decode it against the variant the discriminants select.
type Envelope struct {
	Type       string          `json:"type"`
	SensorType string          `json:"sensor_type,omitempty"`
	EventType  string          `json:"event_type,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Decode parses an envelope and validates its discriminants. Unknown
// types are an error; callers log and drop, they never crash.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	switch env.Type {
	case TypeRawData, TypeProcessedData, TypeSensorData:
		if _, err := sensor.ParseKind(env.SensorType); err != nil {
			return nil, fmt.Errorf("envelope %s: %w", env.Type, err)
		}
	case TypeEvent:
		if env.EventType == "" {
			return nil, fmt.Errorf("event envelope missing event_type")
		}
	case TypeMonitoring:
	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return &env, nil
}

// Command is a client-to-server WebSocket message. Commands mirror the
// HTTP verbs; ID is an optional client-supplied correlation id echoed in
// the command_result event.
type Command struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// ParseCommand decodes a client message.
func ParseCommand(b []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(b, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command: %w", err)
	}
	if cmd.Command == "" {
		return nil, fmt.Errorf("command missing command field")
	}
	return &cmd, nil
}
