package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// HandleCommand executes one WebSocket client command. The broker
// handles subscribe/unsubscribe itself; everything else lands here.
func (e *Engine) HandleCommand(ctx context.Context, command string, payload []byte) (map[string]any, error) {
	switch command {
	case "scan":
		var body struct {
			Duration float64 `json:"duration"`
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &body); err != nil {
				return nil, fmt.Errorf("malformed scan payload: %w", err)
			}
		}
		advs, err := e.Scan(ctx, time.Duration(body.Duration*float64(time.Second)))
		if err != nil {
			return nil, err
		}
		devices := make([]map[string]any, 0, len(advs))
		for _, adv := range advs {
			devices = append(devices, map[string]any{
				"name": adv.Name, "address": adv.Address, "rssi": adv.RSSI,
			})
		}
		return map[string]any{"devices": devices}, nil

	case "connect":
		var body struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.Address == "" {
			return nil, fmt.Errorf("connect requires an address")
		}
		if err := e.Connect(ctx, body.Address); err != nil {
			return nil, err
		}
		return map[string]any{"address": body.Address}, nil

	case "disconnect":
		return nil, e.Disconnect()

	case "start_stream":
		return nil, e.StartStream()

	case "stop_stream":
		return nil, e.StopStream()

	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}
