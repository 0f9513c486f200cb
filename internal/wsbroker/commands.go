package wsbroker

import (
	"encoding/json"
	"fmt"
)

// parseTopics decodes the subscribe/unsubscribe payload, which is either
// {"topics": [...]} or {"topic": "..."}.
func parseTopics(payload []byte) ([]string, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("missing topics payload")
	}

	var body struct {
		Topic  string   `json:"topic"`
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("malformed topics payload: %w", err)
	}

	topics := body.Topics
	if body.Topic != "" {
		topics = append(topics, body.Topic)
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics named")
	}
	return topics, nil
}
