package service

import (
	"encoding/json"
	"fmt"

	"github.com/moru-ai/shadow/internal/adapter/ws"
)

// marshalMessage builds a websocket envelope for buffering. The hub does
// its own marshalling on Publish; this variant exists for the stream
// buffer, which stores ready-to-replay envelopes.
func marshalMessage(eventType, taskID string, payload any) (ws.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ws.Message{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return ws.Message{Type: eventType, TaskID: taskID, Payload: data}, nil
}
