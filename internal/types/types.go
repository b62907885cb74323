// Package types holds the wire format shared by the reference backend's
// HTTP API and the remote client.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/syncengine"
)

// MutationRequest is the body of a create, update or delete call. The model
// comes from the URL; for update and delete so does the record ID.
type MutationRequest struct {
	Record          model.Record     `json:"record"`
	ExpectedVersion int              `json:"expectedVersion,omitempty"`
	Condition       *model.Predicate `json:"condition,omitempty"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status     string   `json:"status"`
	Version    string   `json:"version"`
	Models     []string `json:"models"`
	Records    int      `json:"records"`
	Tombstones int      `json:"tombstones"`
}

// Query parameters of GET /api/v1/models/{model}/sync.
const (
	QueryLastSync  = "lastSync"
	QueryNextToken = "nextToken"
	QueryLimit     = "limit"
)

// MessageType tags a subscription socket message.
type MessageType string

const (
	MessageStartAck MessageType = "start_ack"
	MessageData     MessageType = "data"
	MessageError    MessageType = "error"
	MessageComplete MessageType = "complete"
)

// SubscriptionMessage is one frame on a subscription socket. Payload is a
// response envelope for data and error frames.
type SubscriptionMessage struct {
	Type    MessageType          `json:"type"`
	Payload *syncengine.Response `json:"payload,omitempty"`
}

// Validate checks the frame's shape.
func (m SubscriptionMessage) Validate() error {
	switch m.Type {
	case MessageStartAck, MessageComplete:
		return nil
	case MessageData, MessageError:
		if m.Payload == nil {
			return fmt.Errorf("%s message without payload", m.Type)
		}
		return nil
	}
	return fmt.Errorf("unknown message type %q", m.Type)
}

// DecodeSubscriptionMessage parses and validates one socket frame.
func DecodeSubscriptionMessage(data []byte) (SubscriptionMessage, error) {
	var m SubscriptionMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SubscriptionMessage{}, fmt.Errorf("decode subscription message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return SubscriptionMessage{}, err
	}
	return m, nil
}
