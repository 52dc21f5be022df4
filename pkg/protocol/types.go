// Package protocol defines the JSON-lines protocol spoken between the
// controller and the engine process over stdio.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady is sent once by the engine when it can accept actions
	MessageTypeReady MessageType = "READY"
	// MessageTypeAction carries one action from the controller
	MessageTypeAction MessageType = "ACTION"
	// MessageTypeEvent carries the engine's response to an action
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeExit announces shutdown, from either side
	MessageTypeExit MessageType = "EXIT"
)

// Message is the envelope for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the engine is ready to receive actions.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	PID      int               `json:"pid"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExitMessage is sent before a side closes the channel.
type ExitMessage struct {
	Reason       string `json:"reason"`
	ExitCode     int    `json:"exit_code"`
	ActionsTotal int    `json:"actions_total"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeAction, MessageTypeEvent, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}
