package protocol

import (
	"encoding/json"
	"fmt"
)

// connected (server -> bot)
type ConnectedPayload struct {
	AgentID           string   `json:"agentId"`
	PlayerID          string   `json:"playerId"`
	PlayerName        string   `json:"playerName"`
	WorldID           string   `json:"worldId"`
	ServerVersion     string   `json:"serverVersion"`
	NegotiatedVersion int      `json:"negotiatedVersion"`
	SupportedVersions []int    `json:"supportedVersions,omitempty"`
	SubscribedEvents  []string `json:"subscribedEvents,omitempty"`
}

// auth_error (server -> bot)
type AuthErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supportedVersions,omitempty"`
}

// Ack statuses.
const (
	AckAccepted = "accepted"
	AckRejected = "rejected"
)

// command.ack (server -> bot)
type CommandAckPayload struct {
	CommandID    string `json:"commandId"`
	Status       string `json:"status"`
	AckSemantics string `json:"ackSemantics,omitempty"`
	Reason       string `json:"reason,omitempty"`
	InputID      string `json:"inputId,omitempty"`
}

// event.ack (bot -> server)
type EventAckPayload struct {
	EventID string `json:"eventId"`
}

// Command is an outbound command envelope.
type Command struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Version   int    `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// Pong answers a gateway ping.
type Pong struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// EventAck acknowledges a world event so the gateway stops redelivering it.
type EventAck struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   EventAckPayload `json:"payload"`
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}

func ParseConnected(env Envelope) (ConnectedPayload, error) {
	var p ConnectedPayload
	if err := decodePayload(env, &p); err != nil {
		return ConnectedPayload{}, err
	}
	if p.AgentID == "" || p.PlayerID == "" {
		return ConnectedPayload{}, fmt.Errorf("connected: missing agentId or playerId")
	}
	return p, nil
}

func ParseAuthError(env Envelope) (AuthErrorPayload, error) {
	var p AuthErrorPayload
	if err := decodePayload(env, &p); err != nil {
		return AuthErrorPayload{}, err
	}
	return p, nil
}

func ParseCommandAck(env Envelope) (CommandAckPayload, error) {
	var p CommandAckPayload
	if err := decodePayload(env, &p); err != nil {
		return CommandAckPayload{}, err
	}
	return p, nil
}
