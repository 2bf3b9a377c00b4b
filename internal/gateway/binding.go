package gateway

import "astrtown.ai/internal/protocol"

// Binding identifies who this connection speaks for. It is set by the
// connected frame and cleared on every disconnect.
type Binding struct {
	AgentID           string `json:"agentId,omitempty"`
	PlayerID          string `json:"playerId,omitempty"`
	PlayerName        string `json:"playerName,omitempty"`
	WorldID           string `json:"worldId,omitempty"`
	NegotiatedVersion int    `json:"negotiatedVersion,omitempty"`
}

func (b Binding) IsZero() bool { return b == Binding{} }

// Version is the command envelope version: negotiated, else the default.
func (b Binding) Version() int {
	if b.NegotiatedVersion > 0 {
		return b.NegotiatedVersion
	}
	return protocol.Version
}

func bindingFromConnected(p protocol.ConnectedPayload, frameVersion int) Binding {
	v := p.NegotiatedVersion
	if v <= 0 {
		v = frameVersion
	}
	if v <= 0 {
		v = protocol.Version
	}
	return Binding{
		AgentID:           p.AgentID,
		PlayerID:          p.PlayerID,
		PlayerName:        p.PlayerName,
		WorldID:           p.WorldID,
		NegotiatedVersion: v,
	}
}

// State is the lifecycle state of the client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthLocked
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthLocked:
		return "auth_locked"
	default:
		return "unknown"
	}
}
