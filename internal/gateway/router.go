package gateway

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"astrtown.ai/internal/protocol"
)

// handleFrame demultiplexes one inbound frame. It never returns an error:
// anything malformed is logged and dropped.
func (c *Client) handleFrame(ctx context.Context, mt int, msg []byte) {
	switch mt {
	case websocket.TextMessage:
	case websocket.BinaryMessage:
		if !utf8.Valid(msg) {
			c.log.Debug("non-utf8 binary frame ignored", zap.Int("bytes", len(msg)))
			return
		}
	default:
		c.log.Debug("unknown frame kind ignored", zap.Int("kind", mt))
		return
	}

	env, err := protocol.Decode(msg)
	if err != nil {
		c.log.Debug("invalid frame ignored", zap.Error(err))
		return
	}
	if err := c.cfg.Validator.ValidatePayload(env); err != nil {
		c.log.Warn("malformed payload ignored", zap.String("type", env.Type), zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.TypePing:
		c.handlePing(env)
	case protocol.TypeConnected:
		c.handleConnected(env)
	case protocol.TypeAuthError:
		c.handleAuthError(env)
	case protocol.TypeCommandAck:
		c.handleCommandAck(env)
	default:
		if protocol.IsWorldEvent(env.Type) {
			if c.handler != nil {
				c.handler.HandleEvent(ctx, env)
			}
			return
		}
		c.log.Debug("unknown message type ignored", zap.String("type", env.Type))
	}
}

func (c *Client) handlePing(env protocol.Envelope) {
	id := env.ID
	if id == "" {
		id = protocol.NewID("pong")
	}
	// The gateway pings again; a lost pong needs no handling.
	_ = c.WriteJSON(protocol.Pong{
		Type:      protocol.TypePong,
		ID:        id,
		Timestamp: c.now().UnixMilli(),
		Payload:   map[string]any{},
	})
}

func (c *Client) handleConnected(env protocol.Envelope) {
	p, err := protocol.ParseConnected(env)
	if err != nil {
		c.log.Warn("connected payload ignored", zap.Error(err))
		return
	}
	b := bindingFromConnected(p, env.Version)

	c.mu.Lock()
	c.binding = b
	c.state = StateConnected
	c.reached = true
	c.lock = nil
	c.lastLockLog = time.Time{}
	c.mu.Unlock()

	c.log.Info("authenticated",
		zap.String("agent_id", b.AgentID),
		zap.String("player_id", b.PlayerID),
		zap.String("world_id", b.WorldID),
		zap.Int("version", b.NegotiatedVersion))

	if c.cfg.Persona != nil {
		persona := c.cfg.Persona
		c.tasks.Go("persona-sync", func(ctx context.Context) error {
			return persona.SyncPersona(ctx, b)
		})
	}
}

func (c *Client) handleAuthError(env protocol.Envelope) {
	p, err := protocol.ParseAuthError(env)
	if err != nil {
		c.log.Warn("auth_error payload ignored", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.lock = &authLock{token: c.dialToken, code: p.Code, message: p.Message}
	c.lastLockLog = c.now()
	c.state = StateAuthLocked
	c.binding = Binding{}
	conn := c.conn
	c.mu.Unlock()

	if c.handler != nil {
		c.handler.ResetSession()
	}
	if !protocol.IsKnownAuthCode(p.Code) {
		c.log.Warn("unrecognized auth_error code", zap.String("code", p.Code))
	}
	c.log.Error("authentication failed, reconnect paused until the token changes",
		zap.String("code", p.Code),
		zap.String("message", p.Message),
		zap.String("hint", protocol.AuthHint(p.Code)))
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) handleCommandAck(env protocol.Envelope) {
	ack, err := protocol.ParseCommandAck(env)
	if err != nil {
		c.log.Debug("command.ack payload ignored", zap.Error(err))
		return
	}
	if ack.CommandID == "" {
		c.log.Debug("command.ack without commandId ignored")
		return
	}
	ok, late := c.cmds.resolve(ack)
	switch {
	case ok:
	case late:
		c.log.Debug("late ack absorbed", zap.String("command_id", ack.CommandID), zap.String("status", ack.Status))
	default:
		c.log.Debug("command.ack for unknown commandId", zap.String("command_id", ack.CommandID))
	}
}
