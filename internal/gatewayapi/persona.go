package gatewayapi

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"astrtown.ai/internal/gateway"
	"astrtown.ai/internal/logging"
)

// PersonaSync pushes the configured persona description after every
// successful connect.
type PersonaSync struct {
	api         *Client
	description string
	log         *zap.Logger
}

func NewPersonaSync(api *Client, description string, log *zap.Logger) *PersonaSync {
	return &PersonaSync{
		api:         api,
		description: strings.TrimSpace(description),
		log:         logging.OrNop(log).Named("persona"),
	}
}

func (p *PersonaSync) SyncPersona(ctx context.Context, b gateway.Binding) error {
	pid := strings.TrimSpace(b.PlayerID)
	if pid == "" {
		p.log.Debug("skip persona sync: playerId empty")
		return nil
	}
	if p.description == "" {
		p.log.Info("persona description empty; skip sync")
		return nil
	}
	if err := p.api.UpdateDescription(ctx, pid, p.description); err != nil {
		p.log.Warn("persona sync failed", zap.String("player_id", pid), zap.Error(err))
		return err
	}
	p.log.Info("persona synced", zap.String("player_id", pid))
	return nil
}
