package dispatch

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"astrtown.ai/internal/gatewayapi"
	"astrtown.ai/internal/logging"
)

const socialLookupParallelism = 4

// SocialRef names the pair whose social state is appended to a wake event
// when the host picks it up.
type SocialRef struct {
	WorldID  string
	OwnerID  string
	TargetID string
}

func socialRef(worldID, owner, partner string) *SocialRef {
	if partner == "" || owner == "" || partner == owner {
		return nil
	}
	return &SocialRef{WorldID: worldID, OwnerID: owner, TargetID: partner}
}

// AppendSocialContext looks up the social state of every event carrying a
// SocialRef and appends the context line to its text. Each lookup is bounded
// by gatewayapi.SocialStateTimeout; a failed lookup leaves the text as is.
func AppendSocialContext(ctx context.Context, src SocialStates, evs []WakeEvent, log *zap.Logger) {
	if src == nil {
		return
	}
	log = logging.OrNop(log)
	var g errgroup.Group
	g.SetLimit(socialLookupParallelism)
	for i := range evs {
		ref := evs[i].Social
		if ref == nil {
			continue
		}
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(ctx, gatewayapi.SocialStateTimeout)
			defer cancel()
			st, err := src.SocialState(lctx, ref.WorldID, ref.OwnerID, ref.TargetID)
			if err != nil {
				log.Debug("social state unavailable", zap.String("event_id", evs[i].ID), zap.String("target_id", ref.TargetID), zap.Error(err))
				return nil
			}
			evs[i].Text += "\n\n" + socialContextLine(st)
			return nil
		})
	}
	_ = g.Wait()
}
