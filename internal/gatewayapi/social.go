package gatewayapi

import (
	"context"
	"net/http"
	"net/url"
)

type Relationship struct {
	Status string `json:"status"`
}

type Affinity struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// SocialState is the relationship between an owner and a target. Either
// part may be absent.
type SocialState struct {
	Relationship *Relationship `json:"relationship"`
	Affinity     *Affinity     `json:"affinity"`
}

func (c *Client) UpdateAffinity(ctx context.Context, ownerID, targetID string, delta int, label string) error {
	body := map[string]any{
		"ownerId":    ownerID,
		"targetId":   targetID,
		"scoreDelta": delta,
		"label":      label,
	}
	return c.do(ctx, AffinityTimeout, http.MethodPost, "/api/bot/social/affinity", nil, body, nil)
}

func (c *Client) SocialState(ctx context.Context, worldID, ownerID, targetID string) (SocialState, error) {
	q := url.Values{}
	q.Set("worldId", worldID)
	q.Set("ownerId", ownerID)
	q.Set("targetId", targetID)
	var st SocialState
	if err := c.do(ctx, SocialStateTimeout, http.MethodGet, "/api/bot/social/state", q, nil, &st); err != nil {
		return SocialState{}, err
	}
	return st, nil
}
