package gatewayapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Memory types written by the bridge.
const (
	MemoryConversation = "conversation"
	MemoryReflection   = "reflection"
)

type Memory struct {
	Description string  `json:"description"`
	Importance  float64 `json:"importance"`
}

type MemoryInjection struct {
	AgentID    string `json:"agentId"`
	PlayerID   string `json:"playerId"`
	Summary    string `json:"summary"`
	Importance int    `json:"importance"`
	MemoryType string `json:"memoryType"`
}

// SearchMemory runs a world-memory search. An empty query returns nothing
// without a request.
func (c *Client) SearchMemory(ctx context.Context, query string, limit int) ([]Memory, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	var resp struct {
		Memories []Memory `json:"memories"`
	}
	body := map[string]any{"queryText": q, "limit": limit}
	if err := c.do(ctx, SearchTimeout, http.MethodPost, "/api/bot/memory/search", nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Memories, nil
}

func (c *Client) InjectMemory(ctx context.Context, m MemoryInjection) error {
	return c.do(ctx, MemoryTimeout, http.MethodPost, "/api/bot/memory/inject", nil, m, nil)
}

// RecentMemories accepts either a bare array or {"memories": [...]}.
func (c *Client) RecentMemories(ctx context.Context, worldID, playerID string, count int) ([]Memory, error) {
	q := url.Values{}
	q.Set("worldId", worldID)
	q.Set("playerId", playerID)
	q.Set("count", strconv.Itoa(count))
	var raw json.RawMessage
	if err := c.do(ctx, MemoryTimeout, http.MethodGet, "/api/bot/memory/recent", q, nil, &raw); err != nil {
		return nil, err
	}
	var list []Memory
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Memories []Memory `json:"memories"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Memories, nil
}
