// Package tools serves the JSON-RPC tool surface an external agent uses to
// read world events and act in AstrTown.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"astrtown.ai/internal/dispatch"
	"astrtown.ai/internal/gateway"
	"astrtown.ai/internal/gatewayapi"
	"astrtown.ai/internal/logging"
)

const (
	protocolVersion   = "2024-11-05"
	maxBody           = 4 << 20
	maxPollWait       = 30 * time.Second
	maxRecallLimit    = 10
	defaultRecall     = 5
	defaultActivityMS = 30000
)

type Gateway interface {
	Status() gateway.Status
	SendCommand(ctx context.Context, typ string, payload any) gateway.Result
}

type Events interface {
	Poll(ctx context.Context, limit int, wait time.Duration) ([]dispatch.WakeEvent, error)
}

type Memories interface {
	SearchMemory(ctx context.Context, query string, limit int) ([]gatewayapi.Memory, error)
}

type Config struct {
	Gateway Gateway
	Events  Events
	// Memory is optional; recall_past_memory reports an unreachable memory
	// network without it.
	Memory Memories
	// Social enriches polled message and invite events with relationship
	// context. Optional.
	Social     dispatch.SocialStates
	HMACSecret string
	Logger     *zap.Logger
}

type Server struct {
	gw         Gateway
	events     Events
	memory     Memories
	social     dispatch.SocialStates
	hmacSecret []byte
	replay     *replayGuard
	log        *zap.Logger
	now        func() time.Time

	tools  []*tool
	byName map[string]*tool
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("tools: nil gateway")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("tools: nil event source")
	}
	s := &Server{
		gw:     cfg.Gateway,
		events: cfg.Events,
		memory: cfg.Memory,
		social: cfg.Social,
		log:    logging.OrNop(cfg.Logger).Named("tools"),
		now:    time.Now,
	}
	if secret := strings.TrimSpace(cfg.HMACSecret); secret != "" {
		s.hmacSecret = []byte(secret)
		s.replay = newReplayGuard(replayTTL)
	}
	list, err := s.buildTools()
	if err != nil {
		return nil, err
	}
	s.tools = list
	s.byName = make(map[string]*tool, len(list))
	for _, t := range list {
		s.byName[t.name] = t
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/rpc", s.handleRPC)
	return mux
}

func (s *Server) handleRPC(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	_ = r.Body.Close()
	if err != nil {
		http.Error(rw, "bad body", http.StatusBadRequest)
		return
	}

	caller := strings.TrimSpace(r.Header.Get(headerAgentID))
	if len(s.hmacSecret) > 0 {
		now := s.now()
		res := verifyRequest(r, body, s.hmacSecret, now)
		if !res.ok() {
			s.log.Debug("tool request rejected", zap.String("reason", res.Message))
			http.Error(rw, res.Message, res.Status)
			return
		}
		if !s.replay.allow(res.Caller, res.Signature, now) {
			http.Error(rw, "replayed request", http.StatusUnauthorized)
			return
		}
		caller = res.Caller
	}
	if caller == "" {
		caller = "default"
	}

	var resp rpcResponse
	if req, rerr := parseRPCRequest(body); rerr != nil {
		s.log.Debug("bad jsonrpc request", zap.String("caller", caller), zap.Error(rerr))
		resp = rpcFail(req.ID, rerr)
	} else {
		resp = s.dispatch(r.Context(), caller, req)
	}
	rw.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, caller string, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcOK(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": "astrtown-bridge"},
		})
	case "list_tools":
		return rpcOK(req.ID, map[string]any{"tools": s.toolsList()})
	case "call_tool":
		p, perr := parseCallParams(req.Params)
		if perr != nil {
			return rpcFail(req.ID, perr)
		}
		t, ok := s.byName[p.Name]
		if !ok {
			return rpcFail(req.ID, newRPCError(codeMethodNotFound, "tool not found", map[string]any{"name": p.Name}))
		}
		a, err := t.decode(p.Arguments)
		if err != nil {
			return rpcFail(req.ID, newRPCError(codeInvalidParams, "bad arguments", err.Error()))
		}
		out, err := t.call(ctx, a)
		if err != nil {
			s.log.Warn("tool call failed", zap.String("tool", t.name), zap.String("caller", caller), zap.Error(err))
			return rpcFail(req.ID, newRPCError(codeToolFailed, err.Error(), nil))
		}
		s.log.Debug("tool call", zap.String("tool", t.name), zap.String("caller", caller))
		return rpcOK(req.ID, out)
	default:
		return rpcFail(req.ID, newRPCError(codeMethodNotFound, "method not found", nil))
	}
}

// decode validates raw arguments against the tool schema. Missing or null
// arguments are an empty object.
func (t *tool) decode(raw json.RawMessage) (args, error) {
	var doc any = map[string]any{}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
	}
	if err := t.compiled.Validate(doc); err != nil {
		return nil, err
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be an object")
	}
	return args(m), nil
}

func (s *Server) toolsList() []map[string]any {
	out := make([]map[string]any, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, map[string]any{
			"name":        t.name,
			"description": t.description,
			"inputSchema": t.schema,
		})
	}
	return out
}

func (s *Server) getStatus(_ context.Context, _ args) (any, error) {
	return s.gw.Status(), nil
}

func (s *Server) pollEvents(ctx context.Context, a args) (any, error) {
	wait := time.Duration(a.integer("wait_ms", 0)) * time.Millisecond
	evs, err := s.events.Poll(ctx, a.integer("max", 0), wait)
	if err != nil {
		return nil, err
	}
	if evs == nil {
		evs = []dispatch.WakeEvent{}
	}
	if s.social != nil {
		dispatch.AppendSocialContext(ctx, s.social, evs, s.log)
	}
	return map[string]any{"events": evs}, nil
}

func (s *Server) recallPastMemory(ctx context.Context, a args) (any, error) {
	if s.memory == nil {
		return map[string]any{"text": "Memory network is not connected."}, nil
	}
	memories, err := s.memory.SearchMemory(ctx, a.str("search_keyword"), a.integer("limit", defaultRecall))
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	var lines []string
	for _, m := range memories {
		if d := strings.TrimSpace(m.Description); d != "" {
			lines = append(lines, "- "+d)
		}
	}
	if len(lines) == 0 {
		return map[string]any{"text": "You tried hard to remember, but nothing came to mind."}, nil
	}
	return map[string]any{"text": "You remember:\n" + strings.Join(lines, "\n"), "count": len(lines)}, nil
}
