package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolFailed     = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message) }

func newRPCError(code int, msg string, data any) *rpcError {
	return &rpcError{Code: code, Message: msg, Data: data}
}

func rpcFail(id json.RawMessage, e *rpcError) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: e}
}

func rpcOK(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// paramsRule says what a method accepts in params.
type paramsRule int

const (
	paramsNone     paramsRule = iota // absent, null or {}
	paramsOptional                   // absent, null or any object
	paramsRequired                   // an object
)

var methodParams = map[string]paramsRule{
	"initialize": paramsOptional,
	"list_tools": paramsNone,
	"call_tool":  paramsRequired,
}

// parseRPCRequest decodes one request and checks its params against the
// method's rule. Failures carry the JSON-RPC error to send back; the id is
// returned whenever it could be read.
func parseRPCRequest(body []byte) (rpcRequest, *rpcError) {
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return rpcRequest{}, newRPCError(codeParseError, "parse error", err.Error())
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return req, newRPCError(codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
	}
	if req.Method == "" {
		return req, newRPCError(codeInvalidRequest, "missing method", nil)
	}
	rule, ok := methodParams[req.Method]
	if !ok {
		return req, newRPCError(codeMethodNotFound, "method not found", map[string]any{"method": req.Method})
	}
	params, isObject := paramsObject(req.Params)
	switch {
	case !isObject:
		return req, newRPCError(codeInvalidParams, "params must be an object", nil)
	case rule == paramsRequired && params == nil:
		return req, newRPCError(codeInvalidParams, "missing params", nil)
	case rule == paramsNone && len(params) > 0:
		return req, newRPCError(codeInvalidParams, req.Method+" takes no params", nil)
	}
	return req, nil
}

// paramsObject reports whether raw is absent, null or an object. The map is
// nil for absent or null params.
func paramsObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, true
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, false
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, true
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func parseCallParams(raw json.RawMessage) (callParams, *rpcError) {
	var p callParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return callParams{}, newRPCError(codeInvalidParams, "bad params", err.Error())
	}
	if p.Name == "" {
		return callParams{}, newRPCError(codeInvalidParams, "missing tool name", nil)
	}
	return p, nil
}
