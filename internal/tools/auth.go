package tools

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerAgentID   = "x-agent-id"
	headerTS        = "x-ts"
	headerSignature = "x-signature"
	headerNonce     = "x-nonce"

	clockSkew = 5 * time.Minute
)

// canonicalRequest is the signed string:
// ts \n METHOD \n path \n agent id \n nonce \n body.
func canonicalRequest(ts, method, path, agentID, nonce string, body []byte) string {
	return strings.Join([]string{
		ts,
		strings.ToUpper(method),
		path,
		strings.TrimSpace(agentID),
		strings.TrimSpace(nonce),
		string(body),
	}, "\n")
}

func Sign(secret []byte, ts, method, path, agentID, nonce string, body []byte) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonicalRequest(ts, method, path, agentID, nonce, body)))
	return hex.EncodeToString(h.Sum(nil))
}

type authResult struct {
	Caller    string
	Signature string
	Status    int
	Message   string
}

func (a authResult) ok() bool { return a.Status == 0 }

func denied(msg string) authResult {
	return authResult{Status: http.StatusUnauthorized, Message: msg}
}

func verifyRequest(r *http.Request, body, secret []byte, now time.Time) authResult {
	agentID := strings.TrimSpace(r.Header.Get(headerAgentID))
	if agentID == "" {
		return denied("missing x-agent-id")
	}
	ts := strings.TrimSpace(r.Header.Get(headerTS))
	if ts == "" {
		return denied("missing x-ts")
	}
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(headerSignature)))
	if sig == "" {
		return denied("missing x-signature")
	}
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	if nonce == "" {
		return denied("missing x-nonce")
	}

	tsMS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return denied("bad x-ts")
	}
	if d := now.Sub(time.UnixMilli(tsMS)); d > clockSkew || d < -clockSkew {
		return denied("x-ts outside window")
	}
	want := Sign(secret, ts, r.Method, r.URL.Path, agentID, nonce, body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return denied("bad signature")
	}
	return authResult{Caller: agentID, Signature: sig}
}
