package protocol

// auth_error codes.
const (
	AuthInvalidToken     = "INVALID_TOKEN"
	AuthTokenExpired     = "TOKEN_EXPIRED"
	AuthNPCNotFound      = "NPC_NOT_FOUND"
	AuthAlreadyConnected = "ALREADY_CONNECTED"
	AuthVersionMismatch  = "VERSION_MISMATCH"
)

var knownAuthCodes = map[string]struct{}{
	AuthInvalidToken:     {},
	AuthTokenExpired:     {},
	AuthNPCNotFound:      {},
	AuthAlreadyConnected: {},
	AuthVersionMismatch:  {},
}

func IsKnownAuthCode(code string) bool {
	_, ok := knownAuthCodes[code]
	return ok
}

// AuthHint returns an operator-facing remedy for an auth_error code.
func AuthHint(code string) string {
	switch code {
	case AuthInvalidToken, AuthTokenExpired:
		return "update the bot token"
	case AuthNPCNotFound:
		return "the NPC bound to this token no longer exists; rebind it"
	case AuthAlreadyConnected:
		return "another client holds this token; stop it or issue a new token"
	case AuthVersionMismatch:
		return "upgrade the client or widen the protocol version range"
	default:
		return "check the gateway credentials"
	}
}
