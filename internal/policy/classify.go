package policy

import "strings"

// ConnectFailure categorizes a failed initial connection attempt.
type ConnectFailure string

const (
	FailTimeout           ConnectFailure = "timeout"
	FailUnauthorized      ConnectFailure = "unauthorized"
	FailForbidden         ConnectFailure = "forbidden"
	FailServerUnavailable ConnectFailure = "server_unavailable"
	FailNegotiation       ConnectFailure = "negotiation_failed"
	FailWebSocket         ConnectFailure = "websocket_failed"
	FailGeneric           ConnectFailure = "generic"
)

var connectMessages = map[ConnectFailure]string{
	FailTimeout:           "Connection timed out. Check your network and try again.",
	FailUnauthorized:      "Your session has expired. Please sign in again.",
	FailForbidden:         "You do not have permission to access chat.",
	FailServerUnavailable: "Chat server is temporarily unavailable. Retrying shortly.",
	FailNegotiation:       "Could not negotiate a connection with the chat server.",
	FailWebSocket:         "Real-time connection could not be established.",
	FailGeneric:           "Unable to connect to chat.",
}

// Message returns the user-facing text for f.
func (f ConnectFailure) Message() string {
	if m, ok := connectMessages[f]; ok {
		return m
	}
	return connectMessages[FailGeneric]
}

type rule[T any] struct {
	needles []string
	result  T
}

// Ordered most specific first: "negotiation timed out" is a timeout, and a
// negotiate 401 is unauthorized rather than a negotiation failure.
var connectRules = []rule[ConnectFailure]{
	{[]string{"timeout", "timed out", "deadline exceeded"}, FailTimeout},
	{[]string{"401", "unauthorized"}, FailUnauthorized},
	{[]string{"403", "forbidden"}, FailForbidden},
	{[]string{"502", "503", "bad gateway", "service unavailable"}, FailServerUnavailable},
	{[]string{"negotiat"}, FailNegotiation},
	{[]string{"websocket"}, FailWebSocket},
}

// ClassifyConnectText maps an error message to a connect failure category.
func ClassifyConnectText(msg string) ConnectFailure {
	return match(connectRules, msg, FailGeneric)
}

// Disconnect categorizes a steady-state close, for display only.
type Disconnect string

const (
	DisconnectTimeout Disconnect = "timeout"
	DisconnectAuth    Disconnect = "auth"
	DisconnectNetwork Disconnect = "network"
	DisconnectGeneric Disconnect = "generic"
)

var disconnectMessages = map[Disconnect]string{
	DisconnectTimeout: "Connection lost: the server stopped responding.",
	DisconnectAuth:    "Connection closed: authentication is no longer valid.",
	DisconnectNetwork: "Connection lost: network unavailable.",
	DisconnectGeneric: "Connection lost.",
}

// Message returns the user-facing text for d.
func (d Disconnect) Message() string {
	if m, ok := disconnectMessages[d]; ok {
		return m
	}
	return disconnectMessages[DisconnectGeneric]
}

var disconnectRules = []rule[Disconnect]{
	{[]string{"timeout", "timed out", "deadline exceeded"}, DisconnectTimeout},
	{[]string{"401", "403", "unauthorized", "forbidden", "auth"}, DisconnectAuth},
	{[]string{"network", "connection reset", "connection refused", "eof", "broken pipe", "no such host", "websocket"}, DisconnectNetwork},
}

// ClassifyDisconnectText maps a close error message to a display category.
func ClassifyDisconnectText(msg string) Disconnect {
	if msg == "" {
		return DisconnectGeneric
	}
	return match(disconnectRules, msg, DisconnectGeneric)
}

func match[T any](rules []rule[T], msg string, fallback T) T {
	lower := strings.ToLower(msg)
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(lower, n) {
				return r.result
			}
		}
	}
	return fallback
}
