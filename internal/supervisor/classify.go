package supervisor

import (
	"context"
	"errors"

	"github.com/matheus3301/hubclient/internal/hub"
	"github.com/matheus3301/hubclient/internal/policy"
)

var kindFailures = map[hub.Kind]policy.ConnectFailure{
	hub.KindTimeout:           policy.FailTimeout,
	hub.KindUnauthorized:      policy.FailUnauthorized,
	hub.KindForbidden:         policy.FailForbidden,
	hub.KindServerUnavailable: policy.FailServerUnavailable,
	hub.KindNegotiation:       policy.FailNegotiation,
	hub.KindWebSocket:         policy.FailWebSocket,
}

// classifyConnect prefers the transport's error kind and falls back to the
// message text.
func classifyConnect(err error) policy.ConnectFailure {
	if err == nil {
		return policy.FailGeneric
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return policy.FailTimeout
	}
	if k, ok := hub.KindOf(err); ok {
		if f, ok := kindFailures[k]; ok {
			return f
		}
	}
	return policy.ClassifyConnectText(err.Error())
}

func classifyDisconnect(err error) policy.Disconnect {
	if err == nil {
		return policy.DisconnectGeneric
	}
	switch k, _ := hub.KindOf(err); k {
	case hub.KindTimeout:
		return policy.DisconnectTimeout
	case hub.KindUnauthorized, hub.KindForbidden:
		return policy.DisconnectAuth
	}
	return policy.ClassifyDisconnectText(err.Error())
}
