package supervisor

import (
	"context"
	"encoding/json"

	"github.com/matheus3301/hubclient/internal/hub"
)

// Transport is the live channel owned by the supervisor. *hub.Conn
// satisfies it.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Invoke(ctx context.Context, target string, args ...any) (json.RawMessage, error)
	On(target string, h hub.Handler)
	Off(target string)
	OnClose(func(error))
	OnReconnecting(func(error))
	OnReconnected(func())
	State() hub.State
}

// Dialer builds an unstarted transport.
type Dialer func(opts hub.Options) Transport

// HubDialer builds *hub.Conn transports.
func HubDialer(opts hub.Options) Transport {
	return hub.New(opts)
}

// HandlerSet is the event registry attached to every transport. ID
// identifies the set; a different ID forces a rebuild.
type HandlerSet interface {
	ID() string
	Handlers() map[string]hub.Handler
}
