package daemon

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/hubclient/internal/config"
	"github.com/matheus3301/hubclient/internal/router"
	"github.com/matheus3301/hubclient/internal/supervisor"
)

var errNoToken = errors.New("daemon: no access token")

// Connector pairs the current credentials with a handler table for their
// identity and hands both to the supervisor.
type Connector struct {
	sup    *supervisor.Supervisor
	build  func(identity int64) *router.Table
	logger *zap.Logger

	mu    sync.Mutex
	creds config.Credentials
	table *router.Table
}

// NewConnector creates a connector. build is called once per identity.
func NewConnector(sup *supervisor.Supervisor, build func(identity int64) *router.Table, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{sup: sup, build: build, logger: logger}
}

// Connect stores creds and ensures a live connection for them. A new
// identity gets a new handler table, which forces a rebuild.
func (c *Connector) Connect(ctx context.Context, creds config.Credentials) error {
	c.mu.Lock()
	var old *router.Table
	if c.table == nil || c.table.Identity() != creds.UserID {
		old = c.table
		c.table = c.build(creds.UserID)
	}
	c.creds = creds
	table := c.table
	c.mu.Unlock()

	if old != nil {
		c.logger.Info("identity changed, rebuilding handlers",
			zap.Int64("old", old.Identity()), zap.Int64("new", creds.UserID))
	}
	_, err := c.sup.EnsureConnected(ctx, creds, table)
	if old != nil {
		old.Wait()
	}
	return err
}

// Credentials returns the credentials last passed to Connect.
func (c *Connector) Credentials() config.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// Token returns the current bearer token for REST calls.
func (c *Connector) Token(context.Context) (string, error) {
	if t := c.Credentials().Token; t != "" {
		return t, nil
	}
	return "", errNoToken
}
