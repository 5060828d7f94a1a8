// Package hub is a client for the chat service's real-time hub: HTTP
// negotiation, a websocket carrying record-separated JSON frames, RPC
// invocations with completions, and automatic reconnection.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// State is the transport connection state.
type State string

const (
	StateDisconnected State = "Disconnected"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
	StateReconnecting State = "Reconnecting"
)

const (
	defaultHubPath          = "/chat-hub"
	defaultNegotiateTimeout = 30 * time.Second
	defaultPingInterval     = 15 * time.Second
	defaultServerTimeout    = 30 * time.Second
	readLimit               = 4 << 20
	eventBuffer             = 256
)

var errServerTimeout = errors.New("server timeout elapsed without receiving a message from the server")

// Handler receives the first argument of a server invocation.
type Handler func(payload json.RawMessage)

// RetryDelay returns how long to wait before reconnect attempt
// previousAttempts+1, or false to stop reconnecting.
type RetryDelay func(previousAttempts int, elapsed time.Duration) (time.Duration, bool)

// Options configures a Conn.
type Options struct {
	// URL is the server base URL, http or https.
	URL     string
	HubPath string
	// AccessToken is called on every negotiation.
	AccessToken func(ctx context.Context) (string, error)
	// RetryDelay enables automatic reconnection when set.
	RetryDelay       RetryDelay
	NegotiateTimeout time.Duration
	PingInterval     time.Duration
	ServerTimeout    time.Duration
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

// wsConn abstracts the websocket so tests can substitute it.
// *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, u string, opts *websocket.DialOptions) (wsConn, *http.Response, error)

func defaultDial(ctx context.Context, u string, opts *websocket.DialOptions) (wsConn, *http.Response, error) {
	return websocket.Dial(ctx, u, opts) //nolint:bodyclose // websocket.Dial closes the response body
}

type result struct {
	raw json.RawMessage
	err error
}

type pendingCall struct {
	target string
	ch     chan result
}

type event struct {
	target  string
	payload json.RawMessage
}

// Conn is a single hub connection. It can be started once; after Stop a new
// Conn must be built.
type Conn struct {
	opts   Options
	logger *zap.Logger
	dial   dialFunc

	mu         sync.Mutex
	state      State
	ws         wsConn
	connID     string
	handlers   map[string]Handler
	pending    map[string]pendingCall
	closeErr   error
	noRetry    bool
	stopped    bool
	connCancel context.CancelFunc
	readDone   chan struct{}

	onClose        func(error)
	onReconnecting func(error)
	onReconnected  func()

	stopCh       chan struct{}
	events       chan event
	dispatchOnce sync.Once
	writeMu      sync.Mutex
	nextID       atomic.Uint64
	lastRead     atomic.Int64
}

// New creates a disconnected Conn.
func New(opts Options) *Conn {
	if opts.HubPath == "" {
		opts.HubPath = defaultHubPath
	}
	if opts.NegotiateTimeout <= 0 {
		opts.NegotiateTimeout = defaultNegotiateTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ServerTimeout <= 0 {
		opts.ServerTimeout = defaultServerTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Conn{
		opts:     opts,
		logger:   opts.Logger,
		dial:     defaultDial,
		state:    StateDisconnected,
		handlers: make(map[string]Handler),
		pending:  make(map[string]pendingCall),
		stopCh:   make(chan struct{}),
		events:   make(chan event, eventBuffer),
	}
}

// On registers h for server invocations of target, replacing any previous one.
func (c *Conn) On(target string, h Handler) {
	c.mu.Lock()
	c.handlers[target] = h
	c.mu.Unlock()
}

// Off removes the handler for target.
func (c *Conn) Off(target string) {
	c.mu.Lock()
	delete(c.handlers, target)
	c.mu.Unlock()
}

// OnClose is called when the connection closes for good, with nil after Stop.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// OnReconnecting is called when the connection drops and a reconnect begins.
func (c *Conn) OnReconnecting(fn func(error)) {
	c.mu.Lock()
	c.onReconnecting = fn
	c.mu.Unlock()
}

// OnReconnected is called after an automatic reconnect succeeds.
func (c *Conn) OnReconnected(fn func()) {
	c.mu.Lock()
	c.onReconnected = fn
	c.mu.Unlock()
}

// State returns the connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the id assigned by the last negotiation.
func (c *Conn) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Start negotiates and opens the connection.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return &Error{Kind: KindClosed, Op: "start", Err: errors.New("connection was stopped")}
	}
	if c.state != StateDisconnected {
		st := c.state
		c.mu.Unlock()
		return &Error{Kind: KindClosed, Op: "start", Err: fmt.Errorf("cannot start in state %s", st)}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.dispatchOnce.Do(func() { go c.dispatch() })

	ws, id, leftover, err := c.connect(ctx)

	c.mu.Lock()
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}
	if c.stopped {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return &Error{Kind: KindClosed, Op: "start", Err: errors.New("connection was stopped")}
	}
	c.attachLocked(ws, id)
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("hub connected", zap.String("connection_id", id))
	for _, f := range leftover {
		c.handleFrame(ws, f)
	}
	return nil
}

// Stop closes the connection and aborts any reconnect in progress.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	ws, done := c.ws, c.readDone
	if ws == nil {
		prev := c.state
		c.state = StateDisconnected
		cb := c.onClose
		c.mu.Unlock()
		if prev == StateReconnecting && cb != nil {
			cb(nil)
		}
		return nil
	}
	c.mu.Unlock()

	_ = ws.Close(websocket.StatusNormalClosure, "")
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke calls a server method and waits for its completion.
func (c *Conn) Invoke(ctx context.Context, target string, args ...any) (json.RawMessage, error) {
	op := "invoke " + target

	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return nil, &Error{Kind: KindClosed, Op: op, Err: ErrNotConnected}
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan result, 1)
	c.pending[id] = pendingCall{target: target, ch: ch}
	ws := c.ws
	c.mu.Unlock()

	if args == nil {
		args = []any{}
	}
	frame, err := encodeFrame(invocation{Type: frameInvocation, InvocationID: id, Target: target, Arguments: args})
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("encode %s: %w", target, err)
	}
	if err := c.write(ctx, ws, frame); err != nil {
		c.dropPending(id)
		return nil, wrap(op, KindWebSocket, 0, err)
	}

	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, wrap(op, KindGeneric, 0, ctx.Err())
	}
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(ctx context.Context, ws wsConn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.Write(ctx, websocket.MessageText, frame)
}

// connect runs negotiate, dial and handshake under the negotiate timeout.
func (c *Conn) connect(ctx context.Context) (wsConn, string, [][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.NegotiateTimeout)
	defer cancel()

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, "", nil, wrap("access token", KindUnauthorized, 0, err)
	}
	neg, err := c.negotiate(ctx, token)
	if err != nil {
		return nil, "", nil, err
	}
	wsURL, err := c.socketURL(neg.ConnectionToken, token)
	if err != nil {
		return nil, "", nil, wrap("connect", KindWebSocket, 0, err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := c.dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, "", nil, wrap("connect", KindWebSocket, status, fmt.Errorf("websocket failed to connect: %w", err))
	}
	ws.SetReadLimit(readLimit)

	leftover, err := c.handshake(ctx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, "", nil, err
	}
	return ws, neg.ConnectionID, leftover, nil
}

func (c *Conn) accessToken(ctx context.Context) (string, error) {
	if c.opts.AccessToken == nil {
		return "", nil
	}
	return c.opts.AccessToken(ctx)
}

func (c *Conn) negotiate(ctx context.Context, token string) (*negotiateResponse, error) {
	u := strings.TrimRight(c.opts.URL, "/") + c.opts.HubPath + "/negotiate?negotiateVersion=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, wrap("negotiate", KindNegotiation, 0, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, wrap("negotiate", KindNegotiation, 0, fmt.Errorf("failed to complete negotiation with the server: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return nil, wrap("negotiate", KindNegotiation, resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}
	var neg negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&neg); err != nil {
		return nil, wrap("negotiate", KindNegotiation, 0, fmt.Errorf("decode negotiate response: %w", err))
	}
	if neg.Error != "" {
		return nil, &Error{Kind: KindNegotiation, Op: "negotiate", Err: errors.New(neg.Error)}
	}
	if neg.ConnectionToken == "" {
		neg.ConnectionToken = neg.ConnectionID
	}
	return &neg, nil
}

func (c *Conn) socketURL(connToken, accessToken string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.opts.URL, "/") + c.opts.HubPath)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	if connToken != "" {
		q.Set("id", connToken)
	}
	if accessToken != "" {
		q.Set("access_token", accessToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handshake returns any frames that arrived with the handshake response.
func (c *Conn) handshake(ctx context.Context, ws wsConn) ([][]byte, error) {
	req, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return nil, err
	}
	if err := ws.Write(ctx, websocket.MessageText, req); err != nil {
		return nil, wrap("handshake", KindWebSocket, 0, err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, wrap("handshake", KindWebSocket, 0, err)
	}
	frames := splitFrames(data)
	if len(frames) == 0 {
		return nil, &Error{Kind: KindNegotiation, Op: "handshake", Err: errors.New("empty handshake response")}
	}
	var resp handshakeResponse
	if err := json.Unmarshal(frames[0], &resp); err != nil {
		return nil, &Error{Kind: KindNegotiation, Op: "handshake", Err: fmt.Errorf("decode handshake response: %w", err)}
	}
	if resp.Error != "" {
		return nil, &Error{Kind: KindNegotiation, Op: "handshake", Err: errors.New(resp.Error)}
	}
	return frames[1:], nil
}

func (c *Conn) attachLocked(ws wsConn, id string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.ws = ws
	c.connID = id
	c.connCancel = cancel
	c.readDone = done
	c.closeErr = nil
	c.noRetry = false
	c.lastRead.Store(time.Now().UnixNano())

	go c.readLoop(ctx, ws, done)
	go c.keepAlive(ctx, ws)
}

func (c *Conn) readLoop(ctx context.Context, ws wsConn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.connectionLost(ws, err)
			return
		}
		c.lastRead.Store(time.Now().UnixNano())
		for _, f := range splitFrames(data) {
			c.handleFrame(ws, f)
		}
	}
}

func (c *Conn) handleFrame(ws wsConn, f []byte) {
	var in inbound
	if err := json.Unmarshal(f, &in); err != nil {
		c.logger.Warn("hub frame decode failed", zap.Error(err))
		return
	}
	switch in.Type {
	case frameInvocation:
		var payload json.RawMessage
		if len(in.Arguments) > 0 {
			payload = in.Arguments[0]
		}
		select {
		case c.events <- event{target: in.Target, payload: payload}:
		case <-c.stopCh:
		}
	case frameCompletion:
		c.mu.Lock()
		call, ok := c.pending[in.InvocationID]
		delete(c.pending, in.InvocationID)
		c.mu.Unlock()
		if !ok {
			return
		}
		if in.Error != "" {
			call.ch <- result{err: &Error{Kind: KindInvocation, Op: "invoke " + call.target, Err: errors.New(in.Error)}}
			return
		}
		call.ch <- result{raw: in.Result}
	case framePing:
	case frameClose:
		msg := in.Error
		if msg == "" {
			msg = "server closed the connection"
		}
		c.mu.Lock()
		c.closeErr = errors.New(msg)
		c.noRetry = !in.AllowReconnect
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "")
	default:
		c.logger.Debug("hub frame ignored", zap.Int("type", in.Type))
	}
}

// keepAlive pings the server and closes the socket when the server has been
// silent for longer than ServerTimeout.
func (c *Conn) keepAlive(ctx context.Context, ws wsConn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	frame, _ := encodeFrame(ping{Type: framePing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, c.lastRead.Load()))
			if silent > c.opts.ServerTimeout {
				c.mu.Lock()
				if c.closeErr == nil {
					c.closeErr = errServerTimeout
				}
				c.mu.Unlock()
				_ = ws.Close(websocket.StatusGoingAway, "server timeout")
				return
			}
			if err := c.write(ctx, ws, frame); err != nil {
				c.logger.Debug("hub ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Conn) connectionLost(ws wsConn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.connCancel != nil {
		c.connCancel()
	}
	if c.closeErr != nil {
		err = c.closeErr
	}
	pending := c.pending
	c.pending = make(map[string]pendingCall)
	stopped := c.stopped
	retry := !stopped && !c.noRetry && c.opts.RetryDelay != nil
	if retry {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	onClose, onReconnecting := c.onClose, c.onReconnecting
	c.mu.Unlock()

	lost := &Error{Kind: KindClosed, Op: "read", Err: err}
	for _, call := range pending {
		call.ch <- result{err: lost}
	}

	switch {
	case stopped:
		c.logger.Info("hub stopped")
		if onClose != nil {
			onClose(nil)
		}
	case retry:
		c.logger.Warn("hub connection lost, reconnecting", zap.Error(err))
		if onReconnecting != nil {
			onReconnecting(lost)
		}
		go c.reconnectLoop(lost)
	default:
		c.logger.Warn("hub connection closed", zap.Error(err))
		if onClose != nil {
			onClose(lost)
		}
	}
}

func (c *Conn) reconnectLoop(lastErr error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		delay, ok := c.opts.RetryDelay(attempt, time.Since(start))
		if !ok {
			c.giveUp(lastErr)
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		ws, id, leftover, err := c.connect(ctx)
		cancel()

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			if ws != nil {
				_ = ws.Close(websocket.StatusNormalClosure, "")
			}
			return
		}
		if err != nil {
			c.mu.Unlock()
			c.logger.Warn("hub reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			lastErr = err
			continue
		}
		c.attachLocked(ws, id)
		c.state = StateConnected
		cb := c.onReconnected
		c.mu.Unlock()

		c.logger.Info("hub reconnected", zap.String("connection_id", id), zap.Int("attempts", attempt+1))
		for _, f := range leftover {
			c.handleFrame(ws, f)
		}
		if cb != nil {
			cb()
		}
		return
	}
}

func (c *Conn) giveUp(lastErr error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb(lastErr)
	}
}

// dispatch runs handlers one at a time in delivery order.
func (c *Conn) dispatch() {
	for {
		select {
		case <-c.stopCh:
			return
		case ev := <-c.events:
			c.mu.Lock()
			h := c.handlers[ev.target]
			c.mu.Unlock()
			if h == nil {
				c.logger.Debug("no handler for hub event", zap.String("target", ev.target))
				continue
			}
			c.run(ev, h)
		}
	}
}

func (c *Conn) run(ev event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("hub handler panicked", zap.String("target", ev.target), zap.Any("panic", r))
		}
	}()
	h(ev.payload)
}
