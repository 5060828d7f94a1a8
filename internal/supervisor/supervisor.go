// Package supervisor owns the single real-time connection of the process:
// it builds and tears down the transport, applies the reconnect policy and
// tracks connection quality.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/hubclient/internal/bus"
	"github.com/matheus3301/hubclient/internal/config"
	"github.com/matheus3301/hubclient/internal/dedup"
	"github.com/matheus3301/hubclient/internal/hub"
	"github.com/matheus3301/hubclient/internal/metrics"
	"github.com/matheus3301/hubclient/internal/policy"
	"github.com/matheus3301/hubclient/internal/status"
	"github.com/matheus3301/hubclient/internal/wire"
)

var (
	// ErrMissingCredentials is returned when identity or token is absent.
	ErrMissingCredentials = errors.New("supervisor: identity and token are required")
	// ErrAlreadyClaimed is returned by New while another Supervisor is alive.
	ErrAlreadyClaimed = errors.New("supervisor: another supervisor owns the connection")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor: closed")
	// ErrNotConnected is returned by Invoke outside the Connected state.
	ErrNotConnected = errors.New("supervisor: not connected")

	errSuperseded = errors.New("supervisor: connect attempt superseded")
)

var claimed atomic.Bool

const (
	defaultHealthInterval = 30 * time.Second
	defaultMaxAttempts    = 5
	announceTimeout       = 15 * time.Second
	stopTimeout           = 5 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	URL              string
	HubPath          string
	NegotiateTimeout time.Duration
	HealthInterval   time.Duration
	MaxAttempts      int

	Dial       Dialer
	HTTPClient *http.Client
	// Backoff returns the delay before retry number previousAttempts+1.
	// Defaults to policy.ReconnectDelay with random jitter.
	Backoff func(previousAttempts int) time.Duration

	Machine *status.Machine
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Snapshot is a point-in-time copy of the connection state and metrics.
type Snapshot struct {
	State               status.State
	Identity            int64
	ReconnectAttempts   int
	ConnectAttempts     int
	LastConnectedAt     time.Time
	TotalDisconnections int
	AverageReconnectMs  float64
	Quality             policy.Quality
	LastError           string
	ErrorCategory       string
}

// ConnectFailure is the bus payload for a failed connect attempt.
type ConnectFailure struct {
	Category policy.ConnectFailure
	Message  string
	Attempt  int
	Terminal bool
}

// QualityChange is the bus payload for a quality tier change.
type QualityChange struct {
	From policy.Quality
	To   policy.Quality
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	opts    Options
	machine *status.Machine
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu                  sync.Mutex
	creds               config.Credentials
	handlers            HandlerSet
	key                 string
	transport           Transport
	connectAttempts     int
	reconnectAttempts   int
	reconnectStartedAt  time.Time
	lastConnectedAt     time.Time
	totalDisconnections int
	avgReconnectMs      float64
	quality             policy.Quality
	lastError           string
	errorCategory       string
	healthCancel        context.CancelFunc
	retryTimer          *time.Timer
	closed              bool
	releaseOnce         sync.Once
}

// New claims the process-wide connection slot.
func New(opts Options) (*Supervisor, error) {
	if !claimed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyClaimed
	}
	if opts.Dial == nil {
		opts.Dial = HubDialer
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff == nil {
		opts.Backoff = func(prev int) time.Duration { return policy.ReconnectDelay(prev, nil) }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Machine == nil {
		opts.Machine = status.NewMachine(opts.Bus)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:    opts,
		machine: opts.Machine,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		quality: policy.QualityExcellent,
	}, nil
}

func connKey(c config.Credentials, h HandlerSet) string {
	return strconv.FormatInt(c.UserID, 10) + "|" + dedup.Fingerprint(c.Token) + "|" + h.ID()
}

// EnsureConnected returns the live transport for (creds, handlers),
// building one when needed. Concurrent callers share one attempt.
func (s *Supervisor) EnsureConnected(ctx context.Context, creds config.Credentials, handlers HandlerSet) (Transport, error) {
	if !creds.Valid() || handlers == nil {
		return nil, ErrMissingCredentials
	}
	key := connKey(creds, handlers)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.transport != nil && s.key == key {
		t := s.transport
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	ch := s.group.DoChan(key, func() (any, error) {
		return s.connect(key, creds, handlers)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Transport), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) connect(key string, creds config.Credentials, handlers HandlerSet) (Transport, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.transport != nil && s.key == key {
		t := s.transport
		s.mu.Unlock()
		return t, nil
	}
	// Identity, credential or handler change: drop the old transport.
	old := s.detachLocked()
	s.creds, s.handlers, s.key = creds, handlers, key
	s.transitionLocked(status.Connecting)
	s.mu.Unlock()
	s.stopTransport(old)

	t := s.opts.Dial(hub.Options{
		URL:              s.opts.URL,
		HubPath:          s.opts.HubPath,
		AccessToken:      s.accessToken,
		RetryDelay:       s.retryDelay,
		NegotiateTimeout: s.opts.NegotiateTimeout,
		HTTPClient:       s.opts.HTTPClient,
		Logger:           s.logger.Named("hub"),
	})
	registered := handlers.Handlers()
	for name, h := range registered {
		t.On(name, h)
	}
	t.OnClose(func(err error) { s.onClose(t, err) })
	t.OnReconnecting(func(err error) { s.onReconnecting(t, err) })
	t.OnReconnected(func() { s.onReconnected(t) })

	err := t.Start(s.ctx)
	if err == nil {
		err = s.announce(t, creds.UserID)
	}
	if err != nil {
		detach(t, registered)
		s.stopTransport(t)
		s.mu.Lock()
		if s.key == key && !s.closed {
			s.connectFailedLocked(key, err)
		}
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	if s.key != key || s.closed {
		s.mu.Unlock()
		detach(t, registered)
		s.stopTransport(t)
		return nil, errSuperseded
	}
	s.transport = t
	s.connectAttempts = 0
	s.reconnectAttempts = 0
	s.lastConnectedAt = time.Now()
	s.lastError, s.errorCategory = "", ""
	s.transitionLocked(status.Connected)
	s.startHealthLocked(t)
	s.mu.Unlock()

	s.logger.Info("connected", zap.Int64("identity", creds.UserID))
	return t, nil
}

func (s *Supervisor) announce(t Transport, identity int64) error {
	ctx, cancel := context.WithTimeout(s.ctx, announceTimeout)
	defer cancel()
	if _, err := t.Invoke(ctx, wire.MethodAnnounce, identity); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

func (s *Supervisor) accessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds.Token == "" {
		return "", ErrMissingCredentials
	}
	return s.creds.Token, nil
}

// retryDelay drives the transport's automatic reconnect; it never gives up.
func (s *Supervisor) retryDelay(previousAttempts int, _ time.Duration) (time.Duration, bool) {
	return s.opts.Backoff(previousAttempts), true
}

func (s *Supervisor) connectFailedLocked(key string, err error) {
	cat := classifyConnect(err)
	s.lastError = cat.Message()
	s.errorCategory = string(cat)
	s.metrics.ConnectFailed(string(cat))

	failure := ConnectFailure{Category: cat, Message: cat.Message(), Attempt: s.connectAttempts + 1}
	if s.connectAttempts < s.opts.MaxAttempts {
		delay := s.opts.Backoff(s.connectAttempts)
		s.connectAttempts++
		s.transitionLocked(status.Disconnected)
		s.cancelRetryLocked()
		s.retryTimer = time.AfterFunc(delay, func() { s.retry(key) })
		s.logger.Warn("connect failed, retrying",
			zap.String("category", string(cat)),
			zap.Int("attempt", s.connectAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
	} else {
		failure.Terminal = true
		s.transitionLocked(status.Failed)
		s.setQualityLocked(policy.QualityCritical)
		s.logger.Error("connect failed, giving up",
			zap.String("category", string(cat)),
			zap.Int("attempts", s.connectAttempts),
			zap.Error(err))
	}
	s.bus.Emit(bus.KindConnectFailed, failure)
}

func (s *Supervisor) retry(key string) {
	s.mu.Lock()
	if s.closed || s.key != key || s.transport != nil {
		s.mu.Unlock()
		return
	}
	creds, handlers := s.creds, s.handlers
	s.mu.Unlock()

	if _, err := s.EnsureConnected(s.ctx, creds, handlers); err != nil {
		s.logger.Debug("scheduled retry failed", zap.Error(err))
	}
}

func (s *Supervisor) onClose(t Transport, err error) {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	s.totalDisconnections++
	cat := classifyDisconnect(err)
	if err != nil {
		s.lastError = cat.Message()
		s.errorCategory = string(cat)
	}
	s.stopHealthLocked()
	s.transitionLocked(status.Disconnected)
	handlers := s.handlers
	s.mu.Unlock()

	if handlers != nil {
		detach(t, handlers.Handlers())
	}
	s.metrics.Disconnected()
	s.logger.Warn("connection closed", zap.String("category", string(cat)), zap.Error(err))
}

func (s *Supervisor) onReconnecting(t Transport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != t {
		return
	}
	s.reconnectAttempts++
	s.reconnectStartedAt = time.Now()
	if err != nil {
		cat := classifyDisconnect(err)
		s.lastError = cat.Message()
		s.errorCategory = string(cat)
	}
	s.stopHealthLocked()
	s.transitionLocked(status.Reconnecting)
	s.logger.Warn("connection lost, reconnecting", zap.Int("attempt", s.reconnectAttempts), zap.Error(err))
}

func (s *Supervisor) onReconnected(t Transport) {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	took := time.Since(s.reconnectStartedAt)
	identity := s.creds.UserID
	s.mu.Unlock()

	// Nothing may use the connection before the server knows who it is.
	// A failed re-announce is surfaced, not retried.
	if err := s.announce(t, identity); err != nil {
		s.mu.Lock()
		if s.transport == t {
			s.lastError = policy.FailUnauthorized.Message()
			s.errorCategory = string(policy.DisconnectAuth)
		}
		s.mu.Unlock()
		s.logger.Error("re-announce failed", zap.Error(err))
		s.bus.Emit(bus.KindAuthFailed, err.Error())
		return
	}

	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	s.avgReconnectMs = policy.Smooth(s.avgReconnectMs, took)
	s.updateQualityLocked()
	s.reconnectAttempts = 0
	s.lastConnectedAt = time.Now()
	s.lastError, s.errorCategory = "", ""
	s.transitionLocked(status.Connected)
	s.startHealthLocked(t)
	s.mu.Unlock()

	s.metrics.Reconnected(took)
	s.logger.Info("reconnected", zap.Duration("took", took))
}

func (s *Supervisor) startHealthLocked(t Transport) {
	s.stopHealthLocked()
	ctx, cancel := context.WithCancel(s.ctx)
	s.healthCancel = cancel
	interval := s.opts.HealthInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.checkHealth(ctx, t, interval)
			}
		}
	}()
}

func (s *Supervisor) checkHealth(ctx context.Context, t Transport, interval time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	_, err := t.Invoke(ctx, wire.MethodHeartbeat)
	if err == nil || ctx.Err() == context.Canceled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != t {
		return
	}
	s.logger.Warn("health check failed", zap.Error(err))
	s.setQualityLocked(policy.QualityPoor)
}

func (s *Supervisor) stopHealthLocked() {
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthCancel = nil
	}
}

func (s *Supervisor) cancelRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Supervisor) updateQualityLocked() {
	s.setQualityLocked(policy.Classify(s.totalDisconnections, s.avgReconnectMs))
}

func (s *Supervisor) setQualityLocked(q policy.Quality) {
	if q == s.quality {
		return
	}
	from := s.quality
	s.quality = q
	s.metrics.SetQuality(q.Score())
	s.bus.Emit(bus.KindQualityChanged, QualityChange{From: from, To: q})
}

func (s *Supervisor) transitionLocked(to status.State) {
	if err := s.machine.Transition(to); err != nil {
		s.logger.Warn("lifecycle transition rejected", zap.Error(err))
		return
	}
	s.metrics.SetState(string(to))
}

// detachLocked clears the singleton references and returns the transport
// that was live, if any. Callbacks are cleared so the transport can no
// longer reach the supervisor.
func (s *Supervisor) detachLocked() Transport {
	s.stopHealthLocked()
	s.cancelRetryLocked()
	t := s.transport
	s.transport = nil
	if t != nil {
		t.OnClose(nil)
		t.OnReconnecting(nil)
		t.OnReconnected(nil)
		if s.handlers != nil {
			detach(t, s.handlers.Handlers())
		}
	}
	s.transitionLocked(status.Disconnected)
	return t
}

func detach(t Transport, handlers map[string]hub.Handler) {
	for name := range handlers {
		t.Off(name)
	}
}

// stopTransport stops t, closing gracefully when it is connected and
// aborting any reconnect cycle otherwise. Safe with nil.
func (s *Supervisor) stopTransport(t Transport) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := t.Stop(ctx); err != nil {
		s.logger.Debug("transport stop", zap.Error(err))
	}
}

// Teardown deregisters handlers, closes the transport and clears all
// timers. Safe to call repeatedly and without a transport.
func (s *Supervisor) Teardown() {
	s.mu.Lock()
	t := s.detachLocked()
	s.key = ""
	s.mu.Unlock()
	s.stopTransport(t)
}

// Reconnect resets the attempt counters and connects again with the last
// credentials. It cancels a pending automatic retry.
func (s *Supervisor) Reconnect(ctx context.Context) (Transport, error) {
	s.mu.Lock()
	s.connectAttempts = 0
	s.reconnectAttempts = 0
	s.cancelRetryLocked()
	creds, handlers := s.creds, s.handlers
	s.mu.Unlock()
	return s.EnsureConnected(ctx, creds, handlers)
}

// ForceReconnect also zeroes the disconnection and quality counters and
// rebuilds the transport.
func (s *Supervisor) ForceReconnect(ctx context.Context) (Transport, error) {
	s.mu.Lock()
	s.connectAttempts = 0
	s.reconnectAttempts = 0
	s.totalDisconnections = 0
	s.avgReconnectMs = 0
	s.setQualityLocked(policy.QualityExcellent)
	creds, handlers := s.creds, s.handlers
	t := s.detachLocked()
	s.key = ""
	s.mu.Unlock()
	s.stopTransport(t)
	return s.EnsureConnected(ctx, creds, handlers)
}

// SetCredentials replaces the credentials. When they differ from the live
// ones, the transport is rebuilt.
func (s *Supervisor) SetCredentials(ctx context.Context, creds config.Credentials) (Transport, error) {
	s.mu.Lock()
	handlers := s.handlers
	s.mu.Unlock()
	if handlers == nil {
		return nil, ErrMissingCredentials
	}
	return s.EnsureConnected(ctx, creds, handlers)
}

// State returns the lifecycle state.
func (s *Supervisor) State() status.State {
	return s.machine.Current()
}

// Invoke calls a hub method on the live transport.
func (s *Supervisor) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil || s.machine.Current() != status.Connected {
		return nil, ErrNotConnected
	}
	return t.Invoke(ctx, method, args...)
}

// Identity returns the identity of the current credentials.
func (s *Supervisor) Identity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.UserID
}

// Snapshot returns the current state and metrics.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:               s.machine.Current(),
		Identity:            s.creds.UserID,
		ReconnectAttempts:   s.reconnectAttempts,
		ConnectAttempts:     s.connectAttempts,
		LastConnectedAt:     s.lastConnectedAt,
		TotalDisconnections: s.totalDisconnections,
		AverageReconnectMs:  s.avgReconnectMs,
		Quality:             s.quality,
		LastError:           s.lastError,
		ErrorCategory:       s.errorCategory,
	}
}

// Close tears down the connection and releases the process claim.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Teardown()
	s.cancel()
	s.releaseOnce.Do(func() { claimed.Store(false) })
}
