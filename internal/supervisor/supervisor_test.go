package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/hubclient/internal/bus"
	"github.com/matheus3301/hubclient/internal/config"
	"github.com/matheus3301/hubclient/internal/hub"
	"github.com/matheus3301/hubclient/internal/policy"
	"github.com/matheus3301/hubclient/internal/status"
	"github.com/matheus3301/hubclient/internal/wire"
)

type fakeTransport struct {
	mu             sync.Mutex
	startErr       error
	startDelay     time.Duration
	invoke         func(target string, args []any) (json.RawMessage, error)
	handlers       map[string]hub.Handler
	calls          []string
	onClose        func(error)
	onReconnecting func(error)
	onReconnected  func()
	stopped        int
}

func (f *fakeTransport) Start(ctx context.Context) error {
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	return f.startErr
}

func (f *fakeTransport) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Invoke(_ context.Context, target string, args ...any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target)
	fn := f.invoke
	f.mu.Unlock()
	if fn != nil {
		return fn(target, args)
	}
	return nil, nil
}

func (f *fakeTransport) On(target string, h hub.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]hub.Handler)
	}
	f.handlers[target] = h
}

func (f *fakeTransport) Off(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, target)
}

func (f *fakeTransport) OnClose(fn func(error)) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnReconnecting(fn func(error)) {
	f.mu.Lock()
	f.onReconnecting = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnReconnected(fn func()) {
	f.mu.Lock()
	f.onReconnected = fn
	f.mu.Unlock()
}

func (f *fakeTransport) State() hub.State { return hub.StateConnected }

func (f *fakeTransport) count(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == target {
			n++
		}
	}
	return n
}

func (f *fakeTransport) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeTransport) fireClose(err error) {
	f.mu.Lock()
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeTransport) fireReconnecting(err error) {
	f.mu.Lock()
	fn := f.onReconnecting
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeTransport) fireReconnected() {
	f.mu.Lock()
	fn := f.onReconnected
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type handlerSet struct {
	id string
}

func (h handlerSet) ID() string { return h.id }

func (h handlerSet) Handlers() map[string]hub.Handler {
	noop := func(json.RawMessage) {}
	return map[string]hub.Handler{
		wire.EventReceiveMessage: noop,
		wire.EventReceiveTyping:  noop,
	}
}

type dialer struct {
	mu    sync.Mutex
	made  []*fakeTransport
	setup func(n int, f *fakeTransport)
	opts  []hub.Options
}

func (d *dialer) dial(opts hub.Options) Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := &fakeTransport{}
	if d.setup != nil {
		d.setup(len(d.made), f)
	}
	d.made = append(d.made, f)
	d.opts = append(d.opts, opts)
	return f
}

func (d *dialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.made)
}

func (d *dialer) at(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.made[i]
}

func (d *dialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.made[len(d.made)-1]
}

var creds = config.Credentials{UserID: 42, Token: "tok"}

func newSupervisor(t *testing.T, d *dialer, mutate func(*Options)) (*Supervisor, *bus.Bus) {
	t.Helper()
	b := bus.New()
	opts := Options{
		URL:            "http://hub.invalid",
		Dial:           d.dial,
		Bus:            b,
		HealthInterval: time.Hour,
		Backoff:        func(int) time.Duration { return time.Millisecond },
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnsureConnectedConcurrentCallersShareOneAttempt(t *testing.T) {
	d := &dialer{setup: func(_ int, f *fakeTransport) { f.startDelay = 50 * time.Millisecond }}
	s, _ := newSupervisor(t, d, nil)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h1"}); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d callers failed", failures.Load())
	}
	if d.dials() != 1 {
		t.Errorf("dials = %d, want 1", d.dials())
	}
	if n := d.last().count(wire.MethodAnnounce); n != 1 {
		t.Errorf("Announce calls = %d, want 1", n)
	}
	if s.State() != status.Connected {
		t.Errorf("State() = %s, want CONNECTED", s.State())
	}
}

func TestEnsureConnectedReusesTransport(t *testing.T) {
	d := &dialer{}
	s, _ := newSupervisor(t, d, nil)
	ctx := context.Background()

	first, err := s.EnsureConnected(ctx, creds, handlerSet{id: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.EnsureConnected(ctx, creds, handlerSet{id: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if first != second || d.dials() != 1 {
		t.Errorf("same credentials rebuilt the transport (dials = %d)", d.dials())
	}
	if got := d.last().handlerCount(); got != 2 {
		t.Errorf("handlers attached = %d, want 2", got)
	}
}

func TestEnsureConnectedRebuildsOnChange(t *testing.T) {
	tests := []struct {
		name     string
		creds    config.Credentials
		handlers string
	}{
		{"token", config.Credentials{UserID: 42, Token: "other"}, "h1"},
		{"identity", config.Credentials{UserID: 7, Token: "tok"}, "h1"},
		{"handlers", creds, "h2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &dialer{}
			s, _ := newSupervisor(t, d, nil)
			ctx := context.Background()

			if _, err := s.EnsureConnected(ctx, creds, handlerSet{id: "h1"}); err != nil {
				t.Fatal(err)
			}
			old := d.last()
			if _, err := s.EnsureConnected(ctx, tt.creds, handlerSet{id: tt.handlers}); err != nil {
				t.Fatal(err)
			}
			if d.dials() != 2 {
				t.Fatalf("dials = %d, want 2", d.dials())
			}
			if old.stops() == 0 {
				t.Error("old transport was not stopped")
			}
			if old.handlerCount() != 0 {
				t.Error("old transport kept its handlers")
			}
			if s.Identity() != tt.creds.UserID {
				t.Errorf("Identity() = %d, want %d", s.Identity(), tt.creds.UserID)
			}
		})
	}
}

func TestEnsureConnectedMissingCredentials(t *testing.T) {
	d := &dialer{}
	s, _ := newSupervisor(t, d, nil)

	for _, c := range []config.Credentials{{}, {UserID: 1}, {Token: "tok"}} {
		if _, err := s.EnsureConnected(context.Background(), c, handlerSet{id: "h"}); !errors.Is(err, ErrMissingCredentials) {
			t.Errorf("EnsureConnected(%+v) error = %v, want ErrMissingCredentials", c, err)
		}
	}
	if d.dials() != 0 {
		t.Errorf("dials = %d, want 0", d.dials())
	}
}

func TestConnectFailureRetriesThenFails(t *testing.T) {
	d := &dialer{setup: func(_ int, f *fakeTransport) {
		f.startErr = &hub.Error{Kind: hub.KindUnauthorized, Op: "negotiate", Status: 401}
	}}
	s, b := newSupervisor(t, d, func(o *Options) { o.MaxAttempts = 2 })
	events, unsub := b.Subscribe("conn.connect_failed", 16)
	defer unsub()

	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); err == nil {
		t.Fatal("EnsureConnected() succeeded, want error")
	}
	waitFor(t, "FAILED state", func() bool { return s.State() == status.Failed })

	if d.dials() != 3 {
		t.Errorf("dials = %d, want 3 (initial + 2 retries)", d.dials())
	}
	snap := s.Snapshot()
	if snap.Quality != policy.QualityCritical {
		t.Errorf("Quality = %s, want critical", snap.Quality)
	}
	if snap.ErrorCategory != string(policy.FailUnauthorized) {
		t.Errorf("ErrorCategory = %q", snap.ErrorCategory)
	}
	if snap.LastError != policy.FailUnauthorized.Message() {
		t.Errorf("LastError = %q", snap.LastError)
	}

	var terminal bool
	for len(events) > 0 {
		ev := <-events
		if ev.Payload.(ConnectFailure).Terminal {
			terminal = true
		}
	}
	if !terminal {
		t.Error("no terminal connect_failed event")
	}
}

func TestReconnectResumesAfterFailure(t *testing.T) {
	var healthy atomic.Bool
	d := &dialer{setup: func(_ int, f *fakeTransport) {
		if !healthy.Load() {
			f.startErr = errors.New("503 Service Unavailable")
		}
	}}
	s, _ := newSupervisor(t, d, func(o *Options) { o.MaxAttempts = 1 })

	_, _ = s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"})
	waitFor(t, "FAILED state", func() bool { return s.State() == status.Failed })
	if got := s.Snapshot().ErrorCategory; got != string(policy.FailServerUnavailable) {
		t.Errorf("ErrorCategory = %q, want server_unavailable", got)
	}

	healthy.Store(true)
	if _, err := s.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	snap := s.Snapshot()
	if snap.State != status.Connected || snap.ConnectAttempts != 0 || snap.LastError != "" {
		t.Errorf("snapshot after Reconnect = %+v", snap)
	}
}

func TestAnnounceFailureFailsConnect(t *testing.T) {
	d := &dialer{setup: func(_ int, f *fakeTransport) {
		f.invoke = func(string, []any) (json.RawMessage, error) {
			return nil, &hub.Error{Kind: hub.KindInvocation, Op: "invoke", Err: errors.New("user not found")}
		}
	}}
	s, _ := newSupervisor(t, d, func(o *Options) { o.MaxAttempts = 1 })

	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); err == nil {
		t.Fatal("EnsureConnected() succeeded, want error")
	}
	waitFor(t, "FAILED state", func() bool { return s.State() == status.Failed })
	if d.at(0).stops() == 0 {
		t.Error("transport was not stopped after announce failure")
	}
}

func TestReconnectCallbacks(t *testing.T) {
	d := &dialer{}
	s, _ := newSupervisor(t, d, nil)
	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); err != nil {
		t.Fatal(err)
	}
	f := d.last()

	f.fireReconnecting(&hub.Error{Kind: hub.KindClosed, Err: errors.New("EOF")})
	snap := s.Snapshot()
	if snap.State != status.Reconnecting || snap.ReconnectAttempts != 1 {
		t.Fatalf("snapshot after reconnecting = %+v", snap)
	}

	f.fireReconnected()
	snap = s.Snapshot()
	if snap.State != status.Connected {
		t.Errorf("State = %s, want CONNECTED", snap.State)
	}
	if snap.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0", snap.ReconnectAttempts)
	}
	if snap.AverageReconnectMs <= 0 {
		t.Errorf("AverageReconnectMs = %v, want > 0", snap.AverageReconnectMs)
	}
	if n := f.count(wire.MethodAnnounce); n != 2 {
		t.Errorf("Announce calls = %d, want 2 (connect + re-announce)", n)
	}
}

func TestReannounceFailureEmitsAuthFailed(t *testing.T) {
	d := &dialer{}
	s, b := newSupervisor(t, d, nil)
	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); err != nil {
		t.Fatal(err)
	}
	events, unsub := b.Subscribe(bus.KindAuthFailed, 4)
	defer unsub()

	f := d.last()
	f.mu.Lock()
	f.invoke = func(string, []any) (json.RawMessage, error) { return nil, errors.New("401") }
	f.mu.Unlock()

	f.fireReconnecting(errors.New("network"))
	f.fireReconnected()

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no auth_failed event")
	}
	if got := s.Snapshot().LastError; got != policy.FailUnauthorized.Message() {
		t.Errorf("LastError = %q", got)
	}
	if got := s.Snapshot().State; got != status.Reconnecting {
		t.Errorf("State = %s, want RECONNECTING until announced", got)
	}
}

func TestReannounceBeforeConnected(t *testing.T) {
	d := &dialer{}
	s, b := newSupervisor(t, d, nil)
	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); err != nil {
		t.Fatal(err)
	}
	f := d.last()
	f.fireReconnecting(errors.New("network"))

	states, unsub := b.Subscribe(bus.KindStateChanged, 4)
	defer unsub()
	var during status.State
	f.mu.Lock()
	f.invoke = func(target string, _ []any) (json.RawMessage, error) {
		if target == wire.MethodAnnounce {
			during = s.Snapshot().State
		}
		return nil, nil
	}
	f.mu.Unlock()

	f.fireReconnected()

	if during != status.Reconnecting {
		t.Errorf("state during re-announce = %s, want RECONNECTING", during)
	}
	if got := s.Snapshot().State; got != status.Connected {
		t.Errorf("State = %s, want CONNECTED", got)
	}
	if n := len(states); n != 1 {
		t.Errorf("state changes = %d, want 1", n)
	}
}

func TestOnCloseCountsDisconnection(t *testing.T) {
	d := &dialer{}
	s, _ := newSupervisor(t, d, nil)
	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); err != nil {
		t.Fatal(err)
	}
	f := d.last()
	f.fireClose(&hub.Error{Kind: hub.KindTimeout, Err: errors.New("server timeout")})

	snap := s.Snapshot()
	if snap.State != status.Disconnected {
		t.Errorf("State = %s, want DISCONNECTED", snap.State)
	}
	if snap.TotalDisconnections != 1 {
		t.Errorf("TotalDisconnections = %d, want 1", snap.TotalDisconnections)
	}
	if snap.ErrorCategory != string(policy.DisconnectTimeout) {
		t.Errorf("ErrorCategory = %q, want timeout", snap.ErrorCategory)
	}
	if f.handlerCount() != 0 {
		t.Error("handlers still attached after close")
	}

	// The next EnsureConnected builds a fresh transport.
	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); err != nil {
		t.Fatal(err)
	}
	if d.dials() != 2 {
		t.Errorf("dials = %d, want 2", d.dials())
	}
}

func TestStaleTransportCallbacksIgnored(t *testing.T) {
	d := &dialer{}
	s, _ := newSupervisor(t, d, nil)
	ctx := context.Background()
	if _, err := s.EnsureConnected(ctx, creds, handlerSet{id: "h1"}); err != nil {
		t.Fatal(err)
	}
	old := d.last()
	old.mu.Lock()
	closeFn := old.onClose
	old.mu.Unlock()

	if _, err := s.EnsureConnected(ctx, creds, handlerSet{id: "h2"}); err != nil {
		t.Fatal(err)
	}
	closeFn(errors.New("late"))

	snap := s.Snapshot()
	if snap.State != status.Connected || snap.TotalDisconnections != 0 {
		t.Errorf("stale close changed state: %+v", snap)
	}
}

func TestHealthFailureDegradesQuality(t *testing.T) {
	d := &dialer{setup: func(_ int, f *fakeTransport) {
		f.invoke = func(target string, _ []any) (json.RawMessage, error) {
			if target == wire.MethodHeartbeat {
				return nil, errors.New("no response")
			}
			return nil, nil
		}
	}}
	s, _ := newSupervisor(t, d, func(o *Options) { o.HealthInterval = 10 * time.Millisecond })
	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "poor quality", func() bool { return s.Snapshot().Quality == policy.QualityPoor })
}

func TestTeardownIdempotent(t *testing.T) {
	d := &dialer{}
	s, _ := newSupervisor(t, d, nil)

	s.Teardown()
	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); err != nil {
		t.Fatal(err)
	}
	f := d.last()
	s.Teardown()
	s.Teardown()

	if f.stops() != 1 {
		t.Errorf("Stop calls = %d, want 1", f.stops())
	}
	if f.handlerCount() != 0 {
		t.Error("handlers still attached after teardown")
	}
	if s.State() != status.Disconnected {
		t.Errorf("State() = %s, want DISCONNECTED", s.State())
	}
	if _, err := s.Invoke(context.Background(), wire.MethodSendMessage); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Invoke after teardown error = %v, want ErrNotConnected", err)
	}
}

func TestForceReconnectZeroesCounters(t *testing.T) {
	d := &dialer{}
	s, _ := newSupervisor(t, d, nil)
	ctx := context.Background()
	if _, err := s.EnsureConnected(ctx, creds, handlerSet{id: "h"}); err != nil {
		t.Fatal(err)
	}
	for range 10 {
		d.last().fireClose(errors.New("network error"))
		if _, err := s.EnsureConnected(ctx, creds, handlerSet{id: "h"}); err != nil {
			t.Fatal(err)
		}
	}
	d.last().fireReconnecting(errors.New("network error"))
	d.last().fireReconnected()
	if q := s.Snapshot().Quality; q != policy.QualityCritical {
		t.Fatalf("Quality = %s, want critical before force", q)
	}

	before := d.dials()
	if _, err := s.ForceReconnect(ctx); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.TotalDisconnections != 0 || snap.AverageReconnectMs != 0 || snap.Quality != policy.QualityExcellent {
		t.Errorf("snapshot after ForceReconnect = %+v", snap)
	}
	if d.dials() != before+1 {
		t.Errorf("ForceReconnect did not rebuild the transport")
	}
}

func TestRetryDelayNeverGivesUp(t *testing.T) {
	d := &dialer{}
	s, _ := newSupervisor(t, d, nil)
	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); err != nil {
		t.Fatal(err)
	}
	retry := d.opts[0].RetryDelay
	for _, prev := range []int{0, 5, 100} {
		if _, ok := retry(prev, time.Hour); !ok {
			t.Errorf("RetryDelay(%d) gave up", prev)
		}
	}
	tok, err := d.opts[0].AccessToken(context.Background())
	if err != nil || tok != "tok" {
		t.Errorf("AccessToken() = %q, %v", tok, err)
	}
}

func TestProcessClaim(t *testing.T) {
	d := &dialer{}
	s, _ := newSupervisor(t, d, nil)

	if _, err := New(Options{Dial: d.dial}); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second New() error = %v, want ErrAlreadyClaimed", err)
	}
	s.Close()
	if _, err := s.EnsureConnected(context.Background(), creds, handlerSet{id: "h"}); !errors.Is(err, ErrClosed) {
		t.Errorf("EnsureConnected after Close error = %v, want ErrClosed", err)
	}
	again, err := New(Options{Dial: d.dial})
	if err != nil {
		t.Fatalf("New() after Close error = %v", err)
	}
	again.Close()
}

func TestClassifyConnect(t *testing.T) {
	tests := []struct {
		err  error
		want policy.ConnectFailure
	}{
		{context.DeadlineExceeded, policy.FailTimeout},
		{&hub.Error{Kind: hub.KindForbidden, Status: 403}, policy.FailForbidden},
		{&hub.Error{Kind: hub.KindNegotiation, Err: errors.New("bad json")}, policy.FailNegotiation},
		{errors.New("websocket: bad handshake"), policy.FailWebSocket},
		{errors.New("boom"), policy.FailGeneric},
	}
	for _, tt := range tests {
		if got := classifyConnect(tt.err); got != tt.want {
			t.Errorf("classifyConnect(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
