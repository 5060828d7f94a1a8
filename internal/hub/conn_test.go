package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/hubclient/internal/hub/hubtest"
)

func startConn(t *testing.T, srv *hubtest.Server, opts Options) *Conn {
	t.Helper()
	opts.URL = srv.URL
	if opts.AccessToken == nil {
		opts.AccessToken = func(context.Context) (string, error) { return "tok", nil }
	}
	c := New(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartAndInvoke(t *testing.T) {
	srv := hubtest.New(t)
	srv.Handle("Echo", func(args []json.RawMessage) (any, error) {
		return args[0], nil
	})

	c := startConn(t, srv, Options{})
	if c.State() != StateConnected {
		t.Fatalf("State() = %s, want Connected", c.State())
	}
	if c.ConnectionID() == "" {
		t.Error("ConnectionID() is empty")
	}

	raw, err := c.Invoke(context.Background(), "Echo", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["hello"] != "world" {
		t.Errorf("result = %v", got)
	}
	if tokens := srv.Tokens(); len(tokens) != 1 || tokens[0] != "tok" {
		t.Errorf("negotiate tokens = %v, want [tok]", tokens)
	}
}

func TestInvokeCompletionError(t *testing.T) {
	srv := hubtest.New(t)
	srv.Handle("Announce", func([]json.RawMessage) (any, error) {
		return nil, errors.New("user not found")
	})
	c := startConn(t, srv, Options{})

	_, err := c.Invoke(context.Background(), "Announce", 42)
	var he *Error
	if !errors.As(err, &he) || he.Kind != KindInvocation {
		t.Fatalf("Invoke() error = %v, want KindInvocation", err)
	}
	if !strings.Contains(err.Error(), "user not found") {
		t.Errorf("error = %q, want server message", err)
	}
}

func TestInvokeNotConnected(t *testing.T) {
	c := New(Options{URL: "http://127.0.0.1:1"})
	_, err := c.Invoke(context.Background(), "Heartbeat")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Invoke() error = %v, want ErrNotConnected", err)
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	srv := hubtest.New(t)
	c := startConn(t, srv, Options{})

	var mu sync.Mutex
	var got []int
	c.On("OnReceiveMessage", func(p json.RawMessage) {
		var v struct{ N int }
		_ = json.Unmarshal(p, &v)
		mu.Lock()
		got = append(got, v.N)
		mu.Unlock()
	})

	for i := 1; i <= 20; i++ {
		srv.Broadcast("OnReceiveMessage", map[string]int{"N": i})
	}
	waitFor(t, "20 events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	})
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("events out of order: %v", got)
		}
	}
}

func TestHandlerPanicKeepsDispatching(t *testing.T) {
	srv := hubtest.New(t)
	c := startConn(t, srv, Options{})

	var calls atomic.Int32
	c.On("Boom", func(json.RawMessage) {
		calls.Add(1)
		panic("handler bug")
	})
	srv.Broadcast("Boom")
	srv.Broadcast("Boom")
	waitFor(t, "two handler calls", func() bool { return calls.Load() == 2 })

	c.Off("Boom")
	srv.Broadcast("Boom")
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 2 {
		t.Errorf("handler called after Off")
	}
}

func TestNegotiateStatusKinds(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindForbidden},
		{http.StatusServiceUnavailable, KindServerUnavailable},
		{http.StatusBadGateway, KindServerUnavailable},
		{http.StatusInternalServerError, KindNegotiation},
	}
	for _, tt := range tests {
		srv := hubtest.New(t)
		srv.SetNegotiateStatus(tt.status)
		c := New(Options{URL: srv.URL})
		err := c.Start(context.Background())
		var he *Error
		if !errors.As(err, &he) {
			t.Fatalf("status %d: error = %v, want *Error", tt.status, err)
		}
		if he.Kind != tt.want || he.Status != tt.status {
			t.Errorf("status %d: kind = %s status = %d, want %s", tt.status, he.Kind, he.Status, tt.want)
		}
		if c.State() != StateDisconnected {
			t.Errorf("State() = %s after failed start", c.State())
		}
	}
}

func TestNegotiateTimeout(t *testing.T) {
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer hang.Close()

	c := New(Options{URL: hang.URL, NegotiateTimeout: 50 * time.Millisecond})
	err := c.Start(context.Background())
	if k, _ := KindOf(err); k != KindTimeout {
		t.Fatalf("Start() error = %v, kind %s, want timeout", err, k)
	}
}

func TestAccessTokenFailure(t *testing.T) {
	srv := hubtest.New(t)
	c := New(Options{URL: srv.URL, AccessToken: func(context.Context) (string, error) {
		return "", errors.New("no token")
	}})
	err := c.Start(context.Background())
	if k, _ := KindOf(err); k != KindUnauthorized {
		t.Fatalf("Start() error = %v, want unauthorized", err)
	}
	if srv.Negotiations() != 0 {
		t.Error("negotiated without a token")
	}
}

func TestAutomaticReconnect(t *testing.T) {
	srv := hubtest.New(t)
	srv.Handle("Heartbeat", func([]json.RawMessage) (any, error) { return true, nil })

	var n atomic.Int32
	var reconnecting, reconnected atomic.Int32
	c := startConn(t, srv, Options{
		AccessToken: func(context.Context) (string, error) {
			if n.Add(1) == 1 {
				return "first", nil
			}
			return "refreshed", nil
		},
		RetryDelay: func(int, time.Duration) (time.Duration, bool) { return 10 * time.Millisecond, true },
	})
	c.OnReconnecting(func(err error) {
		if err == nil {
			t.Error("OnReconnecting with nil error")
		}
		reconnecting.Add(1)
	})
	c.OnReconnected(func() { reconnected.Add(1) })

	srv.DropAll()
	waitFor(t, "reconnected", func() bool { return reconnected.Load() == 1 })

	if reconnecting.Load() != 1 {
		t.Errorf("OnReconnecting calls = %d, want 1", reconnecting.Load())
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %s, want Connected", c.State())
	}
	if _, err := c.Invoke(context.Background(), "Heartbeat"); err != nil {
		t.Errorf("Invoke() after reconnect error = %v", err)
	}
	if tokens := srv.Tokens(); len(tokens) != 2 || tokens[1] != "refreshed" {
		t.Errorf("tokens = %v, want refreshed token on second negotiation", tokens)
	}
}

func TestReconnectGivesUp(t *testing.T) {
	srv := hubtest.New(t)
	closed := make(chan error, 1)
	c := startConn(t, srv, Options{
		RetryDelay: func(prev int, _ time.Duration) (time.Duration, bool) { return time.Millisecond, prev < 2 },
	})
	c.OnClose(func(err error) { closed <- err })

	srv.SetNegotiateStatus(http.StatusServiceUnavailable)
	srv.DropAll()

	select {
	case err := <-closed:
		if k, _ := KindOf(err); k != KindServerUnavailable {
			t.Errorf("OnClose error = %v, want last attempt's error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called")
	}
	if srv.Negotiations() != 3 {
		t.Errorf("negotiations = %d, want 1 start + 2 retries", srv.Negotiations())
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s", c.State())
	}
}

func TestDropWithoutRetryCloses(t *testing.T) {
	srv := hubtest.New(t)
	closed := make(chan error, 1)
	c := startConn(t, srv, Options{})
	c.OnClose(func(err error) { closed <- err })

	srv.DropAll()
	select {
	case err := <-closed:
		if err == nil {
			t.Error("OnClose(nil) after a drop, want error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s", c.State())
	}
}

func TestServerCloseFrame(t *testing.T) {
	srv := hubtest.New(t)
	closed := make(chan error, 1)
	c := startConn(t, srv, Options{
		RetryDelay: func(int, time.Duration) (time.Duration, bool) { return time.Millisecond, true },
	})
	c.OnClose(func(err error) { closed <- err })

	srv.CloseWith("Unauthorized: token revoked", false)
	select {
	case err := <-closed:
		if err == nil || !strings.Contains(err.Error(), "token revoked") {
			t.Errorf("OnClose error = %v, want server message", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called")
	}
	if srv.Negotiations() != 1 {
		t.Errorf("reconnected despite allowReconnect=false")
	}
}

func TestServerTimeout(t *testing.T) {
	srv := hubtest.New(t)
	closed := make(chan error, 1)
	c := startConn(t, srv, Options{
		PingInterval:  20 * time.Millisecond,
		ServerTimeout: 200 * time.Millisecond,
	})
	c.OnClose(func(err error) { closed <- err })

	srv.SetSilent(true)
	select {
	case err := <-closed:
		if err == nil || !strings.Contains(err.Error(), "server timeout") {
			t.Errorf("OnClose error = %v, want server timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("silent server not detected")
	}
}

func TestPendingInvokeFailsOnDrop(t *testing.T) {
	srv := hubtest.New(t)
	srv.SetSilent(true)
	c := startConn(t, srv, Options{ServerTimeout: time.Minute})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "SendMessage", "x")
		errc <- err
	}()
	srv.WaitCalls(t, "SendMessage", 1)
	srv.DropAll()

	select {
	case err := <-errc:
		if k, _ := KindOf(err); k != KindClosed {
			t.Errorf("Invoke() error = %v, want closed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending Invoke not released")
	}
}

func TestInvokeContextCancel(t *testing.T) {
	srv := hubtest.New(t)
	srv.SetSilent(true)
	c := startConn(t, srv, Options{ServerTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Invoke(ctx, "Heartbeat")
	if k, _ := KindOf(err); k != KindTimeout {
		t.Errorf("Invoke() error = %v, want timeout", err)
	}
}

func TestStop(t *testing.T) {
	srv := hubtest.New(t)
	c := startConn(t, srv, Options{
		RetryDelay: func(int, time.Duration) (time.Duration, bool) { return time.Millisecond, true },
	})
	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("OnClose(%v) after Stop, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s", c.State())
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("Start() after Stop() should fail")
	}
	time.Sleep(30 * time.Millisecond)
	if srv.Negotiations() != 1 {
		t.Errorf("reconnected after Stop")
	}
}

func TestSplitFrames(t *testing.T) {
	data := []byte("{\"type\":6}\x1e{\"type\":1}\x1e\x1e")
	if got := len(splitFrames(data)); got != 2 {
		t.Errorf("splitFrames() = %d frames, want 2", got)
	}
}

func TestSocketURL(t *testing.T) {
	c := New(Options{URL: "https://chat.example.com/api/"})
	u, err := c.socketURL("ct", "at")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u, "wss://chat.example.com/api/chat-hub?") {
		t.Errorf("socketURL = %q", u)
	}
	if !strings.Contains(u, "id=ct") || !strings.Contains(u, "access_token=at") {
		t.Errorf("socketURL = %q, missing query", u)
	}
}
