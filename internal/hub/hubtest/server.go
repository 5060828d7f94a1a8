// Package hubtest runs an in-process hub server for tests.
package hubtest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

const (
	HubPath = "/chat-hub"
	rs      = 0x1e
)

// Method answers an invocation. A nil error completes with the result.
type Method func(args []json.RawMessage) (any, error)

// Call is a recorded client invocation.
type Call struct {
	Target string
	Args   []json.RawMessage
}

// Server is a minimal hub server.
type Server struct {
	*httptest.Server

	mu              sync.Mutex
	methods         map[string]Method
	calls           []Call
	conns           map[*conn]struct{}
	negotiateStatus int
	negotiations    int
	tokens          []string
	silent          bool
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, append(b, rs))
}

// New starts a server that is shut down with the test.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		methods: make(map[string]Method),
		conns:   make(map[*conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+HubPath+"/negotiate", s.negotiate)
	mux.HandleFunc("GET "+HubPath, s.socket)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.DropAll()
		s.Server.Close()
	})
	return s
}

// Handle installs a method implementation.
func (s *Server) Handle(target string, m Method) {
	s.mu.Lock()
	s.methods[target] = m
	s.mu.Unlock()
}

// SetNegotiateStatus makes negotiation answer with code; 0 restores success.
func (s *Server) SetNegotiateStatus(code int) {
	s.mu.Lock()
	s.negotiateStatus = code
	s.mu.Unlock()
}

// SetSilent stops answering invocations and pings, simulating a hung server.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// Negotiations returns how many negotiate requests were received.
func (s *Server) Negotiations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiations
}

// Tokens returns the bearer tokens seen on negotiation, in order.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Calls returns recorded invocations of target.
func (s *Server) Calls(target string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Target == target {
			out = append(out, c)
		}
	}
	return out
}

// WaitCalls waits until at least n invocations of target were recorded.
func (s *Server) WaitCalls(t testing.TB, target string, n int) []Call {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if calls := s.Calls(target); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s calls, got %d", n, target, len(s.Calls(target)))
	return nil
}

// Broadcast invokes target on every connected client.
func (s *Server) Broadcast(target string, args ...any) {
	if args == nil {
		args = []any{}
	}
	frame := map[string]any{"type": 1, "target": target, "arguments": args}
	for _, c := range s.snapshot() {
		_ = c.send(context.Background(), frame)
	}
}

// CloseWith sends a close frame to every client.
func (s *Server) CloseWith(errMsg string, allowReconnect bool) {
	frame := map[string]any{"type": 7, "error": errMsg, "allowReconnect": allowReconnect}
	for _, c := range s.snapshot() {
		_ = c.send(context.Background(), frame)
	}
}

// DropAll severs every socket without a close handshake.
func (s *Server) DropAll() {
	for _, c := range s.snapshot() {
		_ = c.ws.CloseNow()
	}
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) negotiate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.negotiations++
	s.tokens = append(s.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	status := s.negotiateStatus
	n := s.negotiations
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	id := "conn-" + strings.Repeat("x", n%8+1)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"negotiateVersion": 1,
		"connectionId":     id,
		"connectionToken":  id + "-token",
	})
}

type frame struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Protocol     string            `json:"protocol,omitempty"`
}

func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	ctx := context.Background()

	// Handshake.
	if _, _, err := ws.Read(ctx); err != nil {
		return
	}
	// Register before answering so the client never sees a connection the
	// server cannot broadcast to.
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer func() {
		stopPing()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.CloseNow()
	}()
	if err := c.send(ctx, struct{}{}); err != nil {
		return
	}
	go s.keepAlive(pingCtx, c)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		for _, raw := range bytes.Split(data, []byte{rs}) {
			if len(bytes.TrimSpace(raw)) == 0 {
				continue
			}
			var f frame
			if json.Unmarshal(raw, &f) != nil || f.Type != 1 {
				continue
			}
			s.invoke(ctx, c, f)
		}
	}
}

// PingInterval is how often the server pings its clients.
const PingInterval = 50 * time.Millisecond

func (s *Server) keepAlive(ctx context.Context, c *conn) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			silent := s.silent
			s.mu.Unlock()
			if !silent {
				_ = c.send(ctx, map[string]any{"type": 6})
			}
		}
	}
}

func (s *Server) invoke(ctx context.Context, c *conn, f frame) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Target: f.Target, Args: f.Arguments})
	m := s.methods[f.Target]
	silent := s.silent
	s.mu.Unlock()

	if f.InvocationID == "" || silent {
		return
	}
	completion := map[string]any{"type": 3, "invocationId": f.InvocationID}
	if m != nil {
		res, err := m(f.Arguments)
		if err != nil {
			completion["error"] = err.Error()
		} else if res != nil {
			completion["result"] = res
		}
	}
	_ = c.send(ctx, completion)
}
