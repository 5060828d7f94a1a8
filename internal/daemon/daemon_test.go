package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/fx"

	"github.com/matheus3301/hubclient/internal/api"
	"github.com/matheus3301/hubclient/internal/config"
	"github.com/matheus3301/hubclient/internal/ctlclient"
	"github.com/matheus3301/hubclient/internal/hub/hubtest"
	"github.com/matheus3301/hubclient/internal/profile"
	"github.com/matheus3301/hubclient/internal/status"
	"github.com/matheus3301/hubclient/internal/wire"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// setupProfile points the base dir at a short temp path, avoiding the
// macOS 104-char Unix socket limit.
func setupProfile(t *testing.T, serverURL string, creds config.Credentials) string {
	t.Helper()
	home, err := os.MkdirTemp("/tmp", "hub-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(profile.EnvHome, home)
	t.Setenv(config.EnvUserID, "")
	t.Setenv(config.EnvToken, "")

	name := "test"
	if err := profile.EnsureDir(name); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultProfile()
	cfg.ServerURL = serverURL
	cfg.HealthInterval = config.Duration{Duration: time.Hour}
	if err := config.SaveProfile(profile.ConfigPath(name), cfg); err != nil {
		t.Fatal(err)
	}
	if err := config.SaveCredentials(profile.CredentialsPath(name), creds); err != nil {
		t.Fatal(err)
	}
	return name
}

func startApp(t *testing.T, name string) *ctlclient.Client {
	t.Helper()
	app := fx.New(Module(Params{Profile: name}), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			t.Errorf("app.Stop() error = %v", err)
		}
	})

	c, err := ctlclient.New(profile.SocketPath(name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDaemonLifecycle(t *testing.T) {
	srv := hubtest.New(t)
	name := setupProfile(t, srv.URL, config.Credentials{UserID: 42, Token: "tok"})
	c := startApp(t, name)
	ctx := context.Background()

	waitFor(t, "connected", func() bool {
		resp, err := c.Session.GetStatus(ctx, &api.GetStatusRequest{})
		return err == nil && resp.State == string(status.Connected)
	})
	srv.WaitCalls(t, wire.MethodAnnounce, 1)

	resp, err := c.Session.GetStatus(ctx, &api.GetStatusRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Profile != name || resp.Identity != 42 {
		t.Errorf("status = %+v", resp)
	}

	// Inbound message from user 7 creates the chat summary.
	srv.Broadcast(wire.EventReceiveMessage, map[string]any{
		"messageId": "in-1",
		"userId":    7,
		"toUserId":  42,
		"type":      "user",
		"message":   "hello",
		"username":  "Alice",
		"createdAt": "2026-01-02T03:04:05Z",
	})
	waitFor(t, "chat summary", func() bool {
		list, err := c.Chat.ListChats(ctx, &api.ListChatsRequest{})
		return err == nil && len(list.Chats) == 1 && list.Chats[0].ChatID == "7" && list.Chats[0].UnreadCount == 1
	})

	sent, err := c.Message.SendMessage(ctx, &api.SendMessageRequest{ChatID: "7", Text: "hi back"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if sent.Message.Status != wire.StatusSent {
		t.Errorf("Status = %q, want sent", sent.Message.Status)
	}
	srv.WaitCalls(t, wire.MethodSendMessage, 1)
}

func TestDaemonRebuildsOnCredentialChange(t *testing.T) {
	srv := hubtest.New(t)
	name := setupProfile(t, srv.URL, config.Credentials{UserID: 42, Token: "tok"})
	c := startApp(t, name)
	ctx := context.Background()

	srv.WaitCalls(t, wire.MethodAnnounce, 1)

	if err := config.SaveCredentials(profile.CredentialsPath(name), config.Credentials{UserID: 43, Token: "tok2"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "rebuild with new token", func() bool {
		tokens := srv.Tokens()
		return len(tokens) > 0 && tokens[len(tokens)-1] == "tok2"
	})
	waitFor(t, "new identity", func() bool {
		resp, err := c.Session.GetStatus(ctx, &api.GetStatusRequest{})
		return err == nil && resp.Identity == 43 && resp.State == string(status.Connected)
	})
}

func TestDaemonWaitsForCredentials(t *testing.T) {
	srv := hubtest.New(t)
	name := setupProfile(t, srv.URL, config.Credentials{})
	c := startApp(t, name)
	ctx := context.Background()

	resp, err := c.Session.GetStatus(ctx, &api.GetStatusRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.State != string(status.Disconnected) {
		t.Errorf("State = %q, want DISCONNECTED", resp.State)
	}
	if srv.Negotiations() != 0 {
		t.Errorf("negotiations = %d, want 0", srv.Negotiations())
	}

	if err := config.SaveCredentials(profile.CredentialsPath(name), config.Credentials{UserID: 42, Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	srv.WaitCalls(t, wire.MethodAnnounce, 1)
}

func TestCredentialWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.env")
	t.Setenv(config.EnvUserID, "")
	t.Setenv(config.EnvToken, "")

	var mu sync.Mutex
	var got []config.Credentials
	initial := config.Credentials{UserID: 1, Token: "a"}
	w := NewCredentialWatcher(path, initial, func(c config.Credentials) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}, nil)
	w.debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// Unchanged content is not reported.
	if err := config.SaveCredentials(path, initial); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := config.SaveCredentials(path, config.Credentials{UserID: 2, Token: "b"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "change", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].UserID != 2 || got[0].Token != "b" {
		t.Errorf("changes = %+v", got)
	}
}

func TestMetricsServerDisabled(t *testing.T) {
	var s *MetricsServer = NewMetricsServer("", nil, nil)
	if s != nil {
		t.Fatal("NewMetricsServer(\"\") should be nil")
	}
	s.Start()
	s.Stop(context.Background())
}
