package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/hubclient/internal/bus"
	"github.com/matheus3301/hubclient/internal/rest"
	"github.com/matheus3301/hubclient/internal/status"
	"github.com/matheus3301/hubclient/internal/store"
	"github.com/matheus3301/hubclient/internal/wire"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeSource struct {
	mu       gosync.Mutex
	recent   []rest.RecentChat
	pages    map[int][]wire.MessagePayload
	requests []rest.HistoryRequest
	err      error
}

func (f *fakeSource) GetChats(_ context.Context, r rest.HistoryRequest) (*rest.History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	if f.err != nil {
		return nil, f.err
	}
	msgs := append([]wire.MessagePayload(nil), f.pages[r.CallCount]...)
	return &rest.History{Messages: msgs, Count: len(msgs)}, nil
}

func (f *fakeSource) GetRecentChat(context.Context) ([]rest.RecentChat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, f.err
}

func (f *fakeSource) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func payload(id string, from, to int64, body string, at time.Time) wire.MessagePayload {
	return wire.MessagePayload{
		MessageID: id, UserID: wire.ID(from), ToUserID: wire.ID(to),
		Type: wire.ChatUser, Message: body, CreatedAt: wire.Time{Time: at},
	}
}

func identity() int64 { return 42 }

func TestSeedRecentChats(t *testing.T) {
	db := testDB(t)
	no := false
	src := &fakeSource{recent: []rest.RecentChat{
		{UserID: 7, Name: "Bo", Type: "user", LastMessage: "yo", UnreadCount: 2},
		{GroupID: 300, Name: "Ops", Type: "group", CanSendMessages: &no},
	}}
	e := NewEngine(db, src, bus.New(), identity, nil)

	n, err := e.SeedRecentChats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("seeded %d chats, want 2", n)
	}
	direct, _ := db.GetRecentChat("7")
	if direct == nil || direct.Name != "Bo" || direct.UnreadCount != 2 || !direct.CanSendMessages {
		t.Errorf("direct = %+v", direct)
	}
	group, _ := db.GetRecentChat("g:300")
	if group == nil || !group.IsGroup || group.CanSendMessages {
		t.Errorf("group = %+v", group)
	}
}

func TestLoadHistoryAndLoadMore(t *testing.T) {
	db := testDB(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{pages: map[int][]wire.MessagePayload{
		0: {payload("m3", 7, 42, "three", base.Add(3*time.Minute)), payload("m4", 42, 7, "four", base.Add(4*time.Minute))},
		1: {payload("m1", 7, 42, "one", base.Add(time.Minute)), payload("m2", 7, 42, "two", base.Add(2*time.Minute))},
	}}
	b := bus.New()
	e := NewEngine(db, src, b, identity, nil)
	ctx := context.Background()

	// A stale row is replaced; a pending local send survives.
	if err := db.AddMessage(&store.Message{ID: "stale", ChatID: "7", Status: wire.StatusSent, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddOptimisticMessage(&store.Message{ID: "q1", ChatID: "7", FromMe: true, Status: wire.StatusQueued, CreatedAt: 2}); err != nil {
		t.Fatal(err)
	}

	n, err := e.LoadHistory(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("LoadHistory = %d, want 2", n)
	}
	if m, _ := db.GetMessage("stale"); m != nil {
		t.Error("stale message survived LoadHistory")
	}
	if m, _ := db.GetMessage("q1"); m == nil {
		t.Error("queued message dropped by LoadHistory")
	}
	if m, _ := db.GetMessage("m4"); m == nil || !m.FromMe || m.ChatID != "7" {
		t.Errorf("m4 = %+v", m)
	}

	pages, unsub := b.Subscribe(bus.KindSyncHistoryPage, 4)
	defer unsub()
	n, err = e.LoadMore(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("LoadMore = %d, want 2", n)
	}
	if page, _ := db.SyncInt(pageKey("7")); page != 1 {
		t.Errorf("checkpoint = %d, want 1", page)
	}
	select {
	case evt := <-pages:
		if p := evt.Payload.(HistoryPage); p.Page != 1 || p.Count != 2 {
			t.Errorf("page event = %+v", p)
		}
	case <-time.After(time.Second):
		t.Error("no history page event")
	}

	// Past the oldest page nothing changes.
	n, err = e.LoadMore(ctx, "7")
	if err != nil || n != 0 {
		t.Errorf("LoadMore at end = %d, %v", n, err)
	}
	if page, _ := db.SyncInt(pageKey("7")); page != 1 {
		t.Errorf("checkpoint after end = %d, want 1", page)
	}

	msgs, _ := db.ListMessages("7", 0, 10)
	if len(msgs) != 5 {
		t.Errorf("stored %d messages, want 5", len(msgs))
	}

	want := []int{0, 1, 2}
	for i, r := range src.requests {
		if r.CallCount != want[i] || r.UserID != 42 || r.To != 7 || r.Type != wire.ChatUser {
			t.Errorf("request %d = %+v", i, r)
		}
	}
}

func TestLoadHistoryGroup(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertRecentChats([]store.RecentChat{{ChatID: "g:300", IsGroup: true}}); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{pages: map[int][]wire.MessagePayload{
		0: {{MessageID: "g1", UserID: 5, GroupID: 300, Message: "hi"}},
	}}
	e := NewEngine(db, src, bus.New(), identity, nil)

	if _, err := e.LoadHistory(context.Background(), "g:300"); err != nil {
		t.Fatal(err)
	}
	if r := src.requests[0]; r.Type != wire.ChatGroup || r.To != 300 {
		t.Errorf("request = %+v", r)
	}
	if m, _ := db.GetMessage("g1"); m == nil || m.ChatID != "g:300" || m.ChatType != wire.ChatGroup {
		t.Errorf("g1 = %+v", m)
	}
}

func TestLoadHistoryErrors(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, &fakeSource{err: errors.New("down")}, bus.New(), identity, nil)
	if _, err := e.LoadHistory(context.Background(), "7"); err == nil {
		t.Error("LoadHistory succeeded with failing source")
	}
	if _, err := e.LoadHistory(context.Background(), "not-a-number"); err == nil {
		t.Error("LoadHistory succeeded with bad chat id")
	}
}

func TestEngineReactsToBusEvents(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	src := &fakeSource{
		recent: []rest.RecentChat{{UserID: 7, Name: "Bo"}},
		pages:  map[int][]wire.MessagePayload{0: {payload("m1", 7, 42, "hello", time.Now().Add(-time.Minute))}},
	}
	e := NewEngine(db, src, b, identity, nil)
	e.Start(context.Background())
	defer e.Stop()

	machine := status.NewMachine(b)
	_ = machine.Transition(status.Connecting)
	_ = machine.Transition(status.Connected)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c, _ := db.GetRecentChat("7"); c != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c, _ := db.GetRecentChat("7"); c == nil {
		t.Fatal("recent chats not seeded on connect")
	}

	if err := db.SetSelectedChatID("7"); err != nil {
		t.Fatal(err)
	}
	for time.Now().Before(deadline) {
		if m, _ := db.GetMessage("m1"); m != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if m, _ := db.GetMessage("m1"); m == nil {
		t.Fatal("history not loaded on selection")
	}
	if src.requestCount() == 0 {
		t.Error("GetChats never called")
	}
}
