package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/hubclient/internal/bus"
	"github.com/matheus3301/hubclient/internal/wire"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + status_rank)", result.Version)
	}
}

func TestAddMessageAndGet(t *testing.T) {
	db := testDB(t)

	m := &Message{
		ID: "m1", ChatID: "7", ChatType: wire.ChatUser, SenderID: 7, SenderName: "Alice",
		Body: "hello", Status: wire.StatusSent, CreatedAt: 1000,
		Attachments: []wire.Attachment{{ID: "a1", FileName: "x.png"}},
		Approvers:   []int64{3, 4},
	}
	if err := db.AddMessage(m); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("GetMessage() = nil")
	}
	if got.Body != "hello" || got.SenderName != "Alice" || got.Status != wire.StatusSent {
		t.Errorf("got = %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].ID != "a1" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
	if len(got.Approvers) != 2 {
		t.Errorf("approvers = %v", got.Approvers)
	}

	missing, err := db.GetMessage("nope")
	if err != nil || missing != nil {
		t.Errorf("GetMessage(nope) = %v, %v; want nil, nil", missing, err)
	}
	if n, err := db.MessageCount(); err != nil || n != 1 {
		t.Errorf("MessageCount() = %d, %v; want 1", n, err)
	}
}

func TestUpsertNeverDowngradesStatus(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ChatID: "7", Body: "hi", Status: wire.StatusSent, CreatedAt: 1}
	if err := db.AddMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageStatus("m1", wire.StatusSeen); err != nil {
		t.Fatal(err)
	}

	// A late echo with status sent must not undo seen.
	echo := &Message{ID: "m1", ChatID: "7", Body: "hi", Status: wire.StatusSent, CreatedAt: 1}
	if err := db.AddMessage(echo); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m1")
	if got.Status != wire.StatusSeen {
		t.Errorf("status = %q, want seen", got.Status)
	}
}

func TestUpdateStatusNeverDowngrades(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	db.SetBus(b)
	if err := db.AddMessage(&Message{ID: "m1", ChatID: "7", Body: "hi", Status: wire.StatusSent, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		status string
		want   string
	}{
		{wire.StatusSeen, wire.StatusSeen},
		{wire.StatusSent, wire.StatusSeen},
		{wire.StatusDelivered, wire.StatusSeen},
		{wire.StatusFailed, wire.StatusSeen},
	}
	ch, unsub := b.Subscribe(bus.KindMessageStatus, 8)
	defer unsub()
	for _, s := range steps {
		if err := db.UpdateMessageStatus("m1", s.status); err != nil {
			t.Fatalf("UpdateMessageStatus(%s) error = %v", s.status, err)
		}
		got, _ := db.GetMessage("m1")
		if got.Status != s.want {
			t.Errorf("after %s status = %q, want %q", s.status, got.Status, s.want)
		}
	}
	// Only the upgrade publishes.
	if n := len(ch); n != 1 {
		t.Errorf("status events = %d, want 1", n)
	}
}

func TestUpdateStatusLocalRetry(t *testing.T) {
	db := testDB(t)
	_ = db.AddOptimisticMessage(&Message{ID: "c1", ChatID: "7", Body: "hi", Status: wire.StatusFailed})

	for _, st := range []string{wire.StatusSending, wire.StatusFailed, wire.StatusSending, wire.StatusSent} {
		if err := db.UpdateMessageStatus("c1", st); err != nil {
			t.Fatal(err)
		}
		if got, _ := db.GetMessage("c1"); got.Status != st {
			t.Errorf("status = %q, want %q", got.Status, st)
		}
	}
}

func TestOptimisticSendingPromotedBySent(t *testing.T) {
	db := testDB(t)

	if err := db.AddOptimisticMessage(&Message{ID: "c1", ChatID: "7", Body: "hi", FromMe: true, Status: wire.StatusSending}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("c1")
	if got.Status != wire.StatusSending {
		t.Fatalf("status = %q, want sending", got.Status)
	}

	if err := db.AddMessage(&Message{ID: "c1", ChatID: "7", Body: "hi", Status: wire.StatusSent}); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessage("c1")
	if got.Status != wire.StatusSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
}

func TestOptimisticResendOverridesFailed(t *testing.T) {
	db := testDB(t)

	_ = db.AddOptimisticMessage(&Message{ID: "c1", ChatID: "7", Body: "hi", Status: wire.StatusFailed})
	if err := db.AddOptimisticMessage(&Message{ID: "c1", ChatID: "7", Body: "hi", Status: wire.StatusSending}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("c1")
	if got.Status != wire.StatusSending {
		t.Errorf("status = %q, want sending", got.Status)
	}
}

func TestSetMessagesKeepsPending(t *testing.T) {
	db := testDB(t)

	_ = db.AddMessage(&Message{ID: "old", ChatID: "7", Body: "old", Status: wire.StatusSent, CreatedAt: 1})
	_ = db.AddOptimisticMessage(&Message{ID: "q1", ChatID: "7", Body: "queued", Status: wire.StatusQueued, CreatedAt: 5})

	if err := db.SetMessages("7", []Message{
		{ID: "s1", Body: "one", Status: wire.StatusSent, CreatedAt: 2},
		{ID: "s2", Body: "two", Status: wire.StatusSeen, CreatedAt: 3},
	}); err != nil {
		t.Fatalf("SetMessages() error = %v", err)
	}

	msgs, err := db.ListMessages("7", 0, 50)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, m := range msgs {
		ids[m.ID] = true
	}
	if ids["old"] {
		t.Error("SetMessages should replace confirmed history")
	}
	for _, want := range []string{"s1", "s2", "q1"} {
		if !ids[want] {
			t.Errorf("missing %s after SetMessages", want)
		}
	}
	if msgs[0].ID != "q1" {
		t.Errorf("first message = %s, want newest q1", msgs[0].ID)
	}
}

func TestListMessagesPagination(t *testing.T) {
	db := testDB(t)

	for i := int64(1); i <= 5; i++ {
		_ = db.AddMessage(&Message{ID: string(rune('a' + i)), ChatID: "c", Body: "x", Status: wire.StatusSent, CreatedAt: i * 1000})
	}
	msgs, err := db.ListMessages("c", 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].CreatedAt != 5000 {
		t.Fatalf("page 1 = %+v", msgs)
	}
	msgs, _ = db.ListMessages("c", msgs[2].CreatedAt, 3)
	if len(msgs) != 2 || msgs[0].CreatedAt != 2000 {
		t.Fatalf("page 2 = %+v", msgs)
	}
}

func TestAppendMessages(t *testing.T) {
	db := testDB(t)
	if err := db.AppendMessages(nil); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendMessages([]Message{
		{ID: "p1", ChatID: "g", ChatType: wire.ChatGroup, Body: "a", Status: wire.StatusSent, CreatedAt: 1},
		{ID: "p2", ChatID: "g", ChatType: wire.ChatGroup, Body: "b", Status: wire.StatusSent, CreatedAt: 2},
	}); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.ListMessages("g", 0, 10)
	if len(msgs) != 2 || msgs[0].ChatType != wire.ChatGroup {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestMessageMutations(t *testing.T) {
	db := testDB(t)
	_ = db.AddMessage(&Message{ID: "m1", ChatID: "7", Body: "hi", Status: wire.StatusSent, IsApprovalNeeded: true})

	yes := true
	if err := db.UpdateMessageApproval("m1", ApprovalUpdate{IsApproved: &yes}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m1")
	if !got.IsApproved || got.IsRejected || got.IsApprovalNeeded {
		t.Errorf("after approval = %+v", got)
	}

	if err := db.SetApprovalNeeded("m1", true); err != nil {
		t.Fatal(err)
	}
	if err := db.SetDeleteRequest("m1", true); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageText("m1", "edited"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetReaction("m1", "👍"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessage("m1")
	if !got.IsApprovalNeeded || !got.IsDeleteRequest || got.Body != "edited" || got.Reaction != "👍" {
		t.Errorf("after mutations = %+v", got)
	}
	// Approval keeps flags that are not provided.
	if err := db.UpdateMessageApproval("m1", ApprovalUpdate{}); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessage("m1")
	if !got.IsApproved || got.IsApprovalNeeded {
		t.Errorf("after empty approval = %+v", got)
	}

	if err := db.RemoveMessage("m1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetMessage("m1"); got != nil {
		t.Error("message still present after RemoveMessage")
	}
	if err := db.RemoveMessage("m1"); err != nil {
		t.Errorf("RemoveMessage twice error = %v", err)
	}
	if err := db.UpdateMessageStatus("unknown", wire.StatusSeen); err != nil {
		t.Errorf("UpdateMessageStatus(unknown) error = %v", err)
	}
}

func TestUnreadAccounting(t *testing.T) {
	db := testDB(t)
	if err := db.SetSelectedChatID("Y"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := db.AddOrUpdateRecentChat(ChatActivity{ChatID: "X", LastMessage: "m", LastMessageAt: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.AddOrUpdateRecentChat(ChatActivity{ChatID: "Y", LastMessage: "m", ResetUnread: true}); err != nil {
		t.Fatal(err)
	}

	x, _ := db.GetRecentChat("X")
	y, _ := db.GetRecentChat("Y")
	if x.UnreadCount != 3 {
		t.Errorf("X.UnreadCount = %d, want 3", x.UnreadCount)
	}
	if y.UnreadCount != 0 {
		t.Errorf("Y.UnreadCount = %d, want 0", y.UnreadCount)
	}

	if err := db.SetSelectedChatID("X"); err != nil {
		t.Fatal(err)
	}
	x, _ = db.GetRecentChat("X")
	if x.UnreadCount != 0 {
		t.Errorf("X.UnreadCount after select = %d, want 0", x.UnreadCount)
	}
	if db.SelectedChatID() != "X" {
		t.Errorf("SelectedChatID() = %q", db.SelectedChatID())
	}
}

func TestRecentChatsUpsertAndList(t *testing.T) {
	db := testDB(t)

	err := db.UpsertRecentChats([]RecentChat{
		{ChatID: "1", Name: "Alice", LastMessageAt: 100, CanSendMessages: true},
		{ChatID: "2", Name: "Team", IsGroup: true, LastMessageAt: 200, IsAdmin: true, UnreadCount: 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	chats, err := db.ListRecentChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || chats[0].ChatID != "2" {
		t.Fatalf("chats = %+v", chats)
	}
	if !chats[0].IsAdmin || chats[0].UnreadCount != 4 {
		t.Errorf("group summary = %+v", chats[0])
	}

	// Activity without a name keeps the stored one.
	c, err := db.AddOrUpdateRecentChat(ChatActivity{ChatID: "1", LastMessage: "new", LastMessageID: "m9", LastMessageAt: 300})
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Alice" || c.LastMessage != "new" || c.UnreadCount != 1 {
		t.Errorf("after activity = %+v", c)
	}

	if err := db.SetChatDeletePending("2", true); err != nil {
		t.Fatal(err)
	}
	g, _ := db.GetRecentChat("2")
	if !g.HasPendingDeleteRequest {
		t.Error("HasPendingDeleteRequest = false")
	}
	if none, _ := db.GetRecentChat("404"); none != nil {
		t.Error("GetRecentChat(404) should be nil")
	}
	if n, err := db.ChatCount(); err != nil || n != 2 {
		t.Errorf("ChatCount() = %d, %v; want 2", n, err)
	}
}

func TestTypingStatus(t *testing.T) {
	db := testDB(t)
	if _, ok := db.TypingStatus(); ok {
		t.Fatal("typing set on fresh store")
	}
	db.SetTypingStatus(Typing{SenderID: 7, IsTyping: true, Username: "Alice"})
	ts, ok := db.TypingStatus()
	if !ok || ts.SenderID != 7 || !ts.IsTyping {
		t.Errorf("TypingStatus() = %+v, %v", ts, ok)
	}
	_ = db.SetSelectedChatID("other")
	if _, ok := db.TypingStatus(); ok {
		t.Error("selecting a chat should clear typing")
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("c1", "7", []byte(`{"messageId":"c1"}`)); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c2", "8", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || string(pending[0].Payload) != `{"messageId":"c1"}` {
		t.Fatalf("pending = %+v", pending)
	}

	_ = db.MarkOutboxSending("c1")
	_ = db.MarkOutboxSent("c1")
	_ = db.MarkOutboxSending("c2")
	_ = db.MarkOutboxFailed("c2", "boom")

	if e, _ := db.GetOutbox("c1"); e != nil {
		t.Errorf("sent entry still present: %+v", e)
	}
	e, _ := db.GetOutbox("c2")
	if e == nil || e.Status != "failed" || e.ErrorMessage != "boom" || e.Attempts != 1 {
		t.Errorf("failed entry = %+v", e)
	}

	// Requeue resets status.
	_ = db.QueueOutbox("c2", "8", []byte(`{}`))
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 || pending[0].ClientMsgID != "c2" {
		t.Errorf("pending after requeue = %+v", pending)
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)
	if _, ok, _ := db.GetSyncState("k"); ok {
		t.Fatal("unexpected value")
	}
	if err := db.SetSyncInt("chat:7:calls", 3); err != nil {
		t.Fatal(err)
	}
	n, err := db.SyncInt("chat:7:calls")
	if err != nil || n != 3 {
		t.Errorf("SyncInt = %d, %v", n, err)
	}
	_ = db.SetSyncInt("chat:7:calls", 4)
	if n, _ := db.SyncInt("chat:7:calls"); n != 4 {
		t.Errorf("SyncInt after overwrite = %d", n)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	_ = db.AddMessage(&Message{ID: "1", ChatID: "a", Body: "Deploy finished", Status: wire.StatusSent, CreatedAt: 1})
	_ = db.AddMessage(&Message{ID: "2", ChatID: "b", Body: "deploy failed", Status: wire.StatusSent, CreatedAt: 2})
	_ = db.AddMessage(&Message{ID: "3", ChatID: "a", Body: "100% done", Status: wire.StatusSent, CreatedAt: 3})

	res, err := db.SearchMessages("deploy", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 {
		t.Fatalf("results = %d, want 2", len(res))
	}
	res, _ = db.SearchMessages("deploy", "a", 10)
	if len(res) != 1 || res[0].Snippet != "<<Deploy>> finished" {
		t.Errorf("chat-scoped results = %+v", res)
	}
	res, _ = db.SearchMessages("%", "", 10)
	if len(res) != 1 || res[0].Message.ID != "3" {
		t.Errorf("literal %% search = %+v", res)
	}
	if res, _ := db.SearchMessages("  ", "", 10); res != nil {
		t.Errorf("blank query = %+v", res)
	}
}

func TestMutationsPublishEvents(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	db.SetBus(b)
	ch, unsub := b.Subscribe("", 32)
	defer unsub()

	_ = db.AddMessage(&Message{ID: "m1", ChatID: "7", Body: "hi", Status: wire.StatusSent})
	_ = db.UpdateMessageStatus("m1", wire.StatusSeen)
	_ = db.RemoveMessage("m1")
	_ = db.SetSelectedChatID("7")

	want := []string{bus.KindMessageUpserted, bus.KindMessageStatus, bus.KindMessageRemoved, bus.KindChatSelected}
	for _, kind := range want {
		select {
		case evt := <-ch:
			if evt.Kind != kind {
				t.Errorf("event kind = %s, want %s", evt.Kind, kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}
