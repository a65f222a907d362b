package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/nimbusworks/chatsync/internal/bus"
	"github.com/nimbusworks/chatsync/internal/protocol"
	"github.com/nimbusworks/chatsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	return db
}

type fakeGateway struct {
	accept bool
	frames []protocol.OutboundFrame
}

func (f *fakeGateway) Send(frame protocol.OutboundFrame) bool {
	f.frames = append(f.frames, frame)
	return f.accept
}

type fakeNet struct{ online bool }

func (f *fakeNet) Online() bool { return f.online }

type fakeRetrier struct{ retried []string }

func (f *fakeRetrier) Retry(clientMsgID string) error {
	f.retried = append(f.retried, clientMsgID)
	return nil
}

type fakeAPI struct {
	conv      *protocol.WireConversation
	convs     []protocol.WireConversation
	editCalls int
	reads     []string
	forwards  [][]string
	err       error
}

func (f *fakeAPI) ListConversations(ctx context.Context, limit, offset int) ([]protocol.WireConversation, error) {
	return f.convs, f.err
}

func (f *fakeAPI) GetConversation(ctx context.Context, id string) (*protocol.WireConversation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conv, nil
}

func (f *fakeAPI) EditMessage(ctx context.Context, msgID, content string) (*protocol.WireMessage, error) {
	f.editCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.WireMessage{ID: msgID, Content: content}, nil
}

func (f *fakeAPI) ForwardMessage(ctx context.Context, msgID string, targets []string) error {
	f.forwards = append(f.forwards, targets)
	return f.err
}

func (f *fakeAPI) PinMessage(ctx context.Context, msgID string, pinned bool) error {
	return f.err
}

func (f *fakeAPI) MarkConversationRead(ctx context.Context, conversationID string) error {
	f.reads = append(f.reads, conversationID)
	return f.err
}

func seedConversation(t *testing.T, db *store.DB, id string) {
	t.Helper()
	err := db.UpsertConversation(&store.Conversation{
		ID: id, Name: "Design Team", IsGroup: true, IsUserMember: true, InSidebar: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newService(db *store.DB, gw *fakeGateway, api *fakeAPI, online bool) (*Service, *fakeRetrier) {
	r := &fakeRetrier{}
	s := NewService(db, bus.New(), gw, api, &fakeNet{online: online}, r, "u1", zap.NewNop())
	return s, r
}

func TestSendOnlineDirect(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1")
	gw := &fakeGateway{accept: true}
	s, _ := newService(db, gw, &fakeAPI{}, true)

	msg, err := s.SendMessage(SendRequest{ConversationID: "c1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != "" {
		t.Errorf("status = %q, want empty for an online send", msg.Status)
	}
	if !msg.Optimistic {
		t.Error("sent message not marked optimistic")
	}
	if len(gw.frames) != 1 || gw.frames[0].ClientMsgID != msg.MsgID {
		t.Fatalf("frames = %+v", gw.frames)
	}
	depth, _ := db.OutboxDepth()
	if depth != 0 {
		t.Errorf("outbox depth = %d for a direct send, want 0", depth)
	}
	conv, _ := db.GetConversation("c1")
	if conv.LastMessagePreview != "hello" || conv.LastMessageSender != "u1" {
		t.Errorf("projection = %q/%q", conv.LastMessagePreview, conv.LastMessageSender)
	}
}

func TestSendOfflineQueues(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1")
	gw := &fakeGateway{accept: true}
	s, _ := newService(db, gw, &fakeAPI{}, false)

	msg, err := s.SendMessage(SendRequest{ConversationID: "c1", Content: "later"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusPending {
		t.Errorf("status = %q, want pending for an offline send", msg.Status)
	}
	if len(gw.frames) != 0 {
		t.Error("socket attempted while offline")
	}
	entry, _ := db.GetOutbox(msg.MsgID)
	if entry == nil {
		t.Fatal("no outbox entry for offline send")
	}
	if entry.Body != "later" || entry.SenderID != "u1" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestSendSocketRefusedFallsBackToQueue(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1")
	gw := &fakeGateway{accept: false}
	s, _ := newService(db, gw, &fakeAPI{}, true)

	msg, err := s.SendMessage(SendRequest{ConversationID: "c1", Content: "flaky"})
	if err != nil {
		t.Fatal(err)
	}
	if len(gw.frames) != 1 {
		t.Error("socket not attempted while online")
	}
	entry, _ := db.GetOutbox(msg.MsgID)
	if entry == nil {
		t.Fatal("refused frame not queued")
	}
	stored, _ := db.GetMessage("c1", msg.MsgID)
	if stored.Status != store.StatusPending {
		t.Errorf("status = %q after socket refusal, want pending", stored.Status)
	}
}

func TestSendEmptyRejected(t *testing.T) {
	db := testDB(t)
	s, _ := newService(db, &fakeGateway{}, &fakeAPI{}, true)
	if _, err := s.SendMessage(SendRequest{ConversationID: "c1"}); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("err = %v, want ErrEmptyContent", err)
	}
	n, _ := db.MessageCount()
	if n != 0 {
		t.Error("rejected send left a row behind")
	}
}

func TestSendAttachmentsWithoutText(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1")
	s, _ := newService(db, &fakeGateway{accept: true}, &fakeAPI{}, true)

	msg, err := s.SendMessage(SendRequest{ConversationID: "c1", AttachmentIDs: []string{"att-1"}})
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := db.GetMessage("c1", msg.MsgID)
	if len(stored.AttachmentIDs) != 1 || stored.AttachmentIDs[0] != "att-1" {
		t.Errorf("attachments = %v", stored.AttachmentIDs)
	}
}

func TestRetryDelegates(t *testing.T) {
	db := testDB(t)
	s, r := newService(db, &fakeGateway{}, &fakeAPI{}, true)
	if err := s.RetryMessage("q1"); err != nil {
		t.Fatal(err)
	}
	if len(r.retried) != 1 || r.retried[0] != "q1" {
		t.Errorf("retried = %v", r.retried)
	}
}

func TestEditEmptyRejectedLocally(t *testing.T) {
	db := testDB(t)
	api := &fakeAPI{}
	s, _ := newService(db, &fakeGateway{}, api, true)

	err := s.EditMessage(context.Background(), "c1", "m1", "")
	if !errors.Is(err, ErrEmptyContent) {
		t.Errorf("err = %v, want ErrEmptyContent", err)
	}
	if api.editCalls != 0 {
		t.Error("empty edit reached the server")
	}
}

func TestEditUpdatesLocalCopy(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1")
	err := db.UpsertMessage(&store.Message{
		ConversationID: "c1", MsgID: "m1", SenderID: "u1", Body: "typo", Kind: store.KindText,
	})
	if err != nil {
		t.Fatal(err)
	}

	s, _ := newService(db, &fakeGateway{}, &fakeAPI{}, true)
	if err := s.EditMessage(context.Background(), "c1", "m1", "fixed"); err != nil {
		t.Fatal(err)
	}
	msg, _ := db.GetMessage("c1", "m1")
	if msg.Body != "fixed" {
		t.Errorf("body = %q, want fixed", msg.Body)
	}
}

func TestForwardRequiresTarget(t *testing.T) {
	db := testDB(t)
	api := &fakeAPI{}
	s, _ := newService(db, &fakeGateway{}, api, true)

	if err := s.ForwardMessage(context.Background(), "m1", nil); !errors.Is(err, ErrNoTarget) {
		t.Errorf("err = %v, want ErrNoTarget", err)
	}
	if err := s.ForwardMessage(context.Background(), "m1", []string{"c2"}); err != nil {
		t.Fatal(err)
	}
	if len(api.forwards) != 1 {
		t.Errorf("forwards = %v", api.forwards)
	}
}

func TestMarkConversationRead(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1")
	_ = db.IncrementUnread("c1")
	_ = db.IncrementUnread("c1")

	api := &fakeAPI{}
	s, _ := newService(db, &fakeGateway{}, api, true)
	if err := s.MarkConversationRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	conv, _ := db.GetConversation("c1")
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", conv.UnreadCount)
	}
	if len(api.reads) != 1 || api.reads[0] != "c1" {
		t.Errorf("server reads = %v", api.reads)
	}
}

func TestMarkReadLocalResetSurvivesServerError(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1")
	_ = db.IncrementUnread("c1")

	api := &fakeAPI{err: errors.New("gateway down")}
	s, _ := newService(db, &fakeGateway{}, api, true)

	if err := s.MarkConversationRead(context.Background(), "c1"); err == nil {
		t.Fatal("want server error surfaced")
	}
	conv, _ := db.GetConversation("c1")
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, local reset must not roll back", conv.UnreadCount)
	}
}

func TestLoadHistoryPreservesLocalFlags(t *testing.T) {
	db := testDB(t)
	err := db.UpsertConversation(&store.Conversation{
		ID: "c1", Name: "Old Name", IsGroup: true, IsUserMember: false, InSidebar: false,
	})
	if err != nil {
		t.Fatal(err)
	}
	// A stale optimistic leftover that the baseline replaces.
	_ = db.UpsertMessage(&store.Message{
		ConversationID: "c1", MsgID: "stale", SenderID: "u1", Body: "ghost",
		Kind: store.KindText, Optimistic: true,
	})

	api := &fakeAPI{conv: &protocol.WireConversation{
		ID: "c1", Name: "New Name", IsGroup: true,
		Members: []protocol.WireMember{{ConversationID: "c1", UserID: "u2"}},
		Messages: []protocol.WireMessage{
			{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi", Kind: "text"},
			{ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "poll?", Kind: "poll"},
			{ID: "m3", ConversationID: "c1", Content: "Alice was added to the group", Kind: "system"},
		},
	}}
	s, _ := newService(db, &fakeGateway{}, api, true)

	msgs, err := s.LoadHistory(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (poll kind filtered)", len(msgs))
	}
	if msgs[0].MsgID != "m1" || msgs[1].MsgID != "m3" {
		t.Errorf("message ids = %s, %s", msgs[0].MsgID, msgs[1].MsgID)
	}
	conv, _ := db.GetConversation("c1")
	if conv.Name != "New Name" {
		t.Errorf("name = %q, metadata must refresh", conv.Name)
	}
	if conv.IsUserMember || conv.InSidebar {
		t.Error("local membership/sidebar flags overwritten by history load")
	}
	if stale, _ := db.GetMessage("c1", "stale"); stale != nil {
		t.Error("stale row survived the baseline replace")
	}
}

func TestSetConversationVisibility(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1")
	s, _ := newService(db, &fakeGateway{}, &fakeAPI{}, true)

	if err := s.SetConversationVisibility("c1", false); err != nil {
		t.Fatal(err)
	}
	convs, _ := s.ListConversations(0, 0)
	if len(convs) != 0 {
		t.Errorf("sidebar = %d conversations after hide, want 0", len(convs))
	}
	conv, _ := db.GetConversation("c1")
	if conv == nil || !conv.IsUserMember {
		t.Fatal("hiding must not touch membership or history")
	}

	if err := s.SetConversationVisibility("c1", true); err != nil {
		t.Fatal(err)
	}
	convs, _ = s.ListConversations(0, 0)
	if len(convs) != 1 {
		t.Errorf("sidebar = %d conversations after show, want 1", len(convs))
	}
}

func TestRefreshConversations(t *testing.T) {
	db := testDB(t)
	// Existing conversation with locally revoked membership.
	err := db.UpsertConversation(&store.Conversation{
		ID: "c1", Name: "Design Team", IsGroup: true, IsUserMember: false, InSidebar: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	api := &fakeAPI{convs: []protocol.WireConversation{
		{ID: "c1", Name: "Design Team", IsGroup: true},
		{ID: "c2", Name: "Bea"},
	}}
	s, _ := newService(db, &fakeGateway{}, api, true)

	if err := s.RefreshConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, _ := db.ConversationCount()
	if n != 2 {
		t.Errorf("conversations = %d, want 2", n)
	}
	c1, _ := db.GetConversation("c1")
	if c1.IsUserMember {
		t.Error("refresh restored membership it should not touch")
	}
	c2, _ := db.GetConversation("c2")
	if c2 == nil || !c2.InSidebar || !c2.IsUserMember {
		t.Errorf("new conversation = %+v", c2)
	}
	at, err := s.LastRefreshedAt()
	if err != nil {
		t.Fatal(err)
	}
	if at.IsZero() {
		t.Error("refresh timestamp not recorded")
	}
}
