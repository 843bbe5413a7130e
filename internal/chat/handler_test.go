package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/registry"
	"github.com/parley/chat-app/internal/room"
	"github.com/parley/chat-app/internal/store"
)

// fakeTransport implements the per-connection sender for the room router
// and the handler, and the broadcast transport for presence.
type fakeTransport struct {
	mu         sync.Mutex
	sends      map[string][][]byte
	broadcasts [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sends: make(map[string][][]byte)}
}

func (f *fakeTransport) SendMessage(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[connID] = append(f.sends[connID], data)
	return nil
}

func (f *fakeTransport) Broadcast(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, data)
}

// eventsOf returns the decoded events delivered to a connection, filtered
// by type ("" matches all).
func (f *fakeTransport) eventsOf(t *testing.T, connID, msgType string) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var events []map[string]interface{}
	for _, raw := range f.sends[connID] {
		var payload map[string]interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if msgType == "" || payload["type"] == msgType {
			events = append(events, payload)
		}
	}
	return events
}

func (f *fakeTransport) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

// fakeStore implements the persistence surface with canned data.
type fakeStore struct {
	mu          sync.Mutex
	members     map[string][]string // chatID -> member user ids
	createErr   error
	created     []store.Message
	markedChats []string
	markCount   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{members: make(map[string][]string)}
}

func (f *fakeStore) CreateMessage(ctx context.Context, chatID, senderID, content string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	msg := store.Message{
		ID:          "msg-1",
		ChatID:      chatID,
		SenderID:    senderID,
		SenderName:  "Test User",
		SenderEmail: "test@example.com",
		Content:     content,
		CreatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ReadBy:      []string{senderID},
	}
	f.created = append(f.created, msg)
	return &msg, nil
}

func (f *fakeStore) ChatMembers(ctx context.Context, chatID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.members[chatID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return members, nil
}

func (f *fakeStore) MarkMessagesRead(ctx context.Context, chatID, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedChats = append(f.markedChats, chatID)
	return f.markCount, nil
}

func (f *fakeStore) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeLimiter denies everything once tripped.
type fakeLimiter struct {
	denied bool
}

func (f *fakeLimiter) Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	return !f.denied, nil
}

type testEnv struct {
	handler *Handler
	reg     *registry.Registry
	rooms   *room.Router
	tr      *fakeTransport
	store   *fakeStore
	limiter *fakeLimiter
}

func newTestEnv() *testEnv {
	tr := newFakeTransport()
	reg := registry.New()
	rooms := room.NewRouter(tr, reg, nil, "test")
	pres := presence.NewBroadcaster(reg, tr, nil)
	st := newFakeStore()
	limiter := &fakeLimiter{}

	return &testEnv{
		handler: NewHandler(reg, rooms, pres, st, limiter, tr),
		reg:     reg,
		rooms:   rooms,
		tr:      tr,
		store:   st,
		limiter: limiter,
	}
}

// identify binds a user and drains nothing — tests assert on the transport
// directly.
func (e *testEnv) identify(connID, userID string) {
	e.handler.Identify(connID, protocol.IdentifyMsg{UserID: userID})
}

// joinChat puts a member into a chat room, setting up store membership first.
func (e *testEnv) joinChat(connID, userID, chatID string) {
	if !containsStr(e.store.members[chatID], userID) {
		e.store.members[chatID] = append(e.store.members[chatID], userID)
	}
	e.handler.JoinChat(connID, protocol.JoinChatMsg{ChatID: chatID})
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================
// Identify
// ============================================================

func TestIdentify_FirstConnectionAnnouncesOnline(t *testing.T) {
	e := newTestEnv()

	e.identify("c1", "alice")

	if !e.reg.IsUserOnline("alice") {
		t.Fatal("alice should be online")
	}
	if e.tr.broadcastCount() != 1 {
		t.Errorf("broadcasts = %d, want 1", e.tr.broadcastCount())
	}
	// Personal room membership enables direct user notifications.
	if got := len(e.rooms.Members(room.UserRoom("alice"))); got != 1 {
		t.Errorf("personal room members = %d, want 1", got)
	}
}

func TestIdentify_SecondTabNoEdgeButSnapshot(t *testing.T) {
	e := newTestEnv()

	e.identify("c1", "alice")
	e.identify("c2", "alice")

	if e.tr.broadcastCount() != 1 {
		t.Errorf("broadcasts = %d, want 1 (no edge on second tab)", e.tr.broadcastCount())
	}
	// The second tab still gets the current online set directly.
	if got := len(e.tr.eventsOf(t, "c2", "onlineUsers")); got != 1 {
		t.Errorf("snapshots to c2 = %d, want 1", got)
	}
}

func TestIdentify_EmptyUserIDRejected(t *testing.T) {
	e := newTestEnv()

	e.identify("c1", "")

	if got := len(e.tr.eventsOf(t, "c1", "error")); got != 1 {
		t.Errorf("errors to c1 = %d, want 1", got)
	}
	if e.tr.broadcastCount() != 0 {
		t.Error("no presence broadcast for rejected identify")
	}
}

func TestIdentify_RebindToDifferentUser(t *testing.T) {
	e := newTestEnv()

	e.identify("c1", "alice")
	e.identify("c1", "bob")

	if e.reg.IsUserOnline("alice") {
		t.Error("alice should be offline after rebind")
	}
	if !e.reg.IsUserOnline("bob") {
		t.Error("bob should be online after rebind")
	}
	if got := len(e.rooms.Members(room.UserRoom("alice"))); got != 0 {
		t.Errorf("alice's personal room members = %d, want 0", got)
	}
	if got := len(e.rooms.Members(room.UserRoom("bob"))); got != 1 {
		t.Errorf("bob's personal room members = %d, want 1", got)
	}
}

func TestIdentify_RebindDropsChatRoomsOfOldIdentity(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.identify("c2", "carol")
	e.store.members["chat1"] = []string{"alice", "carol"}
	e.handler.JoinChat("c1", protocol.JoinChatMsg{ChatID: "chat1"})
	e.handler.JoinChat("c2", protocol.JoinChatMsg{ChatID: "chat1"})

	// The connection rebinds to bob, who is not a member of chat1. Every
	// room membership granted to alice must go with her.
	e.identify("c1", "bob")

	if got := len(e.rooms.Rooms("c1")); got != 1 {
		t.Errorf("rooms for rebound conn = %d, want 1 (personal room only)", got)
	}

	e.handler.SendMessage("c2", protocol.SendMessageMsg{ChatID: "chat1", Content: "secret"})

	if got := len(e.tr.eventsOf(t, "c1", "messageReceived")); got != 0 {
		t.Errorf("messageReceived to rebound connection = %d, want 0", got)
	}
}

func TestIdentityOf_UnidentifiedSentinel(t *testing.T) {
	e := newTestEnv()

	if _, err := e.handler.identityOf("ghost"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}

	e.identify("c1", "alice")
	userID, err := e.handler.identityOf("c1")
	if err != nil || userID != "alice" {
		t.Errorf("identityOf(c1) = %q, %v, want alice, nil", userID, err)
	}
}

// ============================================================
// JoinChat / LeaveChat
// ============================================================

func TestJoinChat_MemberJoinsAndOthersNotified(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.identify("c2", "bob")
	e.store.members["chat1"] = []string{"alice", "bob"}

	e.handler.JoinChat("c1", protocol.JoinChatMsg{ChatID: "chat1"})
	e.handler.JoinChat("c2", protocol.JoinChatMsg{ChatID: "chat1"})

	if got := len(e.rooms.Members(room.ChatRoom("chat1"))); got != 2 {
		t.Fatalf("room members = %d, want 2", got)
	}
	// Alice (already in the room) hears about bob's join; bob does not
	// hear his own.
	if got := len(e.tr.eventsOf(t, "c1", "userJoinedChat")); got != 1 {
		t.Errorf("userJoinedChat to c1 = %d, want 1", got)
	}
	if got := len(e.tr.eventsOf(t, "c2", "userJoinedChat")); got != 0 {
		t.Errorf("userJoinedChat to c2 = %d, want 0", got)
	}
}

func TestJoinChat_NonMemberSilentlyIgnored(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "mallory")
	e.store.members["chat1"] = []string{"alice", "bob"}

	e.handler.JoinChat("c1", protocol.JoinChatMsg{ChatID: "chat1"})

	if got := len(e.rooms.Members(room.ChatRoom("chat1"))); got != 0 {
		t.Errorf("room members = %d, want 0", got)
	}
	// Silent: no error event either.
	if got := len(e.tr.eventsOf(t, "c1", "error")); got != 0 {
		t.Errorf("errors to c1 = %d, want 0", got)
	}
}

func TestJoinChat_UnknownChatSilentlyIgnored(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")

	e.handler.JoinChat("c1", protocol.JoinChatMsg{ChatID: "ghost"})

	if got := len(e.rooms.Members(room.ChatRoom("ghost"))); got != 0 {
		t.Errorf("room members = %d, want 0", got)
	}
	if got := len(e.tr.eventsOf(t, "c1", "error")); got != 0 {
		t.Errorf("errors to c1 = %d, want 0", got)
	}
}

func TestJoinChat_UnidentifiedRejected(t *testing.T) {
	e := newTestEnv()

	e.handler.JoinChat("c1", protocol.JoinChatMsg{ChatID: "chat1"})

	if got := len(e.tr.eventsOf(t, "c1", "error")); got != 1 {
		t.Errorf("errors to c1 = %d, want 1", got)
	}
}

func TestLeaveChat_RemovesMembershipAndNotifies(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.identify("c2", "bob")
	e.joinChat("c1", "alice", "chat1")
	e.joinChat("c2", "bob", "chat1")

	e.handler.LeaveChat("c1", protocol.LeaveChatMsg{ChatID: "chat1"})

	if got := len(e.rooms.Members(room.ChatRoom("chat1"))); got != 1 {
		t.Errorf("room members = %d, want 1", got)
	}
	if got := len(e.tr.eventsOf(t, "c2", "userLeftChat")); got != 1 {
		t.Errorf("userLeftChat to c2 = %d, want 1", got)
	}
}

// ============================================================
// SendMessage
// ============================================================

func TestSendMessage_PersistsAndFansOut(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.identify("c2", "bob")
	e.joinChat("c1", "alice", "chat1")
	e.joinChat("c2", "bob", "chat1")

	e.handler.SendMessage("c1", protocol.SendMessageMsg{ChatID: "chat1", Content: "hello"})

	if e.store.createdCount() != 1 {
		t.Fatalf("created = %d, want 1", e.store.createdCount())
	}

	// Both room members receive the message, sender included.
	for _, connID := range []string{"c1", "c2"} {
		events := e.tr.eventsOf(t, connID, "messageReceived")
		if len(events) != 1 {
			t.Fatalf("messageReceived to %s = %d, want 1", connID, len(events))
		}
		if events[0]["content"] != "hello" {
			t.Errorf("content = %v, want hello", events[0]["content"])
		}
		sender, _ := events[0]["sender"].(map[string]interface{})
		if sender["_id"] != "alice" {
			t.Errorf("sender._id = %v, want alice", sender["_id"])
		}
	}

	// Every member also gets a chat list refresh on their personal channel.
	if got := len(e.tr.eventsOf(t, "c1", "chatUpdated")); got != 1 {
		t.Errorf("chatUpdated to c1 = %d, want 1", got)
	}
	if got := len(e.tr.eventsOf(t, "c2", "chatUpdated")); got != 1 {
		t.Errorf("chatUpdated to c2 = %d, want 1", got)
	}
}

func TestSendMessage_UnidentifiedRejected(t *testing.T) {
	e := newTestEnv()

	e.handler.SendMessage("c1", protocol.SendMessageMsg{ChatID: "chat1", Content: "hi"})

	if e.store.createdCount() != 0 {
		t.Error("message must not be persisted")
	}
	if got := len(e.tr.eventsOf(t, "c1", "error")); got != 1 {
		t.Errorf("errors to c1 = %d, want 1", got)
	}
}

func TestSendMessage_EmptyContentRejected(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")

	e.handler.SendMessage("c1", protocol.SendMessageMsg{ChatID: "chat1", Content: ""})

	if e.store.createdCount() != 0 {
		t.Error("message must not be persisted")
	}
	if got := len(e.tr.eventsOf(t, "c1", "error")); got != 1 {
		t.Errorf("errors to c1 = %d, want 1", got)
	}
}

func TestSendMessage_PersistFailureDropsAndReportsToSenderOnly(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.identify("c2", "bob")
	e.joinChat("c1", "alice", "chat1")
	e.joinChat("c2", "bob", "chat1")
	e.store.createErr = errors.New("db down")

	e.handler.SendMessage("c1", protocol.SendMessageMsg{ChatID: "chat1", Content: "hello"})

	if got := len(e.tr.eventsOf(t, "c1", "error")); got != 1 {
		t.Errorf("errors to sender = %d, want 1", got)
	}
	if got := len(e.tr.eventsOf(t, "c2", "messageReceived")); got != 0 {
		t.Error("failed message must not be fanned out")
	}
	if got := len(e.tr.eventsOf(t, "c2", "error")); got != 0 {
		t.Error("other members must not see the sender's failure")
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.joinChat("c1", "alice", "chat1")
	e.limiter.denied = true

	e.handler.SendMessage("c1", protocol.SendMessageMsg{ChatID: "chat1", Content: "spam"})

	if e.store.createdCount() != 0 {
		t.Error("throttled message must not be persisted")
	}
	if got := len(e.tr.eventsOf(t, "c1", "error")); got != 1 {
		t.Errorf("errors to c1 = %d, want 1", got)
	}
}

// ============================================================
// Typing indicators
// ============================================================

func TestTyping_ExcludesSender(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.identify("c2", "bob")
	e.joinChat("c1", "alice", "chat1")
	e.joinChat("c2", "bob", "chat1")

	e.handler.Typing("c1", protocol.TypingMsg{ChatID: "chat1"})

	if got := len(e.tr.eventsOf(t, "c2", "userTyping")); got != 1 {
		t.Errorf("userTyping to c2 = %d, want 1", got)
	}
	if got := len(e.tr.eventsOf(t, "c1", "userTyping")); got != 0 {
		t.Errorf("userTyping to c1 = %d, want 0", got)
	}
}

func TestTyping_UsesBoundIdentityNotPayload(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.identify("c2", "bob")
	e.joinChat("c1", "alice", "chat1")
	e.joinChat("c2", "bob", "chat1")

	// Payload claims to be bob; the server must use the bound identity.
	e.handler.Typing("c1", protocol.TypingMsg{ChatID: "chat1", UserID: "bob"})

	events := e.tr.eventsOf(t, "c2", "userTyping")
	if len(events) != 1 {
		t.Fatalf("userTyping to c2 = %d, want 1", len(events))
	}
	if events[0]["userId"] != "alice" {
		t.Errorf("userId = %v, want alice", events[0]["userId"])
	}
}

func TestStopTyping_ExcludesSender(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.identify("c2", "bob")
	e.joinChat("c1", "alice", "chat1")
	e.joinChat("c2", "bob", "chat1")

	e.handler.StopTyping("c1", protocol.StopTypingMsg{ChatID: "chat1"})

	if got := len(e.tr.eventsOf(t, "c2", "userStoppedTyping")); got != 1 {
		t.Errorf("userStoppedTyping to c2 = %d, want 1", got)
	}
	if got := len(e.tr.eventsOf(t, "c1", "userStoppedTyping")); got != 0 {
		t.Errorf("userStoppedTyping to c1 = %d, want 0", got)
	}
}

// ============================================================
// MarkRead
// ============================================================

func TestMarkRead_PersistsAndNotifiesRoom(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.identify("c2", "bob")
	e.joinChat("c1", "alice", "chat1")
	e.joinChat("c2", "bob", "chat1")
	e.store.markCount = 3

	e.handler.MarkRead("c2", protocol.MarkReadMsg{ChatID: "chat1"})

	if len(e.store.markedChats) != 1 || e.store.markedChats[0] != "chat1" {
		t.Errorf("marked chats = %v, want [chat1]", e.store.markedChats)
	}
	// The read receipt goes to the whole room, reader included.
	for _, connID := range []string{"c1", "c2"} {
		events := e.tr.eventsOf(t, connID, "messageRead")
		if len(events) != 1 {
			t.Fatalf("messageRead to %s = %d, want 1", connID, len(events))
		}
		if events[0]["userId"] != "bob" {
			t.Errorf("userId = %v, want bob", events[0]["userId"])
		}
	}
}

// ============================================================
// Disconnect
// ============================================================

func TestDisconnect_LastConnectionGoesOffline(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.joinChat("c1", "alice", "chat1")

	before := e.tr.broadcastCount()
	e.handler.Disconnect("c1")

	if e.reg.IsUserOnline("alice") {
		t.Error("alice should be offline")
	}
	if got := len(e.rooms.Rooms("c1")); got != 0 {
		t.Errorf("rooms for c1 = %d, want 0", got)
	}
	if e.tr.broadcastCount() != before+1 {
		t.Error("offline edge should trigger exactly one broadcast")
	}
}

func TestDisconnect_OtherTabKeepsUserOnline(t *testing.T) {
	e := newTestEnv()
	e.identify("c1", "alice")
	e.identify("c2", "alice")

	before := e.tr.broadcastCount()
	e.handler.Disconnect("c1")

	if !e.reg.IsUserOnline("alice") {
		t.Error("alice should stay online via c2")
	}
	if e.tr.broadcastCount() != before {
		t.Error("no broadcast without an edge")
	}
}

func TestDisconnect_UnidentifiedConnectionIsNoop(t *testing.T) {
	e := newTestEnv()

	e.handler.Disconnect("ghost")

	if e.tr.broadcastCount() != 0 {
		t.Error("no broadcast for unknown connection")
	}
}
