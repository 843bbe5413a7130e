// Package chat implements the application-level event handlers that sit on
// top of the WebSocket transport: identity binding, chat room membership,
// message persistence and fan-out, typing indicators, and read receipts.
package chat

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/registry"
	"github.com/parley/chat-app/internal/room"
	"github.com/parley/chat-app/internal/store"
)

// persistTimeout bounds every persistence call made from an event handler
// so a slow database cannot stall the connection's event stream for long.
const persistTimeout = 3 * time.Second

// Store is the persistence surface the handlers need.
type Store interface {
	CreateMessage(ctx context.Context, chatID, senderID, content string) (*store.Message, error)
	ChatMembers(ctx context.Context, chatID string) ([]string, error)
	MarkMessagesRead(ctx context.Context, chatID, userID string) (int64, error)
}

// Sender delivers a payload to a single connection, used for error feedback
// and presence snapshots to the originating connection only.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Limiter throttles per-user actions. A nil Limiter disables throttling.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Handler processes client chat events. The transport guarantees events
// from one connection arrive sequentially, so the handler needs no
// per-connection synchronization of its own; all shared state lives in the
// registry and the room router, which are goroutine-safe.
type Handler struct {
	reg      *registry.Registry
	rooms    *room.Router
	presence *presence.Broadcaster
	store    Store
	limiter  Limiter
	sender   Sender
}

// NewHandler wires the chat event handlers. limiter may be nil.
func NewHandler(reg *registry.Registry, rooms *room.Router, pres *presence.Broadcaster, st Store, limiter Limiter, sender Sender) *Handler {
	return &Handler{
		reg:      reg,
		rooms:    rooms,
		presence: pres,
		store:    st,
		limiter:  limiter,
		sender:   sender,
	}
}

// Identify binds a user identity to the connection. The connection joins
// the user's personal notification room, and if this is the user's first
// connection the online edge is announced. The fresh connection also
// receives a presence snapshot so it doesn't wait for the next edge.
func (h *Handler) Identify(connID string, m protocol.IdentifyMsg) {
	metrics.EventsTotal.WithLabelValues(protocol.TypeIdentify).Inc()

	if m.UserID == "" {
		h.sendError(connID, "invalid_identity", "userId is required")
		return
	}

	// Re-identifying as someone else tears down the old binding first.
	// Every room joined under the old identity goes too — chat rooms were
	// granted against the old user's memberships, and a surviving
	// membership would keep feeding that chat's fan-out to the new user.
	if prev, ok := h.reg.UserOf(connID); ok && prev != m.UserID {
		h.rooms.LeaveAll(connID)
		if _, wentOffline := h.reg.RemoveConnection(connID); wentOffline {
			h.presence.UserOffline(prev)
		}
	}

	first, err := h.reg.AddConnection(m.UserID, connID)
	if err != nil {
		log.Printf("chat: identify failed conn=%s user=%s: %v", connID, m.UserID, err)
		h.sendError(connID, "invalid_identity", "could not bind identity")
		return
	}

	h.rooms.Join(connID, room.UserRoom(m.UserID))

	log.Printf("chat: identified conn=%s user=%s first=%t", connID, m.UserID, first)

	if first {
		h.presence.UserOnline(m.UserID)
	} else {
		// No edge, no broadcast — but this connection still needs the
		// current online set.
		h.presence.SendSnapshot(func(data []byte) error {
			return h.sender.SendMessage(connID, data)
		})
	}
}

// JoinChat subscribes the connection to a chat room after verifying the
// user is a member of the chat. Non-members and unknown chats are silently
// ignored (logged only): the client is likely stale, not malicious, and an
// error would teach probers which chat ids exist.
func (h *Handler) JoinChat(connID string, m protocol.JoinChatMsg) {
	metrics.EventsTotal.WithLabelValues(protocol.TypeJoinChat).Inc()

	userID, err := h.identityOf(connID)
	if err != nil {
		h.sendError(connID, "unauthenticated", "identify before joining chats")
		return
	}
	if m.ChatID == "" {
		h.sendError(connID, "invalid_argument", "chatId is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	members, err := h.store.ChatMembers(ctx, m.ChatID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("chat: join ignored, unknown chat=%s user=%s", m.ChatID, userID)
			return
		}
		log.Printf("chat: membership lookup failed chat=%s user=%s: %v", m.ChatID, userID, err)
		h.sendError(connID, "internal", "could not join chat")
		return
	}
	if !contains(members, userID) {
		log.Printf("chat: join ignored, user=%s not a member of chat=%s", userID, m.ChatID)
		return
	}

	h.rooms.Join(connID, room.ChatRoom(m.ChatID))
	log.Printf("chat: joined conn=%s user=%s chat=%s", connID, userID, m.ChatID)

	h.emitToRoom(protocol.TypeUserJoinedChat, protocol.UserJoinedChatMsg{
		ChatID: m.ChatID,
		UserID: userID,
	}, room.ChatRoom(m.ChatID), connID)
}

// LeaveChat unsubscribes the connection from a chat room. Leaving a room
// the connection never joined is a harmless no-op.
func (h *Handler) LeaveChat(connID string, m protocol.LeaveChatMsg) {
	metrics.EventsTotal.WithLabelValues(protocol.TypeLeaveChat).Inc()

	userID, err := h.identityOf(connID)
	if err != nil {
		h.sendError(connID, "unauthenticated", "identify before leaving chats")
		return
	}
	if m.ChatID == "" {
		h.sendError(connID, "invalid_argument", "chatId is required")
		return
	}

	h.rooms.Leave(connID, room.ChatRoom(m.ChatID))
	log.Printf("chat: left conn=%s user=%s chat=%s", connID, userID, m.ChatID)

	h.emitToRoom(protocol.TypeUserLeftChat, protocol.UserLeftChatMsg{
		ChatID: m.ChatID,
		UserID: userID,
	}, room.ChatRoom(m.ChatID), connID)
}

// SendMessage validates, throttles, persists, and fans out a chat message.
// Delivery is at-most-once: a persistence failure drops the message and
// reports back to the sender only; nothing is retried or queued.
func (h *Handler) SendMessage(connID string, m protocol.SendMessageMsg) {
	metrics.EventsTotal.WithLabelValues(protocol.TypeSendMessage).Inc()

	userID, err := h.identityOf(connID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(connID, "unauthenticated", "identify before sending messages")
		return
	}
	if m.ChatID == "" {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(connID, "invalid_argument", "chatId is required")
		return
	}
	if err := ValidateContent(m.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(connID, "invalid_message", err.Error())
		return
	}

	if !h.allow(userID, ratelimit.RuleMessage) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(connID, "rate_limited", "too many messages, slow down")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	msg, err := h.store.CreateMessage(ctx, m.ChatID, userID, m.Content)
	cancel()
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		log.Printf("chat: persist failed chat=%s user=%s: %v", m.ChatID, userID, err)
		h.sendError(connID, "persist_failed", "message could not be saved")
		return
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	// Everyone in the room, sender included — the sender's other tabs and
	// the echo for its own UI both come from this emit.
	h.emitToRoom(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		ID:     msg.ID,
		ChatID: msg.ChatID,
		Sender: protocol.MessageSender{
			ID:    msg.SenderID,
			Name:  msg.SenderName,
			Email: msg.SenderEmail,
		},
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, room.ChatRoom(m.ChatID), "")

	// Chat list refresh goes to every member's personal room so members
	// who don't have the conversation open still see the update.
	h.notifyMembers(m.ChatID, msg.Content)
}

// Typing relays a typing indicator to the other members of the chat room.
// The indicator carries the identity bound to the connection; any userId in
// the payload is ignored.
func (h *Handler) Typing(connID string, m protocol.TypingMsg) {
	metrics.EventsTotal.WithLabelValues(protocol.TypeTyping).Inc()

	userID, err := h.identityOf(connID)
	if err != nil || m.ChatID == "" {
		return
	}
	if !h.allow(userID, ratelimit.RuleTyping) {
		return
	}

	h.emitToRoom(protocol.TypeUserTyping, protocol.UserTypingMsg{
		ChatID: m.ChatID,
		UserID: userID,
	}, room.ChatRoom(m.ChatID), connID)
}

// StopTyping relays the end of a typing indicator.
func (h *Handler) StopTyping(connID string, m protocol.StopTypingMsg) {
	metrics.EventsTotal.WithLabelValues(protocol.TypeStopTyping).Inc()

	userID, err := h.identityOf(connID)
	if err != nil || m.ChatID == "" {
		return
	}
	if !h.allow(userID, ratelimit.RuleTyping) {
		return
	}

	h.emitToRoom(protocol.TypeUserStoppedTyping, protocol.UserStoppedTypingMsg{
		ChatID: m.ChatID,
		UserID: userID,
	}, room.ChatRoom(m.ChatID), connID)
}

// MarkRead persists read receipts for every unread message in the chat and
// notifies the room. The reader's own messages are never marked; they were
// read at send time.
func (h *Handler) MarkRead(connID string, m protocol.MarkReadMsg) {
	metrics.EventsTotal.WithLabelValues(protocol.TypeMarkRead).Inc()

	userID, err := h.identityOf(connID)
	if err != nil {
		h.sendError(connID, "unauthenticated", "identify before marking messages read")
		return
	}
	if m.ChatID == "" {
		h.sendError(connID, "invalid_argument", "chatId is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	marked, err := h.store.MarkMessagesRead(ctx, m.ChatID, userID)
	cancel()
	if err != nil {
		log.Printf("chat: mark read failed chat=%s user=%s: %v", m.ChatID, userID, err)
		h.sendError(connID, "persist_failed", "read receipts could not be saved")
		return
	}

	log.Printf("chat: marked read chat=%s user=%s count=%d", m.ChatID, userID, marked)

	h.emitToRoom(protocol.TypeMessageRead, protocol.MessageReadMsg{
		ChatID: m.ChatID,
		UserID: userID,
	}, room.ChatRoom(m.ChatID), "")
}

// Disconnect cleans up after a closed connection: every room membership is
// dropped, the registry binding removed, and if this was the user's last
// connection the offline edge is announced. The transport's exactly-once
// removal guard means this runs once per connection.
func (h *Handler) Disconnect(connID string) {
	h.rooms.LeaveAll(connID)

	userID, wentOffline := h.reg.RemoveConnection(connID)
	if wentOffline {
		h.presence.UserOffline(userID)
	}
}

// notifyMembers sends a chatUpdated event to every member of the chat via
// their personal rooms. Membership lookup failures degrade to skipping the
// refresh; the message itself was already delivered.
func (h *Handler) notifyMembers(chatID, lastMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	members, err := h.store.ChatMembers(ctx, chatID)
	cancel()
	if err != nil {
		log.Printf("chat: member lookup for refresh failed chat=%s: %v", chatID, err)
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeChatUpdated, protocol.ChatUpdatedMsg{
		ChatID:      chatID,
		LastMessage: lastMessage,
	})
	if err != nil {
		log.Printf("chat: build chatUpdated failed chat=%s: %v", chatID, err)
		return
	}

	for _, member := range members {
		h.rooms.EmitToUser(member, data)
	}
}

// emitToRoom builds a server event and fans it out to a room.
func (h *Handler) emitToRoom(msgType string, payload interface{}, roomKey, excludeConnID string) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("chat: build %s failed: %v", msgType, err)
		return
	}
	h.rooms.EmitToRoom(roomKey, data, excludeConnID)
}

// identityOf resolves the user bound to a connection, or ErrUnauthenticated
// when the connection has not identified yet.
func (h *Handler) identityOf(connID string) (string, error) {
	userID, ok := h.reg.UserOf(connID)
	if !ok {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// allow runs a rate limit check, failing open when no limiter is wired.
func (h *Handler) allow(userID string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	allowed, _ := h.limiter.Allow(ctx, userID, rule)
	return allowed
}

// sendError reports a failure to the originating connection only.
func (h *Handler) sendError(connID, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("chat: build error event failed conn=%s: %v", connID, err)
		return
	}
	if err := h.sender.SendMessage(connID, data); err != nil {
		log.Printf("chat: send error event failed conn=%s: %v", connID, err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
