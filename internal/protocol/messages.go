// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the server. All events are serialized as JSON and
// follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeIdentify    = "identify"
	TypeSetUser     = "setUser" // legacy alias for identify
	TypeJoinChat    = "joinChat"
	TypeLeaveChat   = "leaveChat"
	TypeSendMessage = "sendMessage"
	TypeTyping      = "typing"
	TypeStopTyping  = "stopTyping"
	TypeMarkRead    = "markRead"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeOnlineUsers       = "onlineUsers"
	TypeMessageReceived   = "messageReceived"
	TypeChatUpdated       = "chatUpdated"
	TypeUserTyping        = "userTyping"
	TypeUserStoppedTyping = "userStoppedTyping"
	TypeMessageRead       = "messageRead"
	TypeUserJoinedChat    = "userJoinedChat"
	TypeUserLeftChat      = "userLeftChat"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// IdentifyMsg binds a user identity to the connection. Until a connection is
// identified it may not join rooms or send chat events.
type IdentifyMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// JoinChatMsg subscribes the connection to a chat conversation room.
type JoinChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// LeaveChatMsg unsubscribes the connection from a chat conversation room.
type LeaveChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// SendMessageMsg submits a new chat message for persistence and fan-out.
// SenderID is accepted for wire compatibility but the server trusts only
// the identity bound to the connection.
type SendMessageMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// TypingMsg signals that the user started typing in a chat.
type TypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// StopTypingMsg signals that the user stopped typing in a chat. Clients are
// expected to send this after ~3s of keyboard inactivity; the server does
// not expire typing indicators itself.
type StopTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// MarkReadMsg marks all unread messages in a chat as read by the user.
type MarkReadMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// OnlineUsersMsg carries the full current set of online user ids. It is not
// a delta: repeated identical broadcasts are idempotent on the client.
type OnlineUsersMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// MessageSender is the sender record embedded in MessageReceivedMsg.
type MessageSender struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// MessageReceivedMsg carries a newly persisted message to chat room members.
type MessageReceivedMsg struct {
	Type      string        `json:"type"`
	ID        string        `json:"_id"`
	ChatID    string        `json:"chat"`
	Sender    MessageSender `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt string        `json:"createdAt"`
}

// ChatUpdatedMsg notifies every member's connections (including the sender's
// other devices) that a chat has new activity.
type ChatUpdatedMsg struct {
	Type        string `json:"type"`
	ChatID      string `json:"chatId"`
	LastMessage string `json:"lastMessage"`
}

// UserTypingMsg relays a typing indicator to the other chat room members.
type UserTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// UserStoppedTypingMsg relays the end of a typing indicator.
type UserStoppedTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// MessageReadMsg notifies chat room members that a user read the chat.
type MessageReadMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// UserJoinedChatMsg notifies room members that a user joined the chat room.
type UserJoinedChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// UserLeftChatMsg notifies room members that a user left the chat room.
type UserLeftChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// ErrorMsg is sent back to the originating connection only when an inbound
// event is malformed, unauthenticated, or could not be processed.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types. The legacy "setUser" alias is normalized to
// "identify" so handlers only ever see one type.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	msgType := env.Type
	switch msgType {
	case TypeIdentify, TypeSetUser:
		var m IdentifyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
		msgType = TypeIdentify
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return msgType, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return msgType, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
