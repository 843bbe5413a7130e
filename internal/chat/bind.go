package chat

import (
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ws"
)

// Bind registers the chat handlers on a transport dispatcher. The type
// assertions mirror what ParseClientMessage produces; a mismatch would mean
// a protocol/dispatcher bug, so non-matching payloads are simply dropped.
func (h *Handler) Bind(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeIdentify, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.IdentifyMsg); ok {
			h.Identify(conn.ID, m)
		}
	})
	d.Register(protocol.TypeJoinChat, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.JoinChatMsg); ok {
			h.JoinChat(conn.ID, m)
		}
	})
	d.Register(protocol.TypeLeaveChat, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.LeaveChatMsg); ok {
			h.LeaveChat(conn.ID, m)
		}
	})
	d.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.SendMessageMsg); ok {
			h.SendMessage(conn.ID, m)
		}
	})
	d.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingMsg); ok {
			h.Typing(conn.ID, m)
		}
	})
	d.Register(protocol.TypeStopTyping, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.StopTypingMsg); ok {
			h.StopTyping(conn.ID, m)
		}
	})
	d.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.MarkReadMsg); ok {
			h.MarkRead(conn.ID, m)
		}
	})
}
