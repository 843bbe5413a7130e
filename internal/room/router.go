// Package room implements keyed fan-out groups of connections. A room is
// either a chat conversation or a per-user notification channel; the two
// namespaces are kept apart by key prefixes so a chat id can never collide
// with a user id.
package room

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/registry"
)

const (
	chatPrefix = "chat:"
	userPrefix = "user:"
)

// ChatRoom returns the room key for a chat conversation.
func ChatRoom(chatID string) string { return chatPrefix + chatID }

// UserRoom returns the room key for a user's personal notification channel.
func UserRoom(userID string) string { return userPrefix + userID }

// Sender delivers raw event bytes to a single connection. The transport
// server implements it; tests substitute a recorder.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Bridge propagates room events between server instances. The NATS client
// implements it; a nil bridge means single-instance operation.
type Bridge interface {
	PublishRoom(roomKey string, data []byte) error
	SubscribeRoom(roomKey string, handler func(data []byte)) error
	UnsubscribeRoom(roomKey string) error
}

// bridgeEvent is the payload exchanged between instances. Origin lets the
// receiving side drop events it published itself.
type bridgeEvent struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Router tracks which connections belong to which rooms and delivers events
// to room members. Membership is connection-scoped: two tabs of the same
// user contribute two independent memberships, and closing one never
// affects the other. Delivery is best-effort; a broken-but-unreaped
// connection simply fails its write and is cleaned up once its close event
// is processed.
type Router struct {
	// bridgeMu serializes membership edges with their bridge calls. The
	// subscribe/unsubscribe decision is made from the membership state, so
	// a concurrent Leave and Join must not reorder between computing the
	// edge and acting on it — otherwise a Leave could unsubscribe a room a
	// racing Join just repopulated.
	bridgeMu sync.Mutex

	mu     sync.RWMutex
	byRoom map[string]map[string]struct{} // roomKey -> set of connIDs
	byConn map[string]map[string]struct{} // connID -> set of roomKeys

	sender Sender
	reg    *registry.Registry
	bridge Bridge // nil when running single-instance
	origin string // this server's name, stamped on bridged events
}

// NewRouter creates a Router that delivers through sender and resolves
// per-user fan-out via reg. bridge may be nil.
func NewRouter(sender Sender, reg *registry.Registry, bridge Bridge, origin string) *Router {
	return &Router{
		byRoom: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
		sender: sender,
		reg:    reg,
		bridge: bridge,
		origin: origin,
	}
}

// Join adds a connection to a room. A connection may belong to many rooms
// simultaneously. When the first local member joins a room and a bridge is
// configured, the router subscribes to the room's subject so events from
// other instances reach local members.
func (r *Router) Join(connID, roomKey string) {
	if connID == "" || roomKey == "" {
		return
	}

	r.bridgeMu.Lock()
	defer r.bridgeMu.Unlock()

	r.mu.Lock()
	members, ok := r.byRoom[roomKey]
	if !ok {
		members = make(map[string]struct{})
		r.byRoom[roomKey] = members
	}
	firstMember := len(members) == 0
	members[connID] = struct{}{}

	rooms, ok := r.byConn[connID]
	if !ok {
		rooms = make(map[string]struct{})
		r.byConn[connID] = rooms
	}
	rooms[roomKey] = struct{}{}
	roomCount := len(r.byRoom)
	r.mu.Unlock()

	metrics.ActiveRooms.Set(float64(roomCount))

	if firstMember && r.bridge != nil {
		if err := r.bridge.SubscribeRoom(roomKey, r.remoteHandler(roomKey)); err != nil {
			log.Printf("room: bridge subscribe failed room=%s: %v", roomKey, err)
		}
	}
}

// Leave removes a connection from a room. Empty rooms are deleted and their
// bridge subscription torn down.
func (r *Router) Leave(connID, roomKey string) {
	r.bridgeMu.Lock()
	defer r.bridgeMu.Unlock()

	r.mu.Lock()
	emptied := r.leaveLocked(connID, roomKey)
	roomCount := len(r.byRoom)
	r.mu.Unlock()

	metrics.ActiveRooms.Set(float64(roomCount))

	if emptied && r.bridge != nil {
		if err := r.bridge.UnsubscribeRoom(roomKey); err != nil {
			log.Printf("room: bridge unsubscribe failed room=%s: %v", roomKey, err)
		}
	}
}

// LeaveAll purges a connection from every room it had joined. Called on
// disconnect so no stale fan-out targets remain.
func (r *Router) LeaveAll(connID string) {
	r.bridgeMu.Lock()
	defer r.bridgeMu.Unlock()

	r.mu.Lock()
	var emptied []string
	for roomKey := range r.byConn[connID] {
		if r.leaveLocked(connID, roomKey) {
			emptied = append(emptied, roomKey)
		}
	}
	delete(r.byConn, connID)
	roomCount := len(r.byRoom)
	r.mu.Unlock()

	metrics.ActiveRooms.Set(float64(roomCount))

	if r.bridge != nil {
		for _, roomKey := range emptied {
			if err := r.bridge.UnsubscribeRoom(roomKey); err != nil {
				log.Printf("room: bridge unsubscribe failed room=%s: %v", roomKey, err)
			}
		}
	}
}

// leaveLocked removes one membership and reports whether the room became
// empty. Caller must hold the write lock.
func (r *Router) leaveLocked(connID, roomKey string) bool {
	if members, ok := r.byRoom[roomKey]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.byRoom, roomKey)
			if rooms, ok := r.byConn[connID]; ok {
				delete(rooms, roomKey)
			}
			return true
		}
	}
	if rooms, ok := r.byConn[connID]; ok {
		delete(rooms, roomKey)
	}
	return false
}

// Members returns a snapshot of the connection ids currently in a room.
func (r *Router) Members(roomKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.byRoom[roomKey]))
	for connID := range r.byRoom[roomKey] {
		members = append(members, connID)
	}
	return members
}

// Rooms returns a snapshot of the room keys a connection has joined.
func (r *Router) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.byConn[connID]))
	for roomKey := range r.byConn[connID] {
		rooms = append(rooms, roomKey)
	}
	return rooms
}

// EmitToRoom delivers data to all current members of a room except
// excludeConnID (pass "" to deliver to everyone, including the sender).
// With a bridge configured the event is also published for other instances.
func (r *Router) EmitToRoom(roomKey string, data []byte, excludeConnID string) {
	start := time.Now()
	r.fanout(roomKey, data, excludeConnID)
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())

	if r.bridge != nil {
		r.publish(roomKey, data)
	}
}

// EmitToUser resolves every connection of a user via the registry and
// delivers directly, independent of room membership. Remote instances
// receive the event through the user's personal room subject.
func (r *Router) EmitToUser(userID string, data []byte) {
	for _, connID := range r.reg.ConnectionsOf(userID) {
		if err := r.sender.SendMessage(connID, data); err != nil {
			log.Printf("room: deliver to user=%s conn=%s failed: %v", userID, connID, err)
		}
	}

	if r.bridge != nil {
		r.publish(UserRoom(userID), data)
	}
}

// fanout delivers to the local members of a room. The member snapshot is
// taken under the read lock; the write I/O happens outside it.
func (r *Router) fanout(roomKey string, data []byte, excludeConnID string) {
	for _, connID := range r.Members(roomKey) {
		if connID == excludeConnID {
			continue
		}
		if err := r.sender.SendMessage(connID, data); err != nil {
			log.Printf("room: deliver to room=%s conn=%s failed: %v", roomKey, connID, err)
		}
	}
}

// publish sends the event to other instances with this server's origin tag.
func (r *Router) publish(roomKey string, data []byte) {
	payload, err := json.Marshal(bridgeEvent{Origin: r.origin, Data: data})
	if err != nil {
		log.Printf("room: bridge marshal failed room=%s: %v", roomKey, err)
		return
	}
	if err := r.bridge.PublishRoom(roomKey, payload); err != nil {
		log.Printf("room: bridge publish failed room=%s: %v", roomKey, err)
	}
}

// remoteHandler returns the bridge callback for a room. Events published by
// this instance are dropped by the origin check; everything else is fanned
// out to local members without re-publishing.
func (r *Router) remoteHandler(roomKey string) func(data []byte) {
	return func(data []byte) {
		var ev bridgeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("room: bridge unmarshal failed room=%s: %v", roomKey, err)
			return
		}
		if ev.Origin == r.origin {
			return
		}
		r.fanout(roomKey, ev.Data, "")
	}
}
