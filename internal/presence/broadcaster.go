// Package presence tracks which users are online and announces changes to
// every connected client. Presence is derived from the connection registry:
// a user is online while at least one identified connection exists. Only
// transitions matter — opening a second tab or closing one of several
// changes nothing and triggers no broadcast.
package presence

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/registry"
)

// mirrorTimeout bounds each best-effort Redis mirror write.
const mirrorTimeout = 2 * time.Second

// Transport delivers a payload to every connected client, identified or
// not. The transport server implements it.
type Transport interface {
	Broadcast(data []byte)
}

// Broadcaster announces presence edges. On every online/offline transition
// it broadcasts the full set of online user ids to all clients, so late
// joiners and reconnecting clients converge on the same view without any
// incremental-diff protocol.
type Broadcaster struct {
	reg    *registry.Registry
	tr     Transport
	mirror *Store // nil disables the Redis mirror
}

// NewBroadcaster creates a Broadcaster. mirror may be nil.
func NewBroadcaster(reg *registry.Registry, tr Transport, mirror *Store) *Broadcaster {
	return &Broadcaster{reg: reg, tr: tr, mirror: mirror}
}

// UserOnline handles a user's offline-to-online transition: mirror the edge
// and broadcast the new online set. Callers must invoke it only when the
// registry reported a first-connection edge.
func (b *Broadcaster) UserOnline(userID string) {
	if b.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := b.mirror.SetOnline(ctx, userID); err != nil {
			log.Printf("presence: mirror online failed user=%s: %v", userID, err)
		}
		cancel()
	}

	log.Printf("presence: user online user=%s", userID)
	b.broadcast()
}

// UserOffline handles a user's online-to-offline transition. Callers must
// invoke it only when the registry reported a last-connection edge.
func (b *Broadcaster) UserOffline(userID string) {
	if b.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := b.mirror.SetOffline(ctx, userID); err != nil {
			log.Printf("presence: mirror offline failed user=%s: %v", userID, err)
		}
		cancel()
	}

	log.Printf("presence: user offline user=%s", userID)
	b.broadcast()
}

// SendSnapshot delivers the current online set to a single connection via
// the given send function. Used to bring a freshly identified connection up
// to date without waiting for the next edge.
func (b *Broadcaster) SendSnapshot(send func(data []byte) error) {
	data, err := b.snapshot()
	if err != nil {
		log.Printf("presence: snapshot build failed: %v", err)
		return
	}
	if err := send(data); err != nil {
		log.Printf("presence: snapshot send failed: %v", err)
	}
}

// broadcast sends the full online set to every connected client.
func (b *Broadcaster) broadcast() {
	data, err := b.snapshot()
	if err != nil {
		log.Printf("presence: broadcast build failed: %v", err)
		return
	}
	b.tr.Broadcast(data)
}

// snapshot builds the onlineUsers payload from the registry's current
// state. The id list is sorted so payloads are deterministic.
func (b *Broadcaster) snapshot() ([]byte, error) {
	users := b.reg.AllOnlineUserIDs()
	sort.Strings(users)

	metrics.OnlineUsers.Set(float64(len(users)))

	return protocol.NewServerMessage(protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{
		Users: users,
	})
}
