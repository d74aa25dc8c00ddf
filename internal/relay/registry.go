package relay

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shardCount is the number of booking shards in the registry.
const shardCount = 32

// scope is what a connection declared with join.
type scope struct {
	bookingID string
	userID    string
	// role is the sender type the user holds in the booking, set only when
	// the join was authorized.
	role string
}

// member is a broadcast target captured under the shard lock.
type member struct {
	peer   Peer
	userID string
}

type shard struct {
	mu       sync.RWMutex
	bookings map[string]map[Peer]string // bookingID → peer → userID
}

// registry tracks registered peers and their booking scope. Lock order is
// registry.mu before any shard.mu.
type registry struct {
	mu     sync.Mutex
	peers  map[Peer]scope
	shards [shardCount]shard
}

func newRegistry() *registry {
	r := &registry{peers: make(map[Peer]scope)}
	for i := range r.shards {
		r.shards[i].bookings = make(map[string]map[Peer]string)
	}
	return r
}

func (r *registry) shardFor(bookingID string) *shard {
	return &r.shards[xxhash.Sum64String(bookingID)%shardCount]
}

// add registers p with no scope. Re-adding a registered peer is a no-op.
func (r *registry) add(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p]; !ok {
		r.peers[p] = scope{}
	}
}

// join moves a registered peer into sc. It returns false when p is not
// registered, which happens when a join races a disconnect.
func (r *registry) join(p Peer, sc scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.peers[p]
	if !ok {
		return false
	}
	if prev.bookingID != "" {
		r.leaveShard(p, prev.bookingID)
	}
	r.peers[p] = sc

	s := r.shardFor(sc.bookingID)
	s.mu.Lock()
	set := s.bookings[sc.bookingID]
	if set == nil {
		set = make(map[Peer]string)
		s.bookings[sc.bookingID] = set
	}
	set[p] = sc.userID
	s.mu.Unlock()
	return true
}

// remove unregisters p and reports whether it was registered.
func (r *registry) remove(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.peers[p]
	if !ok {
		return false
	}
	delete(r.peers, p)
	if sc.bookingID != "" {
		r.leaveShard(p, sc.bookingID)
	}
	return true
}

// leaveShard must be called with r.mu held.
func (r *registry) leaveShard(p Peer, bookingID string) {
	s := r.shardFor(bookingID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.bookings[bookingID]
	delete(set, p)
	if len(set) == 0 {
		delete(s.bookings, bookingID)
	}
}

// scopeOf returns p's scope and whether p is registered.
func (r *registry) scopeOf(p Peer) (scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.peers[p]
	return sc, ok
}

// members snapshots the peers joined to bookingID.
func (r *registry) members(bookingID string) []member {
	s := r.shardFor(bookingID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.bookings[bookingID]
	out := make([]member, 0, len(set))
	for p, userID := range set {
		out = append(out, member{peer: p, userID: userID})
	}
	return out
}

// counts returns the number of registered peers and of bookings with at
// least one joined peer.
func (r *registry) counts() (connections, bookings int) {
	r.mu.Lock()
	connections = len(r.peers)
	r.mu.Unlock()
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		bookings += len(s.bookings)
		s.mu.RUnlock()
	}
	return connections, bookings
}

// all snapshots every registered peer.
func (r *registry) all() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}
