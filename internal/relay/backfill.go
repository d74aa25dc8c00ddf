package relay

import (
	"sync"
	"sync/atomic"

	"github.com/zulandar/hiredrive/internal/messaging"
	"github.com/zulandar/hiredrive/internal/models"
)

// backfillLimit bounds the live messages held for one peer while its history
// read runs. A peer going past it is dropped like a stalled reader.
const backfillLimit = messaging.MaxHistoryLimit

type heldMessages struct {
	msgs     []*models.Message
	overflow bool
}

// backfills tracks peers that joined and are waiting for their history
// frame. Broadcasts to those peers are held rather than sent.
type backfills struct {
	mu     sync.Mutex
	peers  map[Peer]*heldMessages
	active atomic.Int32
}

func newBackfills() *backfills {
	return &backfills{peers: make(map[Peer]*heldMessages)}
}

func (b *backfills) begin(p Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[p]; !ok {
		b.active.Add(1)
	}
	b.peers[p] = &heldMessages{}
}

// hold keeps msg for p if p is waiting for history and reports whether it
// did.
func (b *backfills) hold(p Peer, msg *models.Message) bool {
	if b.active.Load() == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.peers[p]
	if !ok {
		return false
	}
	if len(h.msgs) >= backfillLimit {
		h.overflow = true
		return true
	}
	m := *msg
	h.msgs = append(h.msgs, &m)
	return true
}

// end stops holding for p and returns what was held, or nil.
func (b *backfills) end(p Peer) *heldMessages {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.peers[p]
	if !ok {
		return nil
	}
	delete(b.peers, p)
	b.active.Add(-1)
	return h
}

func (b *backfills) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}
