// Package eventbus implements the SyncEvent pub/sub bus of spec.md §3: a
// tagged record (MessageReceived / MessageSent / DocumentUpdated / FileOp /
// membership change) fanned out to subscribers, not persisted.
package eventbus

import (
	"sync"
	"time"

	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

// Kind discriminates the tagged SyncEvent record.
type Kind int

const (
	MessageReceived Kind = iota
	MessageSent
	DocumentUpdated
	FileOp
	MembershipChanged
)

func (k Kind) String() string {
	switch k {
	case MessageReceived:
		return "message_received"
	case MessageSent:
		return "message_sent"
	case DocumentUpdated:
		return "document_updated"
	case FileOp:
		return "file_op"
	case MembershipChanged:
		return "membership_changed"
	default:
		return "unknown"
	}
}

// Event is one published occurrence. Only the fields relevant to Kind are
// populated; the rest are zero.
type Event struct {
	Kind   Kind
	At     time.Time
	Peer   peerid.PeerId // MessageReceived/MessageSent/MembershipChanged
	NoteID string        // DocumentUpdated/FileOp
	Path   string        // FileOp
	Op     string        // FileOp: "created"/"modified"/"deleted"/"moved"
	Err    error         // any event may carry a non-fatal error for observers
}

// Subscription is a handle returned by Subscribe; call Unsubscribe to stop
// receiving events and release the channel.
type Subscription struct {
	id int64
	ch chan Event
	b  *Bus
}

// Events returns the channel events are delivered on. The bus never blocks
// on a slow subscriber: a subscriber whose channel is full simply misses
// events rather than stalling publication.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.b.unsubscribe(s.id)
}

// Bus is the pub/sub fan-out. Subscribe and Unsubscribe take the write
// lock. Publish holds the read lock for its whole fan-out and iterates the
// live subscriber map directly, without copying it; its sends never block
// on delivery.
type Bus struct {
	mu      sync.RWMutex
	nextID  int64
	subs    map[int64]chan Event
	chanCap int
}

// New creates an empty Bus. chanCap bounds each subscriber's buffered
// channel; 0 defaults to 64.
func New(chanCap int) *Bus {
	if chanCap <= 0 {
		chanCap = 64
	}
	return &Bus{subs: make(map[int64]chan Event), chanCap: chanCap}
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, b.chanCap)
	b.subs[id] = ch
	return &Subscription{id: id, ch: ch, b: b}
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish fans ev out to every current subscriber without blocking on any
// one of them.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscriptions, for tests and
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
