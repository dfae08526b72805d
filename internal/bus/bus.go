// Package bus is the in-process broadcast channel between the bridge and
// transport-facing consumers. The bridge publishes; the gateway and the
// workdir watcher's consumers subscribe.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broadcast types published on the bus. They mirror the outbound gateway
// message types so consumers can relay them without re-tagging.
const (
	TypeOutputEvent   = "output_event"
	TypeStatusChange  = "status_change"
	TypeSessionUpdate = "session_update"
	TypeFilesUpdate   = "files_update"
)

// Event is one broadcast. Payload is a transport-agnostic value the
// consumer serializes.
type Event struct {
	Type      string
	SessionID string
	Payload   any
	Timestamp time.Time
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

type Bus struct {
	mu   sync.Mutex
	subs map[string]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

// Subscribe registers a handler and returns its subscription id.
func (b *Bus) Subscribe(h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.subs[id] = h
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers the event to a copy of the current subscriber list, so a
// handler unsubscribing mid-delivery cannot corrupt iteration.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	hs := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// SubscriberCount reports the live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
