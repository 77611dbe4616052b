// Package events fans drive change notifications out to SSE subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/clouddrive/internal/metrics"
)

const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventTrashed  = "trashed"
	EventRestored = "restored"
	EventPurged   = "purged"
	EventShared   = "shared"
	EventUnshared = "unshared"
)

// Event is one change to an entry.
type Event struct {
	Type      string `json:"type"`
	EntryID   string `json:"entryId"`
	OwnerID   string `json:"-"`
	ParentID  string `json:"parentId"`
	Name      string `json:"name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Subscription receives the events of one owner.
type Subscription struct {
	C       chan Event
	ownerID string
}

// Broadcaster tracks subscribers and publishes events to them.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[*Subscription]struct{})}
}

// Subscribe registers interest in ownerID's changes. The caller must
// Unsubscribe when done.
func (b *Broadcaster) Subscribe(ownerID string) *Subscription {
	sub := &Subscription{C: make(chan Event, 64), ownerID: ownerID}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.C)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish delivers event to the owner's subscribers without blocking;
// slow consumers miss events.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if sub.ownerID != event.OwnerID {
			continue
		}
		select {
		case sub.C <- event:
		default:
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Close drops every subscriber and closes their channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub.C)
	}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(0)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
