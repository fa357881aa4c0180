package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Bus is the in-process event bus that fans realtime events out to
// conversation subscribers. The store layer publishes row-change events after
// each committed write; the websocket layer republishes peer broadcasts. Both
// arrive at subscribers through the same channel, so the merge logic is
// written once.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Event // conversationID -> subscriber set
	nextID int
	log    *zap.SugaredLogger
}

func NewBus(log *zap.SugaredLogger) *Bus {
	return &Bus{
		subs: make(map[string]map[int]chan Event),
		log:  log,
	}
}

// Subscribe registers for all events of one conversation. The returned cancel
// func is idempotent; after it returns the channel is closed.
func (b *Bus) Subscribe(conversationID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[int]chan Event)
	}
	b.subs[conversationID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[conversationID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.subs, conversationID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its conversation. A slow
// subscriber's full buffer drops the event rather than blocking the writer;
// the subscriber recovers on its next full refetch.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
			b.log.Warnw("realtime event dropped, subscriber buffer full",
				"conversation_id", ev.ConversationID,
				"event_type", ev.Type)
		}
	}
}
