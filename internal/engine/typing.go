package engine

import (
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing indicator stays lit without a
// refresh.
const DefaultTypingTTL = 3 * time.Second

// TypingRegistry tracks ephemeral typing indicators keyed by sender. Each
// entry auto-expires after the TTL; an explicit stop signal and the timer
// both converge on the same cleared state, so whichever fires first wins and
// no conflict is possible.
type TypingRegistry struct {
	mu       sync.Mutex
	ttl      time.Duration
	timers   map[string]*time.Timer
	onChange func()
	stopped  bool
}

func NewTypingRegistry(ttl time.Duration, onChange func()) *TypingRegistry {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingRegistry{
		ttl:      ttl,
		timers:   make(map[string]*time.Timer),
		onChange: onChange,
	}
}

// Set lights the indicator for the sender and (re)arms its expiry timer.
func (r *TypingRegistry) Set(senderID string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if t, ok := r.timers[senderID]; ok {
		t.Reset(r.ttl)
		r.mu.Unlock()
		return
	}
	r.timers[senderID] = time.AfterFunc(r.ttl, func() {
		r.Clear(senderID)
	})
	r.mu.Unlock()
	r.notify()
}

// Clear removes the indicator, whether from a stop signal or timer expiry.
func (r *TypingRegistry) Clear(senderID string) {
	r.mu.Lock()
	t, ok := r.timers[senderID]
	if ok {
		t.Stop()
		delete(r.timers, senderID)
	}
	r.mu.Unlock()
	if ok {
		r.notify()
	}
}

// Active returns the senders currently typing.
func (r *TypingRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]string, 0, len(r.timers))
	for id := range r.timers {
		res = append(res, id)
	}
	return res
}

// Stop cancels all pending timers. Used when the conversation unmounts.
func (r *TypingRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *TypingRegistry) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
