package events

import (
	"sync"

	"github.com/sentinel-trading/backend/internal/domain"
)

// Subscriber receives every event published while it is subscribed. It
// must not block: Publish delivers on a best-effort, non-blocking basis
// per subscriber.
type Subscriber func(domain.TradeEvent)

// Bus is a tiny in-process pub/sub layered over Manager.Append, giving the
// optional websocket push layer (stream.go) something to range over
// without polling Tail.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]Subscriber
	next int
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Subscriber)}
}

// Subscribe registers fn and returns a token to pass to Unsubscribe.
func (b *Bus) Subscribe(fn Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return id
}

// Unsubscribe removes a previously registered subscriber.
func (b *Bus) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, token)
}

// Publish fans ev out to every live subscriber. Each subscriber runs on
// its own goroutine so a slow consumer cannot stall Append.
func (b *Bus) Publish(ev domain.TradeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		go fn(ev)
	}
}
