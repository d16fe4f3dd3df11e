// Package notify fans upload events out to in-process subscribers, the websocket hub
// and an optional unix socket.
package notify

import (
	"sync"
	"time"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

// Bus delivers events synchronously to every subscriber. Subscribers must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(types.Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(types.Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(types.Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish stamps ev with an id and time when missing and hands it to every subscriber.
// A nil Bus drops the event.
func (b *Bus) Publish(ev types.Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = tool.GenerateRandomUUID()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]func(types.Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
