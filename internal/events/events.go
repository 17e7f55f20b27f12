// Package events is a small in-process pub-sub bus used to fan transfer
// lifecycle notifications out to interested consumers.
package events

import (
	"sync"

	"github.com/hostget/hostget/internal/logger"
)

// Topics published by the service layer.
const (
	DownloadProgress = "download_progress"
	DownloadComplete = "download_complete"
	DownloadError    = "download_error"
)

// Handler receives the event payload. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(data any)

type subscription struct {
	id      int
	handler Handler
}

type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for a topic and returns a token for
// Unsubscribe.
func (b *Bus) Subscribe(topic string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscription{id: b.nextID, handler: h})
	return b.nextID
}

// Unsubscribe removes a handler by its token. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the payload to every subscriber of the topic. A panicking
// handler is logged and does not take down the publisher or its siblings.
func (b *Bus) Emit(topic string, data any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(topic, s, data)
	}
}

func (b *Bus) dispatch(topic string, s subscription, data any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Event handler for %s panicked: %v", topic, r)
		}
	}()

	s.handler(data)
}
