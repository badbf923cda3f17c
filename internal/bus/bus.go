// Package bus provides the in-process publish/subscribe mechanism that all
// courier components communicate through. Delivery is at-most-once per
// subscriber and fire-and-forget: a handler failure is logged and never
// reaches the publisher.
package bus

import (
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/joelkehle/courier/internal/relay"
)

type Handler func(env *relay.Envelope)

type topic struct {
	name  string
	queue chan *relay.Envelope

	mu       sync.RWMutex
	handlers []Handler
}

type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	done   chan struct{}
	closed atomic.Bool
	logger *log.Logger
}

func New() *Bus {
	return &Bus{
		topics: map[string]*topic{},
		done:   make(chan struct{}),
		logger: log.New(os.Stdout, "bus ", log.LstdFlags),
	}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{name: name, queue: make(chan *relay.Envelope, 256)}
		b.topics[name] = t
		go b.dispatch(t)
	}
	return t
}

// Publish enqueues the envelope for asynchronous delivery to all current
// subscribers of the channel. Handlers on one channel observe publishes in
// issuance order; no ordering holds across channels.
func (b *Bus) Publish(channel string, env *relay.Envelope) {
	if b.closed.Load() {
		b.logger.Printf("publish on closed bus channel=%s correlation_id=%s", channel, env.CorrelationID)
		return
	}
	t := b.topicFor(channel)
	select {
	case t.queue <- env:
	case <-b.done:
	}
}

// Subscribe registers a handler invoked once per published envelope. The
// handler runs on the channel's dispatcher goroutine; a panic inside it is
// recovered and logged without affecting the publisher or other subscribers.
func (b *Bus) Subscribe(channel string, h Handler) {
	t := b.topicFor(channel)
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

func (b *Bus) dispatch(t *topic) {
	for {
		select {
		case env := <-t.queue:
			t.mu.RLock()
			handlers := append([]Handler{}, t.handlers...)
			t.mu.RUnlock()
			for _, h := range handlers {
				b.invoke(t.name, h, env)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bus) invoke(channel string, h Handler, env *relay.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("handler panic channel=%s correlation_id=%s err=%v", channel, env.CorrelationID, r)
		}
	}()
	h(env)
}

// Close stops all dispatchers. Idempotent.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
