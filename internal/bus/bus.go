// Package bus decouples the change-capture listener from its consumers.
// Each subscriber drains its own buffered channel in order, so a slow
// consumer never blocks the listener or reorders events for the others.
package bus

import (
	"log/slog"
	"sync"

	"github.com/filaup/filaup/internal/models"
)

type Handler func(models.ChangeEvent)

type subscription struct {
	name string
	ch   chan models.ChangeEvent
}

type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	logger     *slog.Logger
	wg         sync.WaitGroup
	closed     bool
}

func New(bufferSize int, logger *slog.Logger) *Bus {
	return &Bus{bufferSize: bufferSize, logger: logger}
}

// Subscribe registers a handler under a name used only for logging. The
// handler runs on its own goroutine and receives events in publish order.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscription{name: name, ch: make(chan models.ChangeEvent, b.bufferSize)}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			h(ev)
		}
	}()
}

// Publish hands the event to every subscriber without blocking. A subscriber
// whose buffer is full loses the event; reconnecting clients re-fetch state,
// so a logged warning is enough.
func (b *Bus) Publish(ev models.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("Bus subscriber buffer full, dropping event",
				"subscriber", sub.name,
				"entity_id", ev.EntityID,
			)
		}
	}
}

// Close stops delivery and waits for subscriber goroutines to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
