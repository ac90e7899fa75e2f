package pubsub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// InMemory is a process-local bus. It exists for tests and for running a
// relay without NATS at all; cross-instance routing degrades to the
// durable poll path when instances cannot see each other.
type InMemory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(payload []byte) error
}

var _ PubSub = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		subs: make(map[string]map[int]func(payload []byte) error),
	}
}

func (p *InMemory) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	handlers := make([]func(payload []byte) error, 0, len(p.subs[topic]))
	for _, h := range p.subs[topic] {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		if err := h(payload); err != nil {
			log.Err(err).Str("topic", topic).Msg("error handling message")
		}
	}
	return nil
}

func (p *InMemory) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.subs[topic] == nil {
		p.subs[topic] = make(map[int]func(payload []byte) error)
	}
	id := p.nextID
	p.nextID++
	p.subs[topic][id] = handler

	return &inMemorySubscription{bus: p, topic: topic, id: id}, nil
}

type inMemorySubscription struct {
	bus   *InMemory
	topic string
	id    int
}

func (s *inMemorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.topic], s.id)
	return nil
}
