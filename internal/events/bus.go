package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/fentz26/relay/internal/config"
)

// DefaultSubject is where lifecycle events are published.
const DefaultSubject = "relay.events"

// Bus carries envelopes between publishers and subscribers.
type Bus interface {
	Publish(ctx context.Context, subject string, env Envelope) error
	// Subscribe returns a channel of envelopes and a function that ends the
	// subscription and closes the channel. Slow subscribers drop events.
	Subscribe(ctx context.Context, subject string) (<-chan Envelope, func(), error)
	Close() error
}

// Open builds the bus selected by cfg.
func Open(cfg config.EventsConfig) (Bus, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemoryBus(), nil
	case config.BackendNATS:
		return NewNATSBus(cfg.URL)
	case config.BackendRedis:
		return NewRedisBus(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}

// MemoryBus is an in-process bus.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      map[string][]chan Envelope
	closed    bool
	closeOnce sync.Once
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Envelope)}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	for _, ch := range b.subs[subject] {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string) (<-chan Envelope, func(), error) {
	ch := make(chan Envelope, 64)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("bus closed")
	}
	b.subs[subject] = append(b.subs[subject], ch)
	b.mu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[subject]
			for i, candidate := range subs {
				if candidate == ch {
					b.subs[subject] = append(subs[:i:i], subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				unsubscribe()
			case <-stop:
			}
		}()
	}
	return ch, unsubscribe, nil
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for subject, subs := range b.subs {
			for _, ch := range subs {
				close(ch)
			}
			delete(b.subs, subject)
		}
	})
	return nil
}
