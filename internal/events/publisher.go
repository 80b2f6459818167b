package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/relay/internal/models"
)

const publishTimeout = 5 * time.Second

// Publisher forwards lifecycle events to a bus without blocking the caller.
// Events are buffered and published in order by a single goroutine.
type Publisher struct {
	bus     Bus
	subject string
	logger  *slog.Logger
	clock   func() time.Time
	queue   chan Envelope

	mu      sync.Mutex
	dropped int
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewPublisher creates a publisher for subject (DefaultSubject when empty).
func NewPublisher(bus Bus, subject string, logger *slog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		bus:     bus,
		subject: subject,
		logger:  logger,
		clock:   time.Now,
		queue:   make(chan Envelope, 1024),
	}
}

// Subject returns the subject events are published on.
func (p *Publisher) Subject() string { return p.subject }

// Handle is an event listener.
func (p *Publisher) Handle(ev models.Event) {
	env := Encode(ev, p.clock())
	select {
	case p.queue <- env:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.logger.Warn("event dropped, publish queue full", "type", env.Type)
	}
}

// Start runs the publish loop until Stop.
func (p *Publisher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop drains buffered events and stops the loop.
func (p *Publisher) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Dropped returns how many events were discarded because the buffer was full.
func (p *Publisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Publisher) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case env := <-p.queue:
			p.publish(env)
		case <-ctx.Done():
			for {
				select {
				case env := <-p.queue:
					p.publish(env)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, p.subject, env); err != nil {
		p.logger.Warn("publish event failed", "type", env.Type, "error", err)
	}
}
