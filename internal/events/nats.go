package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

type natsSubscription interface {
	Unsubscribe() error
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error)
	Close() error
}

// NATSBus publishes envelopes as JSON NATS messages.
type NATSBus struct {
	conn natsConn
}

// NewNATSBus connects to url (nats.DefaultURL when empty).
func NewNATSBus(url string) (*NATSBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("relay"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{conn: natsConnAdapter{conn}}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(subject, raw)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string) (<-chan Envelope, func(), error) {
	out := make(chan Envelope, 64)

	// mu orders handler sends against the close in unsubscribe.
	var (
		mu      sync.RWMutex
		stopped bool
		once    sync.Once
		sub     natsSubscription
	)
	stop := make(chan struct{})

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		env, err := ParseEnvelope(msg.Data)
		if err != nil {
			return
		}
		mu.RLock()
		defer mu.RUnlock()
		if stopped {
			return
		}
		select {
		case out <- env:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			_ = sub.Unsubscribe()
			mu.Lock()
			stopped = true
			close(out)
			mu.Unlock()
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
	return out, unsubscribe, nil
}

func (b *NATSBus) Close() error {
	return b.conn.Close()
}

type natsConnAdapter struct {
	*nats.Conn
}

func (a natsConnAdapter) Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error) {
	return a.Conn.Subscribe(subject, handler)
}

func (a natsConnAdapter) Close() error {
	a.Conn.Close()
	return nil
}
