package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
)

// RedisBus is the production Bus, backed by redis pub/sub. Subjects map
// directly to redis channels; delivery is at-most-once per subscriber,
// which is why stage publishers wrap it in a RetryPublisher and the
// persister retries on its side.
type RedisBus struct {
	client *redis.Client
	logger logging.Logger

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	closed  bool
	wg      sync.WaitGroup
}

// NewRedisBus connects to the broker and verifies it with a ping.
func NewRedisBus(cfg config.BusConfig, logger logging.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to bus at %s: %w", cfg.URL, err)
	}

	logger.Info("Connected to event bus", "addr", cfg.URL, "db", cfg.DB)
	return &RedisBus{client: client, logger: logger}, nil
}

// Publish sends payload to every current subscriber of subject.
func (b *RedisBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := b.client.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for subject. Deliveries run on a
// bus-owned goroutine until ctx is done or the bus is closed.
func (b *RedisBus) Subscribe(ctx context.Context, subject string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	ps := b.client.Subscribe(ctx, subject)
	b.pubsubs = append(b.pubsubs, ps)
	b.mu.Unlock()

	// Receive forces the subscription onto the wire before we return,
	// so a publish immediately after Subscribe is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(ctx, Delivery{Subject: msg.Channel, Payload: []byte(msg.Payload)})
			case <-ctx.Done():
				return
			}
		}
	}()

	b.logger.Info("Subscribed to subject", "subject", subject)
	return nil
}

// Close unsubscribes everything and closes the client connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pubsubs := b.pubsubs
	b.pubsubs = nil
	b.mu.Unlock()

	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	err := b.client.Close()
	b.wg.Wait()
	return err
}
