package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"merchapi/internal/model"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so status events
// reach subscribers on any replica, not just the one that took the webhook.
type RedisBroker struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[chan model.StatusEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{rdb: redis.NewClient(opt), subs: map[chan model.StatusEvent]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(sessionID string) chan model.StatusEvent {
	ch := make(chan model.StatusEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(sessionID))
	// initial consume to ensure subscription
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		// The reader goroutine owns ch: closing the PubSub ends the range
		// and closes ch exactly once.
		defer close(ch)
		for msg := range ps.Channel() {
			var evt model.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(sessionID string, ch chan model.StatusEvent) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(sessionID string, evt model.StatusEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, b.chanName(sessionID), data).Err()
}

func (b *RedisBroker) chanName(sessionID string) string { return "session:" + sessionID }
