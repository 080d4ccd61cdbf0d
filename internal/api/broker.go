package api

import (
	"sync"

	"merchapi/internal/model"
)

// EventBroker fans order status changes out to live subscribers. Keys are
// checkout session ids: that is the only handle a buyer holds before their
// order id is known.
type EventBroker interface {
	Subscribe(sessionID string) chan model.StatusEvent
	Unsubscribe(sessionID string, ch chan model.StatusEvent)
	Publish(sessionID string, evt model.StatusEvent)
}

// Broker is the in-process EventBroker used when Redis is not configured.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.StatusEvent]struct{} // sessionID -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan model.StatusEvent]struct{}{}}
}

func (b *Broker) Subscribe(sessionID string) chan model.StatusEvent {
	ch := make(chan model.StatusEvent, 8)
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = map[chan model.StatusEvent]struct{}{}
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(sessionID string, ch chan model.StatusEvent) {
	b.mu.Lock()
	if m := b.subs[sessionID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, sessionID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

// Publish never blocks: a slow subscriber drops events and catches up from
// the next snapshot.
func (b *Broker) Publish(sessionID string, evt model.StatusEvent) {
	b.mu.Lock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
