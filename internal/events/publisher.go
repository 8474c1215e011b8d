// Package events fans backend change events out to in-process subscribers.
package events

import (
	"sync"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/transport"
)

// Handler is invoked for each event matching a subscription.
type Handler func(ev transport.RawEvent)

// Filter defines criteria for matching events.
type Filter struct {
	// Tables filters by table (nil = all tables).
	Tables []transport.Table

	// Rooms filters by room (nil = all rooms). The default room is "".
	Rooms []models.RoomKey
}

// Matches returns true if the event matches the filter criteria.
func (f *Filter) Matches(ev transport.RawEvent) bool {
	if len(f.Tables) > 0 {
		matched := false
		for _, t := range f.Tables {
			if ev.Table == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.Rooms != nil {
		matched := false
		for _, r := range f.Rooms {
			if ev.Room == r {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
}

// Publisher delivers change events to subscribers.
type Publisher interface {
	// Publish sends an event to all matching subscribers.
	Publish(ev transport.RawEvent)

	// Subscribe registers a handler for events matching the filter.
	Subscribe(id string, filter Filter, handler Handler) error

	// Unsubscribe removes a subscription by ID.
	Unsubscribe(id string) error

	// SubscriberCount returns the number of active subscribers.
	SubscriberCount() int
}

// InMemoryPublisher implements Publisher using in-process pub/sub.
type InMemoryPublisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	// order keeps delivery deterministic across subscribers.
	order []string
	seq   int64
}

// PublisherOption configures an InMemoryPublisher.
type PublisherOption func(*InMemoryPublisher)

// WithStartSeq makes sequence numbers continue after seq.
func WithStartSeq(seq int64) PublisherOption {
	return func(p *InMemoryPublisher) {
		p.seq = seq
	}
}

// NewInMemoryPublisher creates a new in-memory publisher.
func NewInMemoryPublisher(opts ...PublisherOption) *InMemoryPublisher {
	p := &InMemoryPublisher{
		subscriptions: make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends ev to all matching subscribers. Events without a sequence
// number get the next one.
func (p *InMemoryPublisher) Publish(ev transport.RawEvent) {
	p.mu.Lock()
	if ev.Seq == 0 {
		p.seq++
		ev.Seq = p.seq
	} else if ev.Seq > p.seq {
		p.seq = ev.Seq
	}
	var handlers []Handler
	for _, id := range p.order {
		sub := p.subscriptions[id]
		if sub.filter.Matches(ev) {
			handlers = append(handlers, sub.handler)
		}
	}
	p.mu.Unlock()

	// Invoke handlers outside the lock to avoid deadlocks
	for _, handler := range handlers {
		handler(ev)
	}
}

// LastSeq returns the last sequence number handed out.
func (p *InMemoryPublisher) LastSeq() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}

// Subscribe registers a handler to receive events matching the filter.
func (p *InMemoryPublisher) Subscribe(id string, filter Filter, handler Handler) error {
	if id == "" {
		return ErrInvalidSubscriptionID
	}
	if handler == nil {
		return ErrNilHandler
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[id]; exists {
		return ErrSubscriptionExists
	}

	p.subscriptions[id] = &subscription{
		id:      id,
		filter:  filter,
		handler: handler,
	}
	p.order = append(p.order, id)
	return nil
}

// Unsubscribe removes a subscription by ID.
func (p *InMemoryPublisher) Unsubscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[id]; !exists {
		return ErrSubscriptionNotFound
	}

	delete(p.subscriptions, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// SubscriberCount returns the number of active subscribers.
func (p *InMemoryPublisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}

// SubscriptionIDs lists active subscriptions in registration order.
func (p *InMemoryPublisher) SubscriptionIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// Close removes all subscriptions.
func (p *InMemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions = make(map[string]*subscription)
	p.order = nil
}

// Errors for publisher operations.
var (
	ErrInvalidSubscriptionID = &PublisherError{Message: "subscription ID is required"}
	ErrNilHandler            = &PublisherError{Message: "handler cannot be nil"}
	ErrSubscriptionExists    = &PublisherError{Message: "subscription with this ID already exists"}
	ErrSubscriptionNotFound  = &PublisherError{Message: "subscription not found"}
)

// PublisherError represents an error from publisher operations.
type PublisherError struct {
	Message string
}

func (e *PublisherError) Error() string {
	return e.Message
}
