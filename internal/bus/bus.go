package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known topics. Per-source topics are derived with SourceTopic.
const (
	TopicAllReadings = "all-readings"
	TopicAlerts      = "alerts"
)

func SourceTopic(sourceID string) string {
	return "source:" + sourceID
}

// Event is one broadcast message.
type Event struct {
	Topic     string    `json:"topic"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is a registered observer. Its channel is closed on
// Unsubscribe; slow consumers lose the newest events, never old ones.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan Event

	ch chan Event
}

// Bus fans events out to per-subscriber bounded queues. Publishing never
// blocks: a full queue drops the new event and bumps the drop counter.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]map[string]*Subscription
	queueSize int
	closed    bool

	dropMu  sync.Mutex
	dropped map[string]uint64
	onDrop  func(topic string)
}

func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Bus{
		topics:    make(map[string]map[string]*Subscription),
		queueSize: queueSize,
		dropped:   make(map[string]uint64),
	}
}

func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Event, b.queueSize)
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		C:     ch,
		ch:    ch,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.ID] = sub
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.Topic]
	if !ok {
		return
	}
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.topics, sub.Topic)
	}
	close(sub.ch)
}

// Publish delivers the event to every subscriber of the topic.
func (b *Bus) Publish(topic, eventType string, payload any) {
	ev := Event{
		Topic:     topic,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			b.recordDrop(topic)
		}
	}
}

func (b *Bus) recordDrop(topic string) {
	b.dropMu.Lock()
	b.dropped[topic]++
	fn := b.onDrop
	b.dropMu.Unlock()
	if fn != nil {
		fn(topic)
	}
}

// OnDrop registers a callback invoked once per dropped event. Set it before
// publishing begins.
func (b *Bus) OnDrop(fn func(topic string)) {
	b.dropMu.Lock()
	b.onDrop = fn
	b.dropMu.Unlock()
}

// Dropped reports drop counts per topic since startup.
func (b *Bus) Dropped() map[string]uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	out := make(map[string]uint64, len(b.dropped))
	for topic, n := range b.dropped {
		out[topic] = n
	}
	return out
}

// SubscriberCount reports active subscribers across all topics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, subs := range b.topics {
		total += len(subs)
	}
	return total
}

// Close shuts every subscription down. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.topics = make(map[string]map[string]*Subscription)
}
