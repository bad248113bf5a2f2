// Package bus is the in-process event spine: queue operations publish
// task lifecycle events, the worker and the watch dashboard subscribe.
package bus

import (
	"strings"
	"sync"
)

// Queue event topics.
const (
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskReleased  = "task.released"
	TopicTaskRecovered = "task.recovered"
	TopicQueueRescan   = "queue.rescan"
)

// TaskEvent is the payload for task.* topics.
type TaskEvent struct {
	Task     string // task name
	Instance string // acting instance identity
	State    string // destination state directory
	Detail   string // failure message, recovery reason
}

// RescanEvent is the payload for queue.rescan.
type RescanEvent struct {
	Registered int
	Completed  int
	Skipped    int
}

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

// subscriberBuffer bounds how far a consumer may lag before it loses
// events. Publish never blocks on a full buffer.
const subscriberBuffer = 100

// Subscription is one consumer's view of the bus. Receive on Ch; hand
// the subscription back via Unsubscribe when done.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// matches reports whether this subscriber wants the topic. An empty
// prefix takes everything.
func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans events out to prefix-matched subscribers. Zero external
// processes are involved; a standalone command sees only its own events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a consumer for topics under the given prefix.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe on
// nil and safe to repeat.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber without
// blocking. A subscriber whose buffer is full misses this event.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
