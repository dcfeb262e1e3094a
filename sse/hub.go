package sse

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SubscriberBuffer is the per-subscriber event backlog. A consumer that
// falls further behind starts losing the newest events and is told how many
// it missed.
const SubscriberBuffer = 1000

// Subscriber is one connected SSE client.
type Subscriber struct {
	ID     string
	ch     chan Event
	missed atomic.Int64
	closed bool
}

// Events is the subscriber's receive channel. It closes on unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// TakeMissed returns and resets the number of events dropped since the last
// call. The transport turns a non-zero value into a slow-consumer warning.
func (s *Subscriber) TakeMissed() int64 {
	return s.missed.Swap(0)
}

// Hub owns every channel and its subscribers. The admin and all channels
// are broadcast; creation and project channels are keyed.
type Hub struct {
	mu       sync.RWMutex
	admin    []*Subscriber
	all      []*Subscriber
	creation map[string][]*Subscriber
	project  map[string][]*Subscriber
	log      *logrus.Entry
}

// NewHub creates an empty hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		creation: make(map[string][]*Subscriber),
		project:  make(map[string][]*Subscriber),
		log:      log,
	}
}

func newSubscriber() *Subscriber {
	return &Subscriber{
		ID: uuid.NewString(),
		ch: make(chan Event, SubscriberBuffer),
	}
}

// SubscribeAdmin attaches a client to the admin broadcast channel.
func (h *Hub) SubscribeAdmin() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := newSubscriber()
	h.admin = append(h.admin, sub)
	return sub
}

// SubscribeAll attaches a client to the all broadcast channel.
func (h *Hub) SubscribeAll() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := newSubscriber()
	h.all = append(h.all, sub)
	return sub
}

// UnsubscribeAdmin detaches a client from the admin channel. Idempotent.
func (h *Hub) UnsubscribeAdmin(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.admin = removeSubscriber(h.admin, sub)
}

// UnsubscribeAll detaches a client from the all channel. Idempotent.
func (h *Hub) UnsubscribeAll(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all = removeSubscriber(h.all, sub)
}

// SubscribeCreation attaches a client to the creation channel of a login.
func (h *Hub) SubscribeCreation(login string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := newSubscriber()
	h.creation[login] = append(h.creation[login], sub)
	return sub
}

// SubscribeProject attaches a client to a project channel.
func (h *Hub) SubscribeProject(projectID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := newSubscriber()
	h.project[projectID] = append(h.project[projectID], sub)
	return sub
}

// UnsubscribeCreation detaches a client from a creation channel. Idempotent.
func (h *Hub) UnsubscribeCreation(login string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.creation[login] = removeSubscriber(h.creation[login], sub)
}

// UnsubscribeProject detaches a client from a project channel. Idempotent.
func (h *Hub) UnsubscribeProject(projectID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.project[projectID] = removeSubscriber(h.project[projectID], sub)
}

func removeSubscriber(subs []*Subscriber, target *Subscriber) []*Subscriber {
	for i, sub := range subs {
		if sub == target {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// PublishAdmin delivers an event to every admin subscriber.
func (h *Hub) PublishAdmin(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deliver(h.admin, event)
}

// PublishAll delivers an event to every subscriber of the all channel.
func (h *Hub) PublishAll(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deliver(h.all, event)
}

// PublishCreation delivers an event to every subscriber of a creation
// channel.
func (h *Hub) PublishCreation(login string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deliver(h.creation[login], event)
}

// PublishProject delivers an event to every subscriber of a project channel.
func (h *Hub) PublishProject(projectID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deliver(h.project[projectID], event)
}

// deliver never blocks the publisher: a full subscriber drops the event and
// counts the miss instead.
func deliver(subs []*Subscriber, event Event) {
	for _, sub := range subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.missed.Add(1)
		}
	}
}

// AdminSubscriberCount returns the number of clients on the admin channel.
func (h *Hub) AdminSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.admin)
}

// AllSubscriberCount returns the number of clients on the all channel.
func (h *Hub) AllSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// CreationSubscriberCount returns the number of clients on a creation
// channel.
func (h *Hub) CreationSubscriberCount(login string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.creation[login])
}

// ProjectSubscriberCount returns the number of clients on a project channel.
func (h *Hub) ProjectSubscriberCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.project[projectID])
}

// ActiveProjectChannels lists the project ids that currently have at least
// one subscriber. The metrics collector only samples those.
func (h *Hub) ActiveProjectChannels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.project))
	for id, subs := range h.project {
		if len(subs) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// GC drops keyed channel entries without subscribers and returns how many
// were removed. The broadcast channels are permanent.
func (h *Hub) GC() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for login, subs := range h.creation {
		if len(subs) == 0 {
			delete(h.creation, login)
			removed++
		}
	}
	for id, subs := range h.project {
		if len(subs) == 0 {
			delete(h.project, id)
			removed++
		}
	}
	return removed
}

// SlowConsumerWarning builds the system event a transport emits when a
// subscriber lost events.
func SlowConsumerWarning(missed int64) Event {
	return NewSystemEvent(LevelWarning,
		fmt.Sprintf("Connection slow: %d messages missed", missed), nil)
}
