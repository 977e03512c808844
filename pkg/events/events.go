package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventImageUploaded   EventType = "image.uploaded"
	EventImageLoading    EventType = "image.loading"
	EventImageLoaded     EventType = "image.loaded"
	EventImageLoadFailed EventType = "image.load_failed"
	EventImageDeleted    EventType = "image.deleted"

	EventDockerImageReloaded EventType = "dockerimage.reloaded"
	EventDockerImageDeleted  EventType = "dockerimage.deleted"

	EventContainerCreated EventType = "container.created"
	EventContainerStarted EventType = "container.started"
	EventContainerStopped EventType = "container.stopped"
	EventContainerDeleted EventType = "container.deleted"
	EventContainerError   EventType = "container.error"

	EventDriftContainer  EventType = "drift.container"
	EventDriftImage      EventType = "drift.image"
	EventOrphanContainer EventType = "orphan.container"
	EventOrphanImage     EventType = "orphan.image"
)

// Event is a lifecycle transition, drift or orphan notice
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New builds an event with a fresh id
func New(t EventType, message string, metadata map[string]string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  metadata,
	}
}

// Publisher accepts events
type Publisher interface {
	Publish(event *Event)
}

// Discard is a Publisher that drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(*Event) {}

const (
	queueSize        = 256
	subscriberBuffer = 64
)

// Subscription receives the events whose type starts with its prefix
type Subscription struct {
	// C is closed by Unsubscribe
	C <-chan *Event

	ch      chan *Event
	prefix  string
	dropped atomic.Uint64
}

func (s *Subscription) matches(t EventType) bool {
	return strings.HasPrefix(string(t), s.prefix)
}

// Dropped is the number of matching events lost because C was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Broker fans published events out to subscriptions from a single
// distribution goroutine
type Broker struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	queue    chan *Event
	stop     chan struct{}
	stopOnce sync.Once
}

func NewBroker() *Broker {
	return &Broker{
		subs:  make(map[*Subscription]struct{}),
		queue: make(chan *Event, queueSize),
		stop:  make(chan struct{}),
	}
}

// Start launches the distribution loop
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case <-b.stop:
				return
			case event := <-b.queue:
				b.deliver(event)
			}
		}
	}()
}

// Stop ends distribution. Queued events are discarded.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Subscribe registers a subscription for event types beginning with
// typePrefix. An empty prefix matches everything.
func (b *Broker) Subscribe(typePrefix string) *Subscription {
	ch := make(chan *Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, prefix: typePrefix}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish fills in a missing id or timestamp and queues the event. It
// returns immediately; when the queue is full the event is lost.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.queue <- event:
	case <-b.stop:
	default:
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.matches(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
