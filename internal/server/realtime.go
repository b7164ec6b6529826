package server

import (
	"context"
	"sync"
	"time"
)

const realtimeEventHeartbeat = "heartbeat"

// RealtimeMessage is one lifecycle event fanned out to sessions watching a
// template.
type RealtimeMessage struct {
	Type       string                 `json:"type"`
	TemplateID string                 `json:"template_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// RealtimeDispatcher fans lifecycle events out to subscribers keyed by
// template id. Delivery is best-effort at-most-once: a subscriber whose
// buffer is full misses the event and re-fetches state on reconnect.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a session on a template's event stream. The stream
// closes when ctx is done or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, templateID string) (<-chan RealtimeMessage, func()) {
	if templateID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(templateID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(templateID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishEvent satisfies the publisher contracts of the coordinator
// service and the presence tracker.
func (d *RealtimeDispatcher) PublishEvent(eventType, templateID string, payload map[string]interface{}, occurredAt time.Time) {
	if eventType == "" || templateID == "" {
		return
	}
	message := RealtimeMessage{
		Type:       eventType,
		TemplateID: templateID,
		Payload:    payload,
		Timestamp:  occurredAt,
	}

	d.mu.RLock()
	subscribers := d.subscribers[templateID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(templateID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[templateID]; !ok {
		d.subscribers[templateID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[templateID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(templateID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[templateID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, templateID)
		}
	}
	d.mu.Unlock()
}
