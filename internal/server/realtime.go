package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/remote"
)

const (
	RealtimeEventNoteChanged = remote.EventNoteChanged
	RealtimeEventHeartbeat   = remote.EventHeartbeat

	defaultRealtimeBuffer = 16
)

// RealtimeMessage notifies one account that its change feed advanced.
type RealtimeMessage struct {
	UserID    string
	EventType string
	NoteIDs   []string
	Device    string
	LatestSeq int64
	Timestamp time.Time
}

// RealtimeDispatcher fans messages out to every subscriber of an account.
// Slow subscribers drop messages rather than block a push.
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
		bufferSize:  defaultRealtimeBuffer,
	}
}

// Subscribe registers a stream for userID until ctx ends or the returned func runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := d.register(userID)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the account's current subscribers.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.UserID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams userID currently holds.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) register(userID string) *realtimeSubscriber {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber := &realtimeSubscriber{
		id:     d.nextID,
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
	return subscriber
}

func (d *RealtimeDispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
