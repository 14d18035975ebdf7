package fanout

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationKind classifies user notifications
type NotificationKind string

const (
	NotificationRecordCreated NotificationKind = "record.created"
	NotificationAccessGranted NotificationKind = "access.granted"
	NotificationAccessRevoked NotificationKind = "access.revoked"
)

// Notification is a user-targeted message derived from a ledger event
type Notification struct {
	ID        string
	Kind      NotificationKind
	UserID    string
	RecordID  string
	Timestamp time.Time
	Message   string
}

// Subscriber is a channel that receives notifications
type Subscriber chan *Notification

// Broker distributes notifications to subscribers. Each subscriber
// gets a buffered channel; a subscriber that falls behind misses
// notifications rather than stalling delivery to the others.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	notifyCh    chan *Notification
	stopCh      chan struct{}
}

// NewBroker creates a broker; call Start before publishing
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		notifyCh:    make(chan *Notification, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues a notification for every subscriber
func (b *Broker) Publish(n *Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	select {
	case b.notifyCh <- n:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case n := <-b.notifyCh:
			b.broadcast(n)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(n *Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- n:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
