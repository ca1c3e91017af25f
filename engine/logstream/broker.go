// Package logstream fans live build output out to per-task subscribers.
package logstream

import (
	"sync"
	"time"

	"github.com/buildsmith/buildsmith/engine/task/model"
	"github.com/buildsmith/buildsmith/pkg/logger"
)

// subscriberBuffer bounds the backlog a slow subscriber may accumulate before
// it is disconnected. Publishers never block.
const subscriberBuffer = 1000

// Message is one log line delivered to websocket clients.
type Message struct {
	TaskID     int64  `json:"task_id"`
	Log        string `json:"log"`
	Timestamp  string `json:"timestamp"`
	IsProgress bool   `json:"is_progress"`
}

// Subscription is one subscriber's view of a task's stream. The channel is
// closed when the subscription ends, whether by Close or by falling behind.
type Subscription struct {
	broker *Broker
	taskID int64
	ch     chan Message
	once   sync.Once
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close detaches the subscriber and closes its channel.
func (s *Subscription) Close() {
	s.broker.drop(s.taskID, s)
}

// Broker is a keyed publish/subscribe bus, safe for any number of concurrent
// publishers and subscribers.
type Broker struct {
	mu   sync.RWMutex
	subs map[int64][]*Subscription
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int64][]*Subscription)}
}

// Publish delivers line to every current subscriber of taskID. A subscriber
// whose buffer is full is dropped rather than stalling the publisher.
func (b *Broker) Publish(taskID int64, line string, isProgress bool) {
	msg := Message{
		TaskID:     taskID,
		Log:        line,
		Timestamp:  time.Now().Format(model.TimeLayout),
		IsProgress: isProgress,
	}
	// Sends happen under the read lock and drop closes under the write lock,
	// so a send can never race the close of an unsubscribing client. The
	// sends are non-blocking, so holding the lock here never stalls.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[taskID] {
		select {
		case s.ch <- msg:
		default:
			logger.Warn("log subscriber too slow, dropping", "task_id", taskID)
			go b.drop(taskID, s)
		}
	}
}

// Subscribe registers a new subscriber for taskID. It receives only messages
// published after this call.
func (b *Broker) Subscribe(taskID int64) *Subscription {
	s := &Subscription{
		broker: b,
		taskID: taskID,
		ch:     make(chan Message, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], s)
	b.mu.Unlock()
	return s
}

// SubscriberCount reports active subscribers for taskID.
func (b *Broker) SubscriberCount(taskID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[taskID])
}

func (b *Broker) drop(taskID int64, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[taskID]
	for i, s := range subs {
		if s == sub {
			b.subs[taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[taskID]) == 0 {
		delete(b.subs, taskID)
	}
	sub.once.Do(func() { close(sub.ch) })
}
