// Package bus is the in-process publish/subscribe channel for pipeline
// notifications. Components subscribe to a topic and receive typed payloads;
// publishing never blocks the pipeline, so slow subscribers lose messages.
package bus

import (
	"sync"
	"time"
)

// Topic identifies a notification capability.
type Topic string

const (
	TopicProgress  Topic = "progress"  // ProgressUpdate
	TopicOperation Topic = "operation" // OperationUpdate
	TopicCost      Topic = "cost"      // CostUpdate
	TopicApproval  Topic = "approval"  // ApprovalRequested
	TopicEviction  Topic = "eviction"  // Eviction
)

// ProgressUpdate reports streaming progress of a running phase.
type ProgressUpdate struct {
	SessionID      string
	Phase          string
	PagesCompleted int
	PagesTotal     int
}

// OperationUpdate reports a phase changing state.
type OperationUpdate struct {
	SessionID string
	Phase     string
	Status    string
}

// CostUpdate reports a cost-confirmation decision.
type CostUpdate struct {
	SessionID    string
	Phase        string
	EstimatedUSD float64
	Approved     bool
}

// ApprovalRequested reports a stage waiting at the approval gate.
type ApprovalRequested struct {
	SessionID string
	Stage     string
	Domain    string
}

// Eviction reports stage data leaving the in-memory window.
type Eviction struct {
	SessionID string
	Stage     string
}

// Message wraps a published payload.
type Message struct {
	Topic   Topic
	Payload any
	Time    time.Time
}

type subscriber struct {
	ch chan Message
}

// Bus fans messages out per topic.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*subscriber
	buffer int
	closed bool
}

// New creates a bus. buffer is the per-subscriber channel depth.
func New(buffer int) *Bus {
	if buffer < 1 {
		buffer = 16
	}
	return &Bus{subs: make(map[Topic][]*subscriber), buffer: buffer}
}

// Subscribe registers for a topic. The returned cancel func removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(topic Topic) (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[topic]
			for i, s := range list {
				if s == sub {
					b.subs[topic] = append(list[:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers payload to every subscriber of topic. Non-blocking:
// messages to full subscriber buffers are dropped.
func (b *Bus) Publish(topic Topic, payload any) {
	msg := Message{Topic: topic, Payload: payload, Time: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
	}
	b.subs = make(map[Topic][]*subscriber)
}
