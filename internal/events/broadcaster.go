package events

import (
	"encoding/json"
	"sync"
)

// Subscriber is one long-lived event consumer for a single session.
// Events arrive pre-serialized so every subscriber shares one encode.
type Subscriber struct {
	ch        chan []byte
	closeOnce sync.Once
}

// Events returns the subscriber's delivery channel. The channel is closed
// when the subscriber is removed or the session is deleted.
func (s *Subscriber) Events() <-chan []byte {
	return s.ch
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Broadcaster fans typed events out to the subscribers of each session.
// Events are fire-and-forget: a subscriber that cannot keep up is dropped
// rather than blocking the publish path.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscriber]struct{}
	buffer int

	// onPublish, when set, observes (event type, outcome) per delivery
	// attempt. Outcomes: delivered, drop_slow.
	onPublish func(eventType, outcome string)
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[string]map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

func (b *Broadcaster) SetPublishHook(hook func(eventType, outcome string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = hook
}

// Subscribe registers a new consumer for the session. The caller is
// responsible for sending the initial status snapshot via Send.
func (b *Broadcaster) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{ch: make(chan []byte, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the consumer and closes its channel. Safe to call
// after the session has already been closed.
func (b *Broadcaster) Unsubscribe(sessionID string, sub *Subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Send delivers one event to a single subscriber, bypassing fan-out.
// Used for the synthesized status snapshot on subscribe.
func (b *Broadcaster) Send(sub *Subscriber, ev any) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case sub.ch <- raw:
	default:
	}
	return nil
}

// Publish serializes the event once and delivers it to every current
// subscriber of the session. Subscribers with a full buffer are dropped.
func (b *Broadcaster) Publish(sessionID string, ev any) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	evType := "unknown"
	if t, ok := TypeOf(ev); ok {
		evType = string(t)
	}

	b.mu.Lock()
	set := b.subs[sessionID]
	var dropped []*Subscriber
	for sub := range set {
		select {
		case sub.ch <- raw:
			if b.onPublish != nil {
				b.onPublish(evType, "delivered")
			}
		default:
			// Buffer full means the peer stopped reading. Cut it loose
			// instead of stalling every other subscriber.
			dropped = append(dropped, sub)
			if b.onPublish != nil {
				b.onPublish(evType, "drop_slow")
			}
		}
	}
	for _, sub := range dropped {
		delete(set, sub)
	}
	if len(set) == 0 {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
	}
}

// CloseSession disconnects every subscriber of the session. Called when
// the session is deleted or expired.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	set := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()

	for sub := range set {
		sub.close()
	}
}

// SubscriberCount reports the live subscribers for one session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}
