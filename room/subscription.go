// Package room tracks one consumer's occupancy of a single chat room on
// top of the socket manager: handler registration, connect+join
// sequencing, and stale-delivery guards across room switches.
package room

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sipline/chatkit/chat"
	"github.com/sipline/chatkit/logger"
	"github.com/sipline/chatkit/socket"
)

// Handlers are the consumer's inbound callbacks, passed by ownership at
// Subscribe time and replaced wholesale on re-subscription. Nil fields are
// allowed and skipped. OnState fires whenever the connected/joined pair
// changes.
type Handlers struct {
	OnMessage  func(msg chat.Message)
	OnDeleted  func(messageID string)
	OnTyping   func(ev chat.TypingPayload)
	OnPresence func(ev chat.PresencePayload, joined bool)
	OnState    func(connected, joined bool)
}

// Subscription is one consumer's view of its current room. Exactly one room
// is occupied at a time; Subscribe for a new room implicitly tears down the
// previous one. Safe for concurrent use.
type Subscription struct {
	manager *socket.Manager
	logger  *logger.Logger

	connected atomic.Bool
	joined    atomic.Bool

	// generation invalidates in-flight continuations and inbound events
	// from a superseded Subscribe. Captured at subscribe time, compared at
	// every delivery.
	generation atomic.Uint64

	mu       sync.Mutex
	groupID  string
	handlers Handlers
	active   bool
}

// eventListener forwards one event name into its subscription. A distinct
// pointer per (subscription, event) pair gives each binding its own
// identity in the manager's registry, so two subscriptions on one manager
// never collapse into each other.
type eventListener struct {
	sub   *Subscription
	event string
}

func (l *eventListener) Handle(data json.RawMessage) {
	l.sub.route(l.event, data)
}

func NewSubscription(manager *socket.Manager, log *logger.Logger) *Subscription {
	if log == nil {
		log = logger.Nop()
	}
	s := &Subscription{manager: manager, logger: log}
	// Bind the stable forwarding listeners once; the registry's idempotent
	// add means repeated Subscribe calls never stack duplicates.
	for _, event := range []string{
		chat.EventConnect,
		chat.EventDisconnect,
		chat.EventNewMessage,
		chat.EventMessageDeleted,
		chat.EventUserTyping,
		chat.EventUserJoined,
		chat.EventUserLeft,
	} {
		manager.On(event, &eventListener{sub: s, event: event})
	}
	return s
}

func (s *Subscription) route(event string, data json.RawMessage) {
	switch event {
	case chat.EventConnect:
		s.onConnect(data)
	case chat.EventDisconnect:
		s.onDisconnect(data)
	case chat.EventNewMessage:
		s.onNewMessage(data)
	case chat.EventMessageDeleted:
		s.onMessageDeleted(data)
	case chat.EventUserTyping:
		s.onUserTyping(data)
	case chat.EventUserJoined:
		s.onUserJoined(data)
	case chat.EventUserLeft:
		s.onUserLeft(data)
	}
}

// Connected reports whether the underlying transport is up.
func (s *Subscription) Connected() bool { return s.connected.Load() }

// Joined reports whether the requested room join has completed.
func (s *Subscription) Joined() bool { return s.joined.Load() }

// GroupID reports the room the subscription currently targets, or "".
func (s *Subscription) GroupID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupID
}

// Subscribe occupies groupID with the given handlers, connecting and
// joining as needed. Any prior subscription held by this consumer is torn
// down first. The returned error reflects the connect+join sequence;
// handlers stay registered either way so a later reconnect can complete
// the join.
func (s *Subscription) Subscribe(ctx context.Context, groupID string, handlers Handlers) error {
	s.mu.Lock()
	if s.active {
		s.teardownLocked()
	}
	s.groupID = groupID
	s.handlers = handlers
	s.active = true
	generation := s.generation.Add(1)
	s.mu.Unlock()

	err := s.manager.JoinRoom(ctx, groupID)

	// A re-subscribe or unsubscribe may have raced the join; the newer
	// generation owns the state now.
	if s.generation.Load() != generation {
		return err
	}
	s.setJoined(err == nil)
	if err != nil {
		s.logger.Warnf("Join of room %s failed: %v", groupID, err)
	}
	return err
}

// Unsubscribe leaves the room and drops the consumer's handlers. Safe to
// call repeatedly, and safe after the connection has already dropped.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.mu.Unlock()
}

// teardownLocked invalidates in-flight work and leaves the current room.
// Caller holds s.mu.
func (s *Subscription) teardownLocked() {
	s.generation.Add(1)
	group := s.groupID
	s.groupID = ""
	s.handlers = Handlers{}
	s.active = false
	s.joined.Store(false)
	if group != "" {
		s.manager.LeaveRoom(group)
	}
}

// current returns the live handlers when the subscription is active, along
// with the room it targets.
func (s *Subscription) current() (Handlers, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers, s.groupID, s.active
}

func (s *Subscription) setConnected(v bool) {
	if s.connected.Swap(v) != v {
		s.notifyState()
	}
}

func (s *Subscription) setJoined(v bool) {
	if s.joined.Swap(v) != v {
		s.notifyState()
	}
}

func (s *Subscription) notifyState() {
	handlers, _, active := s.current()
	if active && handlers.OnState != nil {
		handlers.OnState(s.connected.Load(), s.joined.Load())
	}
}

func (s *Subscription) onConnect(json.RawMessage) {
	s.setConnected(true)
	// The manager replays its recorded room before announcing connect, so
	// the join has been re-emitted only when CurrentRoom still matches. A
	// manual Disconnect clears the manager's membership, in which case no
	// join happened and this subscription stays unjoined until the consumer
	// subscribes again.
	_, group, active := s.current()
	if active && group != "" && s.manager.CurrentRoom() == group {
		s.setJoined(true)
	}
}

func (s *Subscription) onDisconnect(json.RawMessage) {
	s.setConnected(false)
	s.joined.Store(false)
	s.notifyState()
}

func (s *Subscription) onNewMessage(data json.RawMessage) {
	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Errorf("Malformed new_message payload: %v", err)
		return
	}
	handlers, group, active := s.current()
	if !active || msg.GroupID != group {
		// Expected race: events from a room we already switched away from.
		s.logger.Debugf("Dropping message for stale room %s", msg.GroupID)
		return
	}
	if handlers.OnMessage != nil {
		handlers.OnMessage(msg)
	}
}

func (s *Subscription) onMessageDeleted(data json.RawMessage) {
	var payload chat.DeletedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Errorf("Malformed message_deleted payload: %v", err)
		return
	}
	handlers, _, active := s.current()
	if !active {
		return
	}
	if handlers.OnDeleted != nil {
		handlers.OnDeleted(payload.MessageID)
	}
}

func (s *Subscription) onUserTyping(data json.RawMessage) {
	var payload chat.TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Errorf("Malformed user_typing payload: %v", err)
		return
	}
	handlers, group, active := s.current()
	if !active || (payload.GroupID != "" && payload.GroupID != group) {
		return
	}
	if handlers.OnTyping != nil {
		handlers.OnTyping(payload)
	}
}

func (s *Subscription) onUserJoined(data json.RawMessage) {
	s.forwardPresence(data, true)
}

func (s *Subscription) onUserLeft(data json.RawMessage) {
	s.forwardPresence(data, false)
}

func (s *Subscription) forwardPresence(data json.RawMessage, joined bool) {
	var payload chat.PresencePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Errorf("Malformed presence payload: %v", err)
		return
	}
	handlers, group, active := s.current()
	if !active || (payload.GroupID != "" && payload.GroupID != group) {
		return
	}
	if handlers.OnPresence != nil {
		handlers.OnPresence(payload, joined)
	}
}
