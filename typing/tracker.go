// Package typing keeps the short-lived "currently typing" sets, one per
// room, with an independent expiry timer per user.
package typing

import (
	"sync"
	"time"
)

// DefaultTTL is how long a typing entry lives without an explicit stop.
const DefaultTTL = 3 * time.Second

// User is one entry in a room's typing set.
type User struct {
	UserID      string
	DisplayName string
}

type entry struct {
	user  User
	timer *time.Timer
}

// Tracker aggregates typing signals. A user's first "is typing" signal
// schedules a removal TTL later; repeated signals while tracked do not
// reset that timer, so the entry expires TTL after the first signal unless
// an explicit stop arrives sooner. The viewer's own signals are ignored.
// Safe for concurrent use.
type Tracker struct {
	selfID string
	ttl    time.Duration

	mu    sync.Mutex
	rooms map[string]map[string]*entry // roomID -> userID -> entry
}

func NewTracker(selfID string) *Tracker {
	return NewTrackerTTL(selfID, DefaultTTL)
}

// NewTrackerTTL allows a custom expiry, mainly for tests.
func NewTrackerTTL(selfID string, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		selfID: selfID,
		ttl:    ttl,
		rooms:  make(map[string]map[string]*entry),
	}
}

// Note records one typing signal.
func (t *Tracker) Note(roomID, userID, displayName string, isTyping bool) {
	if userID == t.selfID {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.rooms[roomID]
	if !isTyping {
		if room != nil {
			if e, ok := room[userID]; ok {
				e.timer.Stop()
				delete(room, userID)
			}
		}
		return
	}

	if room == nil {
		room = make(map[string]*entry)
		t.rooms[roomID] = room
	}
	if _, ok := room[userID]; ok {
		// Already tracked; the pending removal stands.
		return
	}
	e := &entry{user: User{UserID: userID, DisplayName: displayName}}
	e.timer = time.AfterFunc(t.ttl, func() {
		t.expire(roomID, userID, e)
	})
	room[userID] = e
}

// expire removes one entry, but only if it is still the entry the timer
// was armed for; a stop-then-retype sequence must not be clobbered by the
// old timer.
func (t *Tracker) expire(roomID, userID string, armed *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil {
		return
	}
	if current, ok := room[userID]; ok && current == armed {
		delete(room, userID)
	}
}

// Users returns a snapshot of the typing set for a room.
func (t *Tracker) Users(roomID string) []User {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	out := make([]User, 0, len(room))
	for _, e := range room {
		out = append(out, e.user)
	}
	return out
}

// Clear drops one room's typing set and cancels its timers.
func (t *Tracker) Clear(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.rooms[roomID] {
		e.timer.Stop()
	}
	delete(t.rooms, roomID)
}

// Close cancels every pending timer. Call on teardown so no callback fires
// into a torn-down scope.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, room := range t.rooms {
		for _, e := range room {
			e.timer.Stop()
		}
	}
	t.rooms = make(map[string]map[string]*entry)
}
