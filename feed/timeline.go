// Package feed reconciles the two message sources of a room, fetched
// snapshots and the live event stream, into one ordered, deduplicated,
// locally mutable list, and wraps the write-path REST calls.
package feed

import (
	"sort"
	"sync"

	"github.com/sipline/chatkit/chat"
	"github.com/sipline/chatkit/logger"
)

// Timeline is the canonical message list for one room. It merges snapshots
// with live insertions, suppresses duplicates, keeps the list sorted by
// CreatedAt with stable tie-breaks, and enforces that observed deletions
// are authoritative: a deletion seen before its message's creation is
// recorded and applied retroactively when the creation arrives.
// Safe for concurrent use.
type Timeline struct {
	logger *logger.Logger

	mu           sync.Mutex
	viewerID     string
	messages     []chat.Message
	byID         map[string]int  // id -> index in messages
	deleted      map[string]bool // every deletion ever observed, known id or not
	seq          uint64          // arrival counter for stable ordering
	arrival      map[string]uint64
	lastSnapshot map[string]bool // id set of the last applied snapshot
	snapshots    int             // snapshots applied so far
	rebuilds     int
	seenFired    bool
	onSeen       func()
}

func NewTimeline(viewerID string, log *logger.Logger) *Timeline {
	if log == nil {
		log = logger.Nop()
	}
	return &Timeline{
		logger:   log,
		viewerID: viewerID,
		byID:     make(map[string]int),
		deleted:  make(map[string]bool),
		arrival:  make(map[string]uint64),
	}
}

// SetSeenFunc installs the callback fired the first time the list becomes
// non-empty after a Reset. Typically wired to the mark-read REST call. It
// fires at most once per room activation, never on later mutations.
func (t *Timeline) SetSeenFunc(fn func()) {
	t.mu.Lock()
	t.onSeen = fn
	t.mu.Unlock()
}

// Reset clears all state for a new room activation, re-arming the
// seen-once signal. The viewer identity carries over.
func (t *Timeline) Reset() {
	t.mu.Lock()
	t.messages = nil
	t.byID = make(map[string]int)
	t.deleted = make(map[string]bool)
	t.arrival = make(map[string]uint64)
	t.lastSnapshot = nil
	t.seq = 0
	t.snapshots = 0
	t.seenFired = false
	t.mu.Unlock()
}

// SetViewer changes the identity IsMine is derived against.
func (t *Timeline) SetViewer(viewerID string) {
	t.mu.Lock()
	t.viewerID = viewerID
	t.mu.Unlock()
}

// Messages returns an ordered copy of the list with IsMine derived against
// the current viewer.
func (t *Timeline) Messages() []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chat.Message, len(t.messages))
	copy(out, t.messages)
	for i := range out {
		out[i].IsMine = out[i].SenderID != "" && out[i].SenderID == t.viewerID
	}
	return out
}

// Len reports the number of messages held.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Rebuilds reports how many times the list has been re-sorted. Identical
// snapshots keep this flat.
func (t *Timeline) Rebuilds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rebuilds
}

// LoadSnapshot applies a fetched message page. The first snapshot replaces
// the list; later ones merge into it, preserving messages that arrived
// live and are not yet reflected server-side. Snapshot copies win for their
// own fields. A snapshot carrying the same id set as the current list is
// discarded without a rebuild.
func (t *Timeline) LoadSnapshot(messages []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make(map[string]bool, len(messages))
	for _, msg := range messages {
		ids[msg.ID] = true
	}
	if t.snapshots > 0 && idSetsEqual(ids, t.lastSnapshot) {
		t.logger.Debug("Snapshot identical to last one, skipping rebuild")
		t.snapshots++
		return
	}
	t.lastSnapshot = ids

	if t.snapshots == 0 {
		t.messages = nil
		t.byID = make(map[string]int)
		t.arrival = make(map[string]uint64)
		t.seq = 0
	}
	for _, msg := range messages {
		t.upsertLocked(msg, true)
	}
	t.snapshots++
	t.rebuildLocked()
	t.fireSeenLocked()
}

// ApplyIncoming inserts one live message, returning whether it was newly
// added. Duplicate ids (reconnection replay, backend retry) are dropped.
func (t *Timeline) ApplyIncoming(msg chat.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byID[msg.ID]; exists {
		t.logger.Debugf("Duplicate message %s dropped", msg.ID)
		return false
	}
	t.upsertLocked(msg, false)
	t.rebuildLocked()
	t.fireSeenLocked()
	return true
}

// ApplyDeletion tombstones the message with the given id. An unknown id is
// recorded so a late-arriving creation for it lands pre-deleted; deletions
// are authoritative once observed.
func (t *Timeline) ApplyDeletion(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deleted[messageID] = true
	idx, ok := t.byID[messageID]
	if !ok {
		t.logger.Debugf("Deletion for unknown message %s recorded", messageID)
		return
	}
	t.tombstoneLocked(idx)
}

// upsertLocked inserts or (for snapshot entries) overwrites one message,
// applying any previously observed deletion. Caller holds t.mu and is
// responsible for the rebuild.
func (t *Timeline) upsertLocked(msg chat.Message, fromSnapshot bool) {
	if t.deleted[msg.ID] {
		msg.IsDeleted = true
		msg.Content = chat.TombstoneContent
		msg.Payload = nil
	}
	if idx, exists := t.byID[msg.ID]; exists {
		if !fromSnapshot {
			return
		}
		// Snapshot wins for its own fields, but a local tombstone never
		// reverts.
		if t.messages[idx].IsDeleted {
			msg.IsDeleted = true
			msg.Content = chat.TombstoneContent
			msg.Payload = nil
		}
		t.messages[idx] = msg
		return
	}
	t.seq++
	t.arrival[msg.ID] = t.seq
	t.byID[msg.ID] = len(t.messages)
	t.messages = append(t.messages, msg)
}

func (t *Timeline) tombstoneLocked(idx int) {
	t.messages[idx].IsDeleted = true
	t.messages[idx].Content = chat.TombstoneContent
	t.messages[idx].Payload = nil
}

// rebuildLocked re-sorts by CreatedAt ascending. Equal timestamps keep
// arrival order; the backend does not guarantee sub-second uniqueness, so
// no secondary field is trusted for ties.
func (t *Timeline) rebuildLocked() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		ti, tj := t.messages[i].CreatedAt, t.messages[j].CreatedAt
		if ti.Equal(tj) {
			return t.arrival[t.messages[i].ID] < t.arrival[t.messages[j].ID]
		}
		return ti.Before(tj)
	})
	for i := range t.messages {
		t.byID[t.messages[i].ID] = i
	}
	t.rebuilds++
}

func idSetsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}

// fireSeenLocked triggers the seen-once callback when the list first
// becomes non-empty. The callback runs without the lock.
func (t *Timeline) fireSeenLocked() {
	if t.seenFired || len(t.messages) == 0 || t.onSeen == nil {
		return
	}
	t.seenFired = true
	fn := t.onSeen
	go fn()
}
