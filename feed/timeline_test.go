package feed

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipline/chatkit/chat"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, at time.Time) chat.Message {
	return chat.Message{
		ID:        id,
		GroupID:   "G1",
		SenderID:  "u-" + id,
		Kind:      chat.KindText,
		Content:   "message " + id,
		CreatedAt: at,
	}
}

func ids(messages []chat.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestApplyIncomingIdempotent(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	m := msg("1", t0)
	assert.True(t, tl.ApplyIncoming(m))
	assert.False(t, tl.ApplyIncoming(m), "second apply of the same id must be dropped")
	assert.Equal(t, 1, tl.Len())
}

func TestOrderInvariant(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	tl.ApplyIncoming(msg("c", t0.Add(2*time.Second)))
	tl.ApplyIncoming(msg("a", t0))
	tl.ApplyIncoming(msg("b", t0.Add(time.Second)))

	assert.Equal(t, []string{"a", "b", "c"}, ids(tl.Messages()))
}

func TestEqualTimestampsKeepArrivalOrder(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	// Same second for all three; the backend does not promise sub-second
	// uniqueness.
	tl.ApplyIncoming(msg("first", t0))
	tl.ApplyIncoming(msg("second", t0))
	tl.ApplyIncoming(msg("third", t0))
	tl.ApplyIncoming(msg("earlier", t0.Add(-time.Second)))

	assert.Equal(t, []string{"earlier", "first", "second", "third"}, ids(tl.Messages()))
}

func TestFirstSnapshotReplaces(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	tl.LoadSnapshot([]chat.Message{
		msg("2", t0.Add(time.Second)),
		msg("1", t0),
	})

	assert.Equal(t, []string{"1", "2"}, ids(tl.Messages()))
}

func TestSnapshotMergePreservesLocalOnly(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	tl.LoadSnapshot([]chat.Message{msg("1", t0)})
	// x arrived live and is not yet reflected server-side.
	require.True(t, tl.ApplyIncoming(msg("x", t0.Add(time.Second))))

	tl.LoadSnapshot([]chat.Message{msg("1", t0), msg("2", t0.Add(2*time.Second))})

	assert.Equal(t, []string{"1", "x", "2"}, ids(tl.Messages()))
}

func TestSnapshotFieldsWin(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	tl.LoadSnapshot([]chat.Message{msg("1", t0)})
	edited := msg("1", t0)
	edited.Content = "edited server-side"
	tl.LoadSnapshot([]chat.Message{edited, msg("2", t0.Add(time.Second))})

	assert.Equal(t, "edited server-side", tl.Messages()[0].Content)
}

func TestIdenticalSnapshotSkipsRebuild(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	page := []chat.Message{msg("1", t0), msg("2", t0.Add(time.Second))}
	tl.LoadSnapshot(page)
	before := tl.Rebuilds()

	tl.LoadSnapshot(page)
	tl.LoadSnapshot([]chat.Message{page[1], page[0]}) // order differs, id set identical

	assert.Equal(t, before, tl.Rebuilds(), "identical id set must not trigger a rebuild")
	assert.Equal(t, []string{"1", "2"}, ids(tl.Messages()))
}

func TestDeletionTombstones(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	tl.ApplyIncoming(msg("1", t0))
	tl.ApplyDeletion("1")

	got := tl.Messages()
	require.Len(t, got, 1)
	assert.True(t, got[0].IsDeleted)
	assert.Equal(t, chat.TombstoneContent, got[0].Content)
}

func TestDeletionIsSticky(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	tl.ApplyIncoming(msg("1", t0))
	tl.ApplyDeletion("1")

	// Neither a replayed live copy nor a stale snapshot copy may revive it.
	tl.ApplyIncoming(msg("1", t0))
	tl.LoadSnapshot([]chat.Message{msg("1", t0), msg("2", t0.Add(time.Second))})

	got := tl.Messages()
	require.Len(t, got, 2)
	assert.True(t, got[0].IsDeleted)
	assert.Equal(t, chat.TombstoneContent, got[0].Content)
}

func TestDeletionBeforeCreationArrivesPreDeleted(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	// Deletion observed first, creation replayed later.
	tl.ApplyDeletion("ghost")
	require.True(t, tl.ApplyIncoming(msg("ghost", t0)))

	got := tl.Messages()
	require.Len(t, got, 1)
	assert.True(t, got[0].IsDeleted)
	assert.Equal(t, chat.TombstoneContent, got[0].Content)
}

func TestIsMineDerivedAgainstCurrentViewer(t *testing.T) {
	tl := NewTimeline("u-1", nil)

	tl.ApplyIncoming(msg("1", t0)) // sender u-1
	tl.ApplyIncoming(msg("2", t0.Add(time.Second)))
	system := chat.Message{ID: "3", GroupID: "G1", Kind: chat.KindSystem, CreatedAt: t0.Add(2 * time.Second)}
	tl.ApplyIncoming(system)

	got := tl.Messages()
	assert.True(t, got[0].IsMine)
	assert.False(t, got[1].IsMine)
	assert.False(t, got[2].IsMine, "system messages belong to nobody")

	tl.SetViewer("u-2")
	got = tl.Messages()
	assert.False(t, got[0].IsMine)
	assert.True(t, got[1].IsMine)
}

func TestSeenFiresOncePerActivation(t *testing.T) {
	tl := NewTimeline("viewer", nil)
	fired := make(chan struct{}, 8)
	tl.SetSeenFunc(func() { fired <- struct{}{} })

	tl.LoadSnapshot(nil) // empty list must not fire
	select {
	case <-fired:
		t.Fatal("seen fired on empty list")
	case <-time.After(20 * time.Millisecond):
	}

	tl.ApplyIncoming(msg("1", t0))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("seen did not fire when list became non-empty")
	}

	tl.ApplyIncoming(msg("2", t0.Add(time.Second)))
	tl.LoadSnapshot([]chat.Message{msg("1", t0), msg("2", t0.Add(time.Second)), msg("3", t0.Add(2*time.Second))})
	select {
	case <-fired:
		t.Fatal("seen re-fired on a later mutation")
	case <-time.After(20 * time.Millisecond):
	}

	tl.Reset()
	tl.ApplyIncoming(msg("4", t0))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("seen did not re-arm after Reset")
	}
}

func TestEndToEndScenario(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	tl.LoadSnapshot([]chat.Message{msg("1", t0)})
	assert.True(t, tl.ApplyIncoming(msg("2", t0.Add(time.Millisecond))))
	assert.False(t, tl.ApplyIncoming(msg("1", t0)), "reconnect replay duplicate")

	got := tl.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"1", "2"}, ids(got))
}

func TestManyInterleavedSourcesStaySorted(t *testing.T) {
	tl := NewTimeline("viewer", nil)

	var page []chat.Message
	for i := 0; i < 20; i += 2 {
		page = append(page, msg(fmt.Sprintf("s%02d", i), t0.Add(time.Duration(i)*time.Second)))
	}
	tl.LoadSnapshot(page)
	for i := 19; i > 0; i -= 2 {
		tl.ApplyIncoming(msg(fmt.Sprintf("l%02d", i), t0.Add(time.Duration(i)*time.Second)))
	}

	got := tl.Messages()
	require.Len(t, got, 20)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt),
			"list out of order at index %d", i)
	}
}
