package typing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTTL = 60 * time.Millisecond

func TestEntryExpires(t *testing.T) {
	tr := NewTrackerTTL("me", testTTL)
	defer tr.Close()

	tr.Note("G1", "u1", "Alice", true)
	require.Len(t, tr.Users("G1"), 1)

	time.Sleep(testTTL + 40*time.Millisecond)
	assert.Empty(t, tr.Users("G1"), "entry must expire after the TTL")
}

func TestRepeatSignalDoesNotResetTimer(t *testing.T) {
	tr := NewTrackerTTL("me", testTTL)
	defer tr.Close()

	tr.Note("G1", "u1", "Alice", true)
	// Keep signalling past the original deadline; removal still happens at
	// TTL after the first signal.
	time.Sleep(testTTL / 2)
	tr.Note("G1", "u1", "Alice", true)
	time.Sleep(testTTL/2 + 40*time.Millisecond)

	assert.Empty(t, tr.Users("G1"), "repeat signals must not extend the entry")
}

func TestExplicitStopRemovesImmediately(t *testing.T) {
	tr := NewTrackerTTL("me", testTTL)
	defer tr.Close()

	tr.Note("G1", "u1", "Alice", true)
	tr.Note("G1", "u1", "Alice", false)
	assert.Empty(t, tr.Users("G1"))

	// The cancelled timer must not clobber a fresh entry either.
	tr.Note("G1", "u1", "Alice", true)
	time.Sleep(testTTL / 2)
	assert.Len(t, tr.Users("G1"), 1)
}

func TestStopThenRetypeKeepsFreshEntry(t *testing.T) {
	tr := NewTrackerTTL("me", testTTL)
	defer tr.Close()

	tr.Note("G1", "u1", "Alice", true)
	time.Sleep(testTTL / 2)
	tr.Note("G1", "u1", "Alice", false)
	tr.Note("G1", "u1", "Alice", true)

	// Past the first entry's original deadline; the fresh entry is still
	// within its own TTL.
	time.Sleep(testTTL*3/4 - 10*time.Millisecond)
	assert.Len(t, tr.Users("G1"), 1, "stale timer removed the fresh entry")
}

func TestSelfSignalsIgnored(t *testing.T) {
	tr := NewTrackerTTL("me", testTTL)
	defer tr.Close()

	tr.Note("G1", "me", "Myself", true)
	assert.Empty(t, tr.Users("G1"))
}

func TestRoomsAreIndependent(t *testing.T) {
	tr := NewTrackerTTL("me", testTTL)
	defer tr.Close()

	tr.Note("G1", "u1", "Alice", true)
	tr.Note("G2", "u2", "Bob", true)

	require.Len(t, tr.Users("G1"), 1)
	require.Len(t, tr.Users("G2"), 1)

	tr.Clear("G1")
	assert.Empty(t, tr.Users("G1"))
	assert.Len(t, tr.Users("G2"), 1)
}

func TestCloseCancelsTimers(t *testing.T) {
	tr := NewTrackerTTL("me", testTTL)

	tr.Note("G1", "u1", "Alice", true)
	tr.Note("G1", "u2", "Bob", true)
	tr.Close()

	assert.Empty(t, tr.Users("G1"))
	// Nothing to assert after the TTL beyond "no panic from leaked timers".
	time.Sleep(testTTL + 20*time.Millisecond)
}
