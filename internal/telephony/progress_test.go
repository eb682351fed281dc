package telephony

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker_AcceptsNewStatus(t *testing.T) {
	tr := NewProgressTracker()
	ts := time.Now()

	assert.True(t, tr.Accept("CA123", StatusRinging, ts))
}

func TestProgressTracker_DropsExactDuplicate(t *testing.T) {
	tr := NewProgressTracker()
	ts := time.Now()

	assert.True(t, tr.Accept("CA123", StatusRinging, ts))
	assert.False(t, tr.Accept("CA123", StatusRinging, ts), "exact (callSid, status, timestamp) repeat must no-op")
}

func TestProgressTracker_TerminalWinsOverLateNonTerminal(t *testing.T) {
	tr := NewProgressTracker()
	now := time.Now()

	assert.True(t, tr.Accept("CA123", StatusCompleted, now))
	// A stale "ringing" arrives after the terminal status was already recorded.
	assert.False(t, tr.Accept("CA123", StatusRinging, now.Add(-time.Second)))
}

func TestProgressTracker_IndependentPerCallSid(t *testing.T) {
	tr := NewProgressTracker()
	ts := time.Now()

	assert.True(t, tr.Accept("CA1", StatusRinging, ts))
	assert.True(t, tr.Accept("CA2", StatusRinging, ts))
}

func TestProgressTracker_Forget(t *testing.T) {
	tr := NewProgressTracker()
	ts := time.Now()

	tr.Accept("CA123", StatusCompleted, ts)
	tr.Forget("CA123")

	// With state forgotten, the same tuple is treated as fresh again.
	assert.True(t, tr.Accept("CA123", StatusCompleted, ts))
}

func TestIsTerminalStatus(t *testing.T) {
	terminal := []string{StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled}
	for _, s := range terminal {
		assert.True(t, isTerminalStatus(s), s)
	}

	nonTerminal := []string{StatusQueued, StatusRinging, StatusInProgress}
	for _, s := range nonTerminal {
		assert.False(t, isTerminalStatus(s), s)
	}
}
