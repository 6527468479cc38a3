package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func mustGet(t *testing.T, l *Ledger, id types.JobID) *types.Job {
	t.Helper()
	j, err := l.Get(id)
	require.NoError(t, err)
	return j
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestAppend_AssignsSequentialIDs(t *testing.T) {
	l := New()
	now := time.Now()

	for i := 0; i < 5; i++ {
		id := l.Append("log.zevtc", now)
		if id != types.JobID(i) {
			t.Errorf("append %d: got id %d", i, id)
		}
	}
	assert.Equal(t, 5, l.Len())
	assert.Len(t, l.Find("log.zevtc"), 5, "duplicates are tolerated")
}

func TestAppend_StartsPending(t *testing.T) {
	l := New()
	id := l.Append("a.evtc", time.Now())
	j := mustGet(t, l, id)

	for _, st := range types.Stages {
		assert.Equal(t, types.StatePending, j.StageState(st), "stage %s", st)
	}
	assert.Equal(t, "a.evtc", j.Location)
	assert.Zero(t, j.ReportRetries)
}

func TestGet_NotFound(t *testing.T) {
	l := New()
	l.Append("a.evtc", time.Now())

	for _, id := range []types.JobID{-1, 1, 100} {
		_, err := l.Get(id)
		if !errors.Is(err, ErrJobNotFound) {
			t.Errorf("id %d: expected ErrJobNotFound, got %v", id, err)
		}
	}
}

func TestEach_PreservesOrderAndMutation(t *testing.T) {
	l := New()
	now := time.Now()
	l.Append("a", now)
	l.Append("b", now)
	l.Append("c", now)

	var seen []string
	l.Each(func(j *types.Job) {
		seen = append(seen, j.Location)
		_ = j.Parse.Activate()
	})
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, types.StateActive, mustGet(t, l, 2).Parse.State())
}

func TestStatsAndPending(t *testing.T) {
	l := New()
	now := time.Now()
	a := mustGet(t, l, l.Append("a", now))
	l.Append("b", now)

	require.NoError(t, a.Parse.Activate())
	require.NoError(t, a.Parse.Fail(errors.New("bad")))

	stats := l.Stats()
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 1, stats["parse_error"])
	assert.Equal(t, 1, stats["parse_pending"])
	assert.Equal(t, 2, stats["report_pending"])
	assert.Equal(t, 1, l.Pending())
}
