package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
)

type created struct {
	id, owner, topic string
	at               time.Time
}

type memFinder struct {
	rows []created
}

func (m *memFinder) FindRecentSession(_ context.Context, owner, topic string, since time.Time) (string, bool, error) {
	var best *created
	for i := range m.rows {
		r := &m.rows[i]
		if r.owner == owner && r.topic == topic && r.at.After(since) && (best == nil || r.at.After(best.at)) {
			best = r
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.id, true, nil
}

func TestDuplicateTopicWithinWindow(t *testing.T) {
	clock := quartz.NewMock(t)
	finder := &memFinder{}
	guard := NewGuard(finder, 30*time.Second, clock)
	ctx := context.Background()

	_, found, err := guard.FindRecent(ctx, "u1", "pineapple on pizza")
	require.NoError(t, err)
	require.False(t, found)
	finder.rows = append(finder.rows, created{id: "s-orig", owner: "u1", topic: "pineapple on pizza", at: clock.Now()})

	clock.Advance(10 * time.Second)
	id, found, err := guard.FindRecent(ctx, "u1", "pineapple on pizza")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "s-orig", id)

	// Idempotent inside the window.
	again, _, err := guard.FindRecent(ctx, "u1", "pineapple on pizza")
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestDuplicateWindowExpires(t *testing.T) {
	clock := quartz.NewMock(t)
	finder := &memFinder{rows: []created{{id: "old", owner: "u1", topic: "tea", at: clock.Now()}}}
	guard := NewGuard(finder, 30*time.Second, clock)

	clock.Advance(31 * time.Second)
	_, found, err := guard.FindRecent(context.Background(), "u1", "tea")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDuplicateScopedToOwner(t *testing.T) {
	clock := quartz.NewMock(t)
	finder := &memFinder{rows: []created{{id: "theirs", owner: "u2", topic: "tea", at: clock.Now()}}}
	guard := NewGuard(finder, 0, clock)

	_, found, err := guard.FindRecent(context.Background(), "u1", "tea")
	require.NoError(t, err)
	require.False(t, found)
}
