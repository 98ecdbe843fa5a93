// Package dedup suppresses near-simultaneous duplicate session creation.
package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/coder/quartz"
)

// DefaultWindow is how far back a matching owner+topic session is considered a duplicate.
const DefaultWindow = 30 * time.Second

// RecentFinder looks up the newest session for owner+topic created after since.
type RecentFinder interface {
	FindRecentSession(ctx context.Context, ownerID, topic string, since time.Time) (string, bool, error)
}

// Guard is advisory: two first requests racing on a new topic can both miss.
type Guard struct {
	finder RecentFinder
	window time.Duration
	clock  quartz.Clock
}

func NewGuard(finder RecentFinder, window time.Duration, clock quartz.Clock) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Guard{finder: finder, window: window, clock: clock}
}

// FindRecent returns the session to resume instead of creating a new one, if any.
func (g *Guard) FindRecent(ctx context.Context, ownerID, topic string) (string, bool, error) {
	topic = strings.TrimSpace(topic)
	if ownerID == "" || topic == "" {
		return "", false, nil
	}
	return g.finder.FindRecentSession(ctx, ownerID, topic, g.clock.Now().Add(-g.window))
}
