package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/activegraph/activegraph/pkg/models"
)

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return New(nil, nil, nil, nil, Config{}, zerolog.Nop())
}

func floatPtr(f float64) *float64 { return &f }

func TestIsDueInterval(t *testing.T) {
	s := testScheduler(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	node := &models.Node{
		ID:            "n1",
		CreatedAt:     now.Add(-time.Hour),
		RefreshPolicy: &models.RefreshPolicy{Interval: floatPtr(1800)},
	}

	assert.True(t, s.isDue(node, now), "never refreshed, created beyond interval")

	recent := now.Add(-10 * time.Minute)
	node.LastRefreshed = &recent
	assert.False(t, s.isDue(node, now), "refreshed within interval")

	stale := now.Add(-31 * time.Minute)
	node.LastRefreshed = &stale
	assert.True(t, s.isDue(node, now), "refreshed beyond interval")
}

func TestIsDueCronBeatsInterval(t *testing.T) {
	s := testScheduler(t)
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	// Hourly cron with a tiny interval: the cron schedule decides.
	last := now.Add(-2 * time.Minute) // 11:58:30, next cron fire 12:00
	node := &models.Node{
		ID:            "n1",
		CreatedAt:     now.Add(-24 * time.Hour),
		LastRefreshed: &last,
		RefreshPolicy: &models.RefreshPolicy{
			Cron:     "0 * * * *",
			Interval: floatPtr(1),
		},
	}
	assert.True(t, s.isDue(node, now), "cron boundary crossed since last refresh")

	justAfter := now.Add(-20 * time.Second) // 12:00:10, next fire 13:00
	node.LastRefreshed = &justAfter
	assert.False(t, s.isDue(node, now), "cron fired already this hour, interval ignored")
}

func TestIsDueInvalidCronFallsBackToInterval(t *testing.T) {
	s := testScheduler(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	last := now.Add(-time.Hour)
	node := &models.Node{
		ID:            "n1",
		CreatedAt:     now.Add(-24 * time.Hour),
		LastRefreshed: &last,
		RefreshPolicy: &models.RefreshPolicy{
			Cron:     "not a cron",
			Interval: floatPtr(1800),
		},
	}
	assert.True(t, s.isDue(node, now))

	// Invalid cron and no interval schedules nothing.
	node.RefreshPolicy.Interval = nil
	assert.False(t, s.isDue(node, now))
}

func TestIsDueNoPolicy(t *testing.T) {
	s := testScheduler(t)
	now := time.Now().UTC()

	assert.False(t, s.isDue(&models.Node{ID: "n1"}, now))
	assert.False(t, s.isDue(&models.Node{ID: "n2", RefreshPolicy: &models.RefreshPolicy{}}, now))
}
