package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNode(t *testing.T) {
	tenant := "acme"
	n := NewNode(&tenant, []string{"person"}, Document{"title": "Ada"})

	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "acme", *n.TenantID)
	assert.Equal(t, EmbedQueued, n.EmbedStatus)
	assert.Zero(t, n.Version)
	assert.False(t, n.CreatedAt.IsZero())

	other := NewNode(&tenant, nil, nil)
	assert.NotEqual(t, n.ID, other.ID)
}

func TestNodeTitleAndText(t *testing.T) {
	n := &Node{Props: Document{"title": "Ada Lovelace", "text": "Wrote the first program."}}
	assert.Equal(t, "Ada Lovelace", n.Title())
	assert.Equal(t, "Wrote the first program.", n.Text())
	assert.Equal(t, "Ada Lovelace\nWrote the first program.", n.EmbedInput())

	// Alternate property names used by ingested profiles.
	n = &Node{Props: Document{"job_title": "Engineer", "resume_text": "Ten years of Go."}}
	assert.Equal(t, "Engineer", n.Title())
	assert.Equal(t, "Ten years of Go.", n.Text())

	n = &Node{Props: Document{"title": "Only title"}}
	assert.Equal(t, "Only title", n.EmbedInput())

	n = &Node{Props: Document{"text": "Only body"}}
	assert.Equal(t, "Only body", n.EmbedInput())

	n = &Node{}
	assert.Empty(t, n.EmbedInput())
}

func TestNodeAgeDays(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	refreshed := now.Add(-48 * time.Hour)

	n := &Node{UpdatedAt: now.Add(-240 * time.Hour), LastRefreshed: &refreshed}
	assert.InDelta(t, 2.0, n.AgeDays(now), 1e-9)

	// Falls back to updated_at when never refreshed.
	n = &Node{UpdatedAt: now.Add(-24 * time.Hour)}
	assert.InDelta(t, 1.0, n.AgeDays(now), 1e-9)

	// Clock skew never yields a negative age.
	n = &Node{UpdatedAt: now.Add(time.Hour)}
	assert.Zero(t, n.AgeDays(now))
}

func TestNodeDriftAndDeleted(t *testing.T) {
	n := &Node{}
	assert.Zero(t, n.Drift())
	assert.False(t, n.IsDeleted())

	drift := 0.42
	deleted := time.Now()
	n = &Node{DriftScore: &drift, DeletedAt: &deleted}
	assert.Equal(t, 0.42, n.Drift())
	assert.True(t, n.IsDeleted())
}

func TestRefreshPolicyScanValue(t *testing.T) {
	interval := 300.0
	p := RefreshPolicy{Interval: &interval, Cron: "0 * * * *"}

	raw, err := p.Value()
	require.NoError(t, err)

	var back RefreshPolicy
	require.NoError(t, back.Scan(raw))
	require.NotNil(t, back.Interval)
	assert.Equal(t, 300.0, *back.Interval)
	assert.Equal(t, "0 * * * *", back.Cron)
	assert.False(t, back.IsZero())

	var empty RefreshPolicy
	require.NoError(t, empty.Scan(nil))
	assert.True(t, empty.IsZero())

	assert.Error(t, back.Scan(42))
}

func TestDocumentScanValue(t *testing.T) {
	d := Document{"title": "Ada", "tokens": float64(12)}
	raw, err := d.Value()
	require.NoError(t, err)

	var back Document
	require.NoError(t, back.Scan(raw))
	assert.Equal(t, "Ada", back.String("title"))
	assert.Equal(t, float64(12), back["tokens"])

	// Absent and non-string fields read as "".
	assert.Empty(t, back.String("missing"))
	assert.Empty(t, back.String("tokens"))

	var nilDoc Document
	require.NoError(t, nilDoc.Scan(nil))
	assert.Nil(t, nilDoc)
	v, err := nilDoc.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStringArray(t *testing.T) {
	a := StringArray{"person", "chunk"}
	assert.True(t, a.Contains("chunk"))
	assert.False(t, a.Contains("edge"))

	raw, err := a.Value()
	require.NoError(t, err)
	var back StringArray
	require.NoError(t, back.Scan(raw))
	assert.Equal(t, a, back)
}

func TestTriggerBindingsScanValue(t *testing.T) {
	b := TriggerBindings{{Name: "risk", Threshold: 0.9}}
	raw, err := b.Value()
	require.NoError(t, err)

	var back TriggerBindings
	require.NoError(t, back.Scan(raw))
	require.Len(t, back, 1)
	assert.Equal(t, "risk", back[0].Name)
	assert.Equal(t, 0.9, back[0].Threshold)
}
