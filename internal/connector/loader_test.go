package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderHostAllowlist(t *testing.T) {
	l := NewLoader([]string{"files.example.com", ".cdn.example.org"}, 0, time.Second, nil, 0)

	assert.True(t, l.hostAllowed("files.example.com"))
	assert.True(t, l.hostAllowed("FILES.EXAMPLE.COM"))
	assert.True(t, l.hostAllowed("eu.cdn.example.org"))
	assert.True(t, l.hostAllowed("cdn.example.org"))
	assert.False(t, l.hostAllowed("evil.com"))
	assert.False(t, l.hostAllowed("files.example.com.evil.com"))
}

func TestLoaderDeniesUnlistedURL(t *testing.T) {
	l := NewLoader(nil, 0, time.Second, nil, 0)
	_, err := l.Load(context.Background(), "https://anywhere.example/x")
	assert.ErrorIs(t, err, ErrPayloadDenied)
}

func TestLoaderReadsFileUnderBasedir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume.txt")
	require.NoError(t, os.WriteFile(path, []byte("ten years of Go"), 0o600))

	l := NewLoader(nil, 0, time.Second, []string{dir}, 1<<20)
	text, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "ten years of Go", text)

	// Escapes of the base directory are refused.
	_, err = l.Load(context.Background(), filepath.Join(dir, "..", "other.txt"))
	assert.ErrorIs(t, err, ErrPayloadDenied)

	// So are oversized files.
	small := NewLoader(nil, 0, time.Second, []string{dir}, 4)
	_, err = small.Load(context.Background(), path)
	assert.ErrorIs(t, err, ErrPayloadDenied)
}
