package connector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitChunksShortText(t *testing.T) {
	chunks := splitChunks("A short resume.")
	require.Len(t, chunks, 1)
	assert.Equal(t, "A short resume.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Greater(t, chunks[0].Tokens, 0)
}

func TestSplitChunksEmpty(t *testing.T) {
	assert.Nil(t, splitChunks(""))
	assert.Nil(t, splitChunks("   \n\t  "))
}

func TestSplitChunksOverlapAndBoundaries(t *testing.T) {
	sentence := "The candidate led a platform migration across three regions. "
	text := strings.Repeat(sentence, 60) // ~3.5k chars

	chunks := splitChunks(text)
	require.Greater(t, len(chunks), 2)

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.LessOrEqual(t, len(chunk.Text), chunkSize)
		if i < len(chunks)-1 {
			assert.True(t, strings.HasSuffix(chunk.Text, "."),
				"chunk %d should end on a sentence boundary: %q", i, chunk.Text[len(chunk.Text)-20:])
		}
	}

	// Consecutive chunks overlap by construction.
	for i := 1; i < len(chunks); i++ {
		assert.Less(t, chunks[i].Start, chunks[i-1].Start+chunkSize)
		assert.Greater(t, chunks[i].Start, chunks[i-1].Start)
	}
}

func TestSplitChunksDeterministic(t *testing.T) {
	text := strings.Repeat("Shipped a search relevance overhaul! Cut latency in half. ", 50)
	first := splitChunks(text)
	second := splitChunks(text)
	assert.Equal(t, first, second)
}
