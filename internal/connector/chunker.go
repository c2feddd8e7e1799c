package connector

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Chunking parameters: character-based with overlap, snapped to
// sentence boundaries so chunks read as coherent passages. The same
// input always produces the same chunks.
const (
	chunkSize    = 1000
	chunkOverlap = 200
)

// Chunk is one slice of a document plus its position and token count.
type Chunk struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Start  int    `json:"start"`
	Tokens int    `json:"tokens"`
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// countTokens returns the cl100k token count, falling back to a rough
// 4-chars-per-token estimate if the tokenizer cannot load.
func countTokens(text string) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	if codec == nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

// sentenceEnd reports whether text[i] ends a sentence: terminal
// punctuation followed by whitespace or end of input.
func sentenceEnd(text string, i int) bool {
	switch text[i] {
	case '.', '!', '?':
	default:
		return false
	}
	if i+1 >= len(text) {
		return true
	}
	next := text[i+1]
	return next == ' ' || next == '\n' || next == '\t' || next == '\r'
}

// splitChunks slices text into overlapping chunks. Each boundary is
// pulled back to the nearest sentence end inside the window when one
// exists past the midpoint, so sentences are not cut mid-way.
func splitChunks(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []Chunk{{Index: 0, Text: text, Start: 0, Tokens: countTokens(text)}}
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end >= len(text) {
			end = len(text)
		} else {
			// Scan back for a sentence end, but never behind the
			// window midpoint.
			floor := start + chunkSize/2
			for i := end - 1; i > floor; i-- {
				if sentenceEnd(text, i) {
					end = i + 1
					break
				}
			}
		}

		piece := strings.TrimSpace(text[start:end])
		if piece != "" {
			chunks = append(chunks, Chunk{
				Index:  len(chunks),
				Text:   piece,
				Start:  start,
				Tokens: countTokens(piece),
			})
		}
		if end >= len(text) {
			break
		}
		start = end - chunkOverlap
	}
	return chunks
}
