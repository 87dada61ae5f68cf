// Package ingest turns text documents into indexed knowledge chunks.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// Chunker splits text into overlapping windows measured in characters,
// preferring to cut at whitespace.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 4
	}
	return Chunker{Size: size, Overlap: overlap}
}

func (c Chunker) Split(text string) []string {
	content := []rune(strings.TrimSpace(text))
	if len(content) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(content) {
		end := min(start+c.Size, len(content))
		if end < len(content) {
			for i := end; i > start+c.Size/2; i-- {
				if unicode.IsSpace(content[i]) {
					end = i
					break
				}
			}
		}
		if chunk := strings.TrimSpace(string(content[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(content) {
			break
		}
		// Always advance, even when the overlap would reach back past start.
		start = max(end-c.Overlap, start+1)
	}
	return chunks
}

// chunkID is stable per source and position so re-ingesting a file replaces
// its chunks instead of duplicating them.
func chunkID(source string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", source, index)))
	return hex.EncodeToString(sum[:12])
}
