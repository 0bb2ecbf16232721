package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"documind/internal/models"
)

var (
	blankRunRe = regexp.MustCompile(`\n\s*\n`)
	spaceRunRe = regexp.MustCompile(` +`)
)

// NormalizeText collapses blank-line and space runs and trims the result.
// The normalized text is the document's canonical text: chunk offsets are
// computed against it.
func NormalizeText(text string) string {
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	text = spaceRunRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Chunker splits canonical text into fixed-size character windows with a
// configured overlap.
type Chunker struct {
	Size    int
	Overlap int
}

// Chunk tiles the text with windows of Size characters advancing by
// Size-Overlap, so consecutive chunks share exactly Overlap characters.
// Offsets are rune positions in [start,end) form; their union covers the
// whole text with no gaps. An empty text yields no chunks.
func (c Chunker) Chunk(documentID, text string) []models.Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	stride := c.Size - c.Overlap
	now := time.Now().UTC()

	var chunks []models.Chunk
	for start, i := 0, 0; start < len(runes); start, i = start+stride, i+1 {
		end := start + c.Size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, models.Chunk{
			ID:         ChunkID(documentID, i),
			DocumentID: documentID,
			Ordinal:    i,
			Text:       string(runes[start:end]),
			Start:      start,
			End:        end,
			CreatedAt:  now,
		})
	}
	return chunks
}

// ChunkID is deterministic from the document id and ordinal, so resubmitting
// a document reproduces the same ids.
func ChunkID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s_chunk_%d", documentID, ordinal)
}
