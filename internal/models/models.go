package models

import "time"

// DocumentStatus is the processing state of a document. Transitions move
// forward only; Error is terminal until the document is re-submitted.
type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusError      DocumentStatus = "error"
)

// Document is a registered source document with already-extracted text.
type Document struct {
	ID        string
	Filename  string
	Status    DocumentStatus
	CharCount int
	ChunkIDs  []string
	Reason    string
	CreatedAt time.Time
}

// Chunk is a contiguous slice of a document's text used as a retrieval unit.
// Start and End are [start,end) character offsets into the document text.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int
	Text       string
	Start      int
	End        int
	CreatedAt  time.Time
}

// Query carries one question through the engine. Temperature is a pointer so
// an explicit 0 is distinguishable from "use the configured default".
type Query struct {
	ID             string
	Question       string
	DocumentScope  []string
	TopK           int
	ScoreThreshold float64
	MaxTokens      int
	Temperature    *float64
	Stream         bool
}

// Source is one piece of provenance attached to an answer.
type Source struct {
	ChunkID      string
	DocumentName string
	Score        float64
	Start        int
	End          int
	Preview      string
}

// Answer is the terminal record of a query, successful or not.
type Answer struct {
	QueryID       string
	Question      string
	Text          string
	Sources       []Source
	GeneratorUsed string
	ResponseTime  time.Duration
	Success       bool
	NoContext     bool
	Error         string
	CreatedAt     time.Time
}

// QueryState tracks a query through the engine's state machine.
type QueryState string

const (
	StatePlanning   QueryState = "planning"
	StateRetrieving QueryState = "retrieving"
	StateNoContext  QueryState = "no_context_short_circuit"
	StateGenerating QueryState = "generating"
	StateCompleted  QueryState = "completed"
	StateFailed     QueryState = "failed"
)

// StreamEvent is one unit of a streamed answer. Exactly one terminal event
// (Done or Err set) is delivered per stream, after which the channel closes.
type StreamEvent struct {
	Delta  string
	Err    error
	Done   bool
	Answer *Answer
}

// Turn is one question/answer pair in a conversation.
type Turn struct {
	Question string
	Answer   string
}
