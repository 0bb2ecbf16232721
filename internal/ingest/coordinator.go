package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"documind/internal/config"
	"documind/internal/embedding"
	"documind/internal/models"
	"documind/internal/vecstore"
)

// Registry persists the document/chunk lifecycle. The coordinator is the only
// writer of documents, chunks, and their vectors.
type Registry interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	UpsertDocument(ctx context.Context, doc *models.Document) error
	SetStatus(ctx context.Context, id string, status models.DocumentStatus, reason string) error
	ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	DeleteDocument(ctx context.Context, id string) error
	ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
}

// Progress is one status update emitted while a document is processed.
type Progress struct {
	DocumentID  string
	Status      models.DocumentStatus
	ChunksDone  int
	ChunksTotal int
	Reason      string
}

// Coordinator drives document ingestion: normalize, chunk, embed in pages,
// publish to the vector index, record the registry rows.
type Coordinator struct {
	gateway  embedding.Gateway
	index    *vecstore.Index
	registry Registry
	chunker  Chunker
	cfg      config.IngestConfig

	mu       sync.Mutex
	inflight map[string]struct{}

	workers chan struct{}
	events  chan Progress
}

func NewCoordinator(gateway embedding.Gateway, index *vecstore.Index, registry Registry, cfg config.IngestConfig) *Coordinator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Coordinator{
		gateway:  gateway,
		index:    index,
		registry: registry,
		chunker:  Chunker{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap},
		cfg:      cfg,
		inflight: make(map[string]struct{}),
		workers:  make(chan struct{}, workers),
		events:   make(chan Progress, 64),
	}
}

// Events exposes progress updates. Slow consumers lose events rather than
// stalling ingestion.
func (c *Coordinator) Events() <-chan Progress { return c.events }

// Submit registers the document as uploaded and starts an asynchronous
// processing job for it. It returns immediately with ErrValidation if the
// document is already processing; a re-submission of a ready document is an
// idempotent no-op.
func (c *Coordinator) Submit(ctx context.Context, id, filename, text string) error {
	if err := c.begin(ctx, id); err != nil {
		if err == errAlreadyReady {
			return nil
		}
		return err
	}
	doc := &models.Document{
		ID:        id,
		Filename:  filename,
		Status:    models.StatusUploaded,
		CharCount: len([]rune(NormalizeText(text))),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.registry.UpsertDocument(ctx, doc); err != nil {
		c.end(id)
		return fmt.Errorf("failed to register document: %v", err)
	}
	c.emit(Progress{DocumentID: id, Status: models.StatusUploaded})
	go func() {
		c.workers <- struct{}{}
		defer func() { <-c.workers }()
		defer c.end(id)
		if err := c.process(ctx, id, filename, text); err != nil {
			log.Error().Err(err).Str("document", id).Msg("document processing failed")
		}
	}()
	return nil
}

// Process runs the ingestion pipeline synchronously. Used by Submit's worker
// and directly by callers that want to wait.
func (c *Coordinator) Process(ctx context.Context, id, filename, text string) error {
	if err := c.begin(ctx, id); err != nil {
		// already ready: begin reported an idempotent no-op
		if err == errAlreadyReady {
			return nil
		}
		return err
	}
	defer c.end(id)
	return c.process(ctx, id, filename, text)
}

var errAlreadyReady = errors.New("document already ready")

func (c *Coordinator) begin(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty document id", models.ErrValidation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return fmt.Errorf("%w: document %s is already processing", models.ErrValidation, id)
	}
	if doc, err := c.registry.GetDocument(ctx, id); err == nil && doc.Status == models.StatusReady {
		return errAlreadyReady
	}
	c.inflight[id] = struct{}{}
	return nil
}

func (c *Coordinator) end(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *Coordinator) process(ctx context.Context, id, filename, text string) error {
	canonical := NormalizeText(text)
	doc := &models.Document{
		ID:        id,
		Filename:  filename,
		Status:    models.StatusProcessing,
		CharCount: len([]rune(canonical)),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.registry.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to register document: %v", err)
	}
	c.emit(Progress{DocumentID: id, Status: models.StatusProcessing})

	chunks := c.chunker.Chunk(id, canonical)
	if len(chunks) == 0 {
		// an empty document is ready with zero chunks
		if err := c.registry.SetStatus(ctx, id, models.StatusReady, ""); err != nil {
			return err
		}
		c.emit(Progress{DocumentID: id, Status: models.StatusReady})
		return nil
	}
	log.Debug().Str("document", id).Int("chunks", len(chunks)).Msg("chunked document")

	entries, err := c.embedPages(ctx, id, filename, chunks)
	if err != nil {
		// drop anything the index may hold for this document
		c.index.RemoveDocument(id)
		c.fail(ctx, id, err.Error())
		return err
	}

	// publish vectors in one transaction, then record the registry rows
	if err := c.index.AddDocument(id, entries); err != nil {
		c.fail(ctx, id, err.Error())
		return err
	}
	if err := c.registry.ReplaceChunks(ctx, id, chunks); err != nil {
		c.index.RemoveDocument(id)
		err = fmt.Errorf("failed to store chunks: %v", err)
		c.fail(ctx, id, err.Error())
		return err
	}
	doc.Status = models.StatusReady
	doc.ChunkIDs = make([]string, len(chunks))
	for i, ch := range chunks {
		doc.ChunkIDs[i] = ch.ID
	}
	if err := c.registry.UpsertDocument(ctx, doc); err != nil {
		c.index.RemoveDocument(id)
		err = fmt.Errorf("failed to finalize document: %v", err)
		c.fail(ctx, id, err.Error())
		return err
	}

	c.emit(Progress{DocumentID: id, Status: models.StatusReady, ChunksDone: len(chunks), ChunksTotal: len(chunks)})
	log.Info().Str("document", id).Int("chunks", len(chunks)).Msg("document ready")
	return nil
}

// embedPages embeds the chunks page by page to cap peak request size, with
// bounded backoff retries per batch. Nothing is published until every page
// embedded, so a failure leaves no partial vectors behind.
func (c *Coordinator) embedPages(ctx context.Context, id, filename string, chunks []models.Chunk) ([]vecstore.Entry, error) {
	entries := make([]vecstore.Entry, 0, len(chunks))
	for page := 0; page < len(chunks); page += c.cfg.PageSize {
		end := page + c.cfg.PageSize
		if end > len(chunks) {
			end = len(chunks)
		}
		for batch := page; batch < end; batch += c.cfg.BatchSize {
			bend := batch + c.cfg.BatchSize
			if bend > end {
				bend = end
			}
			texts := make([]string, 0, bend-batch)
			for _, ch := range chunks[batch:bend] {
				texts = append(texts, ch.Text)
			}
			vectors, err := c.embedWithRetry(ctx, texts)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingUnavailable, err)
			}
			for i, ch := range chunks[batch:bend] {
				entries = append(entries, vecstore.Entry{
					ChunkID:      ch.ID,
					DocumentID:   ch.DocumentID,
					DocumentName: filename,
					Ordinal:      ch.Ordinal,
					Text:         ch.Text,
					Start:        ch.Start,
					End:          ch.End,
					Vector:       vectors[i],
				})
			}
		}
		c.emit(Progress{DocumentID: id, Status: models.StatusProcessing, ChunksDone: end, ChunksTotal: len(chunks)})
	}
	return entries, nil
}

func (c *Coordinator) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	backoff := c.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
			}
			log.Debug().Int("attempt", attempt).Msg("retrying embedding batch")
		}
		vectors, err := c.gateway.EmbedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// fail records the terminal error status and emits the matching event, so a
// document never sticks in "processing" after its pipeline gave up.
func (c *Coordinator) fail(ctx context.Context, id, reason string) {
	if err := c.registry.SetStatus(ctx, id, models.StatusError, reason); err != nil {
		log.Error().Err(err).Str("document", id).Msg("failed to record error status")
	}
	c.emit(Progress{DocumentID: id, Status: models.StatusError, Reason: reason})
}

func (c *Coordinator) emit(p Progress) {
	select {
	case c.events <- p:
	default:
	}
}

// Delete removes the document's vectors and registry rows. The index removal
// is transactional per document; a reader never sees a half-deleted document.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if _, err := c.registry.GetDocument(ctx, id); err != nil {
		return err
	}
	c.index.RemoveDocument(id)
	if err := c.registry.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("failed to delete document rows: %v", err)
	}
	log.Info().Str("document", id).Msg("document deleted")
	return nil
}
