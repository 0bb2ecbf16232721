package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"documind/internal/config"
	"documind/internal/models"
	"documind/internal/vecstore"
)

// fakeGateway returns deterministic unit vectors; it can be set to fail or to
// block until released.
type fakeGateway struct {
	mu    sync.Mutex
	calls int
	fail  int           // fail the first N calls
	block chan struct{} // when set, EmbedBatch waits for it
	dim   int
}

func (g *fakeGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	g.mu.Lock()
	g.calls++
	failing := g.calls <= g.fail
	g.mu.Unlock()
	if g.block != nil {
		<-g.block
	}
	if failing {
		return nil, errors.New("backend down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, g.dim)
		v[len(text)%g.dim] = 1
		out[i] = v
	}
	return out, nil
}

func (g *fakeGateway) Dimension() int { return g.dim }

// memRegistry is an in-memory Registry.
type memRegistry struct {
	mu          sync.Mutex
	docs        map[string]*models.Document
	chunks      map[string][]models.Chunk
	failReplace bool
	failFinal   bool // fail the ready upsert only
}

func newMemRegistry() *memRegistry {
	return &memRegistry{docs: map[string]*models.Document{}, chunks: map[string][]models.Chunk{}}
}

func (r *memRegistry) GetDocument(_ context.Context, id string) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, id)
	}
	cp := *doc
	return &cp, nil
}

func (r *memRegistry) UpsertDocument(_ context.Context, doc *models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFinal && doc.Status == models.StatusReady {
		return errors.New("registry write failed")
	}
	cp := *doc
	r.docs[doc.ID] = &cp
	return nil
}

func (r *memRegistry) SetStatus(_ context.Context, id string, status models.DocumentStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return fmt.Errorf("%w: document %s", models.ErrNotFound, id)
	}
	doc.Status = status
	doc.Reason = reason
	return nil
}

func (r *memRegistry) ReplaceChunks(_ context.Context, documentID string, chunks []models.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failReplace {
		return errors.New("registry write failed")
	}
	r.chunks[documentID] = append([]models.Chunk(nil), chunks...)
	return nil
}

func (r *memRegistry) DeleteDocument(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	delete(r.chunks, id)
	return nil
}

func (r *memRegistry) ListChunks(_ context.Context, documentID string) ([]models.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Chunk(nil), r.chunks[documentID]...), nil
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		ChunkSize:    100,
		ChunkOverlap: 20,
		BatchSize:    4,
		PageSize:     8,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		Workers:      2,
	}
}

func TestProcessDocumentReady(t *testing.T) {
	gw := &fakeGateway{dim: 8}
	idx := vecstore.New(8)
	reg := newMemRegistry()
	c := NewCoordinator(gw, idx, reg, testIngestConfig())

	text := strings.Repeat("the quick brown fox ", 30) // ~600 chars
	if err := c.Process(context.Background(), "d1", "fox.txt", text); err != nil {
		t.Fatalf("process: %v", err)
	}

	doc, err := reg.GetDocument(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != models.StatusReady {
		t.Fatalf("status = %s, reason = %s", doc.Status, doc.Reason)
	}
	chunks, _ := reg.ListChunks(context.Background(), "d1")
	if len(chunks) == 0 {
		t.Fatal("no chunks recorded")
	}
	if idx.Len() != len(chunks) {
		t.Errorf("index has %d vectors, registry has %d chunks", idx.Len(), len(chunks))
	}
	if len(doc.ChunkIDs) != len(chunks) {
		t.Errorf("document chunk ids = %d", len(doc.ChunkIDs))
	}
}

func TestProcessEmptyDocumentReadyWithZeroChunks(t *testing.T) {
	gw := &fakeGateway{dim: 8}
	idx := vecstore.New(8)
	reg := newMemRegistry()
	c := NewCoordinator(gw, idx, reg, testIngestConfig())

	if err := c.Process(context.Background(), "empty", "empty.txt", "   \n  "); err != nil {
		t.Fatalf("process: %v", err)
	}
	doc, _ := reg.GetDocument(context.Background(), "empty")
	if doc.Status != models.StatusReady {
		t.Fatalf("status = %s", doc.Status)
	}
	if idx.Len() != 0 {
		t.Error("empty document must add no vectors")
	}
}

func TestProcessEmbeddingFailureRollsBack(t *testing.T) {
	gw := &fakeGateway{dim: 8, fail: 1000}
	idx := vecstore.New(8)
	reg := newMemRegistry()
	c := NewCoordinator(gw, idx, reg, testIngestConfig())

	err := c.Process(context.Background(), "bad", "bad.txt", strings.Repeat("a ", 200))
	if !errors.Is(err, models.ErrEmbeddingUnavailable) {
		t.Fatalf("expected embedding unavailable, got %v", err)
	}
	doc, _ := reg.GetDocument(context.Background(), "bad")
	if doc.Status != models.StatusError || doc.Reason == "" {
		t.Fatalf("status = %s, reason = %q", doc.Status, doc.Reason)
	}
	if idx.Len() != 0 {
		t.Error("failed document left vectors behind")
	}
}

func TestProcessChunkStoreFailureRecordsError(t *testing.T) {
	gw := &fakeGateway{dim: 8}
	idx := vecstore.New(8)
	reg := newMemRegistry()
	reg.failReplace = true
	c := NewCoordinator(gw, idx, reg, testIngestConfig())

	if err := c.Process(context.Background(), "d1", "a.txt", strings.Repeat("h ", 200)); err == nil {
		t.Fatal("expected chunk store failure to surface")
	}
	doc, _ := reg.GetDocument(context.Background(), "d1")
	if doc.Status != models.StatusError || doc.Reason == "" {
		t.Fatalf("status = %s, reason = %q", doc.Status, doc.Reason)
	}
	if idx.Len() != 0 {
		t.Error("failed document left vectors behind")
	}
}

func TestProcessFinalizeFailureRecordsError(t *testing.T) {
	gw := &fakeGateway{dim: 8}
	idx := vecstore.New(8)
	reg := newMemRegistry()
	reg.failFinal = true
	c := NewCoordinator(gw, idx, reg, testIngestConfig())

	if err := c.Process(context.Background(), "d1", "a.txt", strings.Repeat("i ", 200)); err == nil {
		t.Fatal("expected finalize failure to surface")
	}
	doc, _ := reg.GetDocument(context.Background(), "d1")
	if doc.Status != models.StatusError || doc.Reason == "" {
		t.Fatalf("status = %s, reason = %q", doc.Status, doc.Reason)
	}
	if idx.Len() != 0 {
		t.Error("failed document left vectors behind")
	}
}

func TestProcessFailureScopedToOneDocument(t *testing.T) {
	gw := &fakeGateway{dim: 8}
	idx := vecstore.New(8)
	reg := newMemRegistry()
	c := NewCoordinator(gw, idx, reg, testIngestConfig())

	if err := c.Process(context.Background(), "good", "good.txt", strings.Repeat("b ", 200)); err != nil {
		t.Fatal(err)
	}
	before := idx.Len()

	gw.mu.Lock()
	gw.fail = gw.calls + 1000
	gw.mu.Unlock()
	_ = c.Process(context.Background(), "bad", "bad.txt", strings.Repeat("c ", 200))

	if idx.Len() != before {
		t.Errorf("good document vectors changed: %d -> %d", before, idx.Len())
	}
	doc, _ := reg.GetDocument(context.Background(), "good")
	if doc.Status != models.StatusReady {
		t.Errorf("good document status = %s", doc.Status)
	}
}

func TestProcessRetriesTransientFailure(t *testing.T) {
	gw := &fakeGateway{dim: 8, fail: 1} // first call fails, retry succeeds
	idx := vecstore.New(8)
	reg := newMemRegistry()
	c := NewCoordinator(gw, idx, reg, testIngestConfig())

	if err := c.Process(context.Background(), "d1", "a.txt", strings.Repeat("d ", 100)); err != nil {
		t.Fatalf("process should recover from one transient failure: %v", err)
	}
	doc, _ := reg.GetDocument(context.Background(), "d1")
	if doc.Status != models.StatusReady {
		t.Fatalf("status = %s", doc.Status)
	}
}

func TestResubmitReadyDocumentIsIdempotent(t *testing.T) {
	gw := &fakeGateway{dim: 8}
	idx := vecstore.New(8)
	reg := newMemRegistry()
	c := NewCoordinator(gw, idx, reg, testIngestConfig())

	text := strings.Repeat("e ", 200)
	if err := c.Process(context.Background(), "d1", "a.txt", text); err != nil {
		t.Fatal(err)
	}
	before := idx.Len()
	calls := gw.calls

	if err := c.Process(context.Background(), "d1", "a.txt", text); err != nil {
		t.Fatalf("resubmission of ready document should be a no-op: %v", err)
	}
	if idx.Len() != before {
		t.Errorf("resubmission created duplicate vectors: %d -> %d", before, idx.Len())
	}
	if gw.calls != calls {
		t.Error("resubmission should not re-embed")
	}
}

func TestSubmitWhileProcessingRejected(t *testing.T) {
	gw := &fakeGateway{dim: 8}
	idx := vecstore.New(8)
	reg := newMemRegistry()
	c := NewCoordinator(gw, idx, reg, testIngestConfig())

	// hold the single-flight slot directly
	if err := c.begin(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	defer c.end("d1")

	err := c.Submit(context.Background(), "d1", "a.txt", "text")
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected rejection while processing, got %v", err)
	}
}

func TestSubmitRecordsUploadedUntilWorkerStarts(t *testing.T) {
	block := make(chan struct{})
	gw := &fakeGateway{dim: 8, block: block}
	idx := vecstore.New(8)
	reg := newMemRegistry()
	cfg := testIngestConfig()
	cfg.Workers = 1
	c := NewCoordinator(gw, idx, reg, cfg)

	if err := c.Submit(context.Background(), "d1", "a.txt", strings.Repeat("j ", 200)); err != nil {
		t.Fatal(err)
	}
	// d1 holds the only worker slot once it reaches the embedder
	waitStatus(t, reg, "d1", models.StatusProcessing)

	if err := c.Submit(context.Background(), "d2", "b.txt", strings.Repeat("k ", 200)); err != nil {
		t.Fatal(err)
	}
	doc, err := reg.GetDocument(context.Background(), "d2")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != models.StatusUploaded {
		t.Fatalf("queued document status = %s, want %s", doc.Status, models.StatusUploaded)
	}

	close(block)
	waitStatus(t, reg, "d1", models.StatusReady)
	waitStatus(t, reg, "d2", models.StatusReady)
}

func waitStatus(t *testing.T, reg *memRegistry, id string, want models.DocumentStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if doc, err := reg.GetDocument(context.Background(), id); err == nil && doc.Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("document %s never reached %s", id, want)
}

func TestDeleteUnknownDocument(t *testing.T) {
	gw := &fakeGateway{dim: 8}
	c := NewCoordinator(gw, vecstore.New(8), newMemRegistry(), testIngestConfig())
	if err := c.Delete(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
