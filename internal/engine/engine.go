// Package engine is the facade over ingestion, retrieval, generation,
// streaming, and analytics. It owns the query state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"documind/internal/analytics"
	"documind/internal/config"
	"documind/internal/embedding"
	"documind/internal/generate"
	"documind/internal/helper"
	"documind/internal/ingest"
	"documind/internal/models"
	"documind/internal/retrieval"
	"documind/internal/stream"
	"documind/internal/vecstore"
)

// Registry is the document registry the engine needs: the ingest surface
// plus enumeration for index rebuilds.
type Registry interface {
	ingest.Registry
	ListDocuments(ctx context.Context) ([]models.Document, error)
}

// Persister stores query history durably. It may be nil, in which case
// history lives only in the in-memory ring.
type Persister interface {
	SaveAnswer(ctx context.Context, ans *models.Answer) error
	RecentAnswers(ctx context.Context, limit int) ([]models.Answer, error)
}

type Engine struct {
	cfg          *config.Config
	gateway      embedding.Gateway
	index        *vecstore.Index
	registry     Registry
	coordinator  *ingest.Coordinator
	planner      *retrieval.Planner
	orchestrator *generate.Orchestrator
	sessions     *stream.Registry
	metrics      *analytics.Aggregator
	history      *models.AnswerHistory
	persister    Persister

	progress chan ingest.Progress

	convoMu sync.Mutex
	convos  map[string]*models.ConversationContext

	saveMu  sync.Mutex
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func New(cfg *config.Config, gateway embedding.Gateway, registry Registry, providers []generate.Generator, persister Persister) *Engine {
	index := vecstore.New(cfg.Index.Dimension)
	return &Engine{
		cfg:          cfg,
		gateway:      gateway,
		index:        index,
		registry:     registry,
		coordinator:  ingest.NewCoordinator(gateway, index, registry, cfg.Ingest),
		planner:      retrieval.NewPlanner(gateway, index, cfg.Retrieval),
		orchestrator: generate.NewOrchestrator(providers, cfg.Generation),
		sessions:     stream.NewRegistry(cfg.Stream),
		metrics:      analytics.NewAggregator(0),
		history:      models.NewAnswerHistory(cfg.Index.HistoryCap),
		persister:    persister,
		progress:     make(chan ingest.Progress, 64),
		convos:       make(map[string]*models.ConversationContext),
		stop:         make(chan struct{}),
	}
}

// Start loads the persisted index, reconciles it against the registry, and
// launches the background loops. A snapshot that fails verification is
// dropped and every ready document is rebuilt from its stored chunks.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.index.Load(e.cfg.Index.Path); err != nil {
		if !errors.Is(err, models.ErrIndexCorruption) {
			return err
		}
		log.Warn().Err(err).Msg("index snapshot failed verification, rebuilding from registry")
		e.index.Clear()
	}
	if err := e.reconcile(ctx); err != nil {
		return fmt.Errorf("index reconcile: %w", err)
	}
	log.Info().Int("vectors", e.index.Len()).Int("documents", e.index.Documents()).Msg("index ready")

	e.metrics.Start()
	e.sessions.Start()

	// persist the index after each ingestion status change and relay the
	// event to observers
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case p := <-e.coordinator.Events():
				if p.Status == models.StatusReady || p.Status == models.StatusError {
					e.saveIndex()
				}
				select {
				case e.progress <- p:
				default:
				}
			case <-e.stop:
				return
			}
		}
	}()
	return nil
}

// Stop flushes the index and shuts the background loops down.
func (e *Engine) Stop() {
	e.stopped.Do(func() { close(e.stop) })
	e.wg.Wait()
	e.sessions.Stop()
	e.metrics.Stop()
	e.saveIndex()
}

// reconcile makes the loaded index consistent with the registry: vectors for
// unknown or non-ready documents are dropped, ready documents missing from
// the index are rebuilt from their stored chunks. A checksum-valid snapshot
// can still be stale, e.g. after a crash between a registry write and the
// next index save.
func (e *Engine) reconcile(ctx context.Context) error {
	docs, err := e.registry.ListDocuments(ctx)
	if err != nil {
		return err
	}
	ready := make(map[string]*models.Document, len(docs))
	for i := range docs {
		if docs[i].Status == models.StatusReady {
			ready[docs[i].ID] = &docs[i]
		}
	}

	changed := false
	for _, id := range e.index.DocumentIDs() {
		if _, ok := ready[id]; !ok {
			e.index.RemoveDocument(id)
			log.Warn().Str("document", id).Msg("dropped stale vectors for unknown or non-ready document")
			changed = true
		}
	}
	for id, doc := range ready {
		if e.index.HasDocument(id) {
			continue
		}
		if err := e.rebuildDocument(ctx, doc); err != nil {
			return err
		}
		changed = true
	}
	if changed {
		e.saveIndex()
	}
	return nil
}

// rebuildDocument re-embeds one document's stored chunks.
func (e *Engine) rebuildDocument(ctx context.Context, doc *models.Document) error {
	chunks, err := e.registry.ListChunks(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	entries := make([]vecstore.Entry, 0, len(chunks))
	for i := 0; i < len(chunks); i += e.cfg.Ingest.BatchSize {
		end := i + e.cfg.Ingest.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-i)
		for _, ch := range chunks[i:end] {
			texts = append(texts, ch.Text)
		}
		vectors, err := e.gateway.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("%w: rebuilding %s: %v", models.ErrEmbeddingUnavailable, doc.ID, err)
		}
		for j, ch := range chunks[i:end] {
			entries = append(entries, vecstore.Entry{
				ChunkID:      ch.ID,
				DocumentID:   ch.DocumentID,
				DocumentName: doc.Filename,
				Ordinal:      ch.Ordinal,
				Text:         ch.Text,
				Start:        ch.Start,
				End:          ch.End,
				Vector:       vectors[j],
			})
		}
	}
	if err := e.index.AddDocument(doc.ID, entries); err != nil {
		return err
	}
	log.Info().Str("document", doc.ID).Int("chunks", len(entries)).Msg("document rebuilt")
	return nil
}

func (e *Engine) saveIndex() {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if err := e.index.Save(e.cfg.Index.Path); err != nil {
		log.Error().Err(err).Msg("failed to persist index snapshot")
	}
}

// SubmitDocument registers text for asynchronous ingestion and returns the
// document id. Pass an existing id to resubmit a document.
func (e *Engine) SubmitDocument(ctx context.Context, id, filename, text string) (string, error) {
	if id == "" {
		id = helper.GenerateUUID()
	}
	if err := e.coordinator.Submit(ctx, id, filename, text); err != nil {
		return "", err
	}
	return id, nil
}

// ProcessDocument is the synchronous variant of SubmitDocument.
func (e *Engine) ProcessDocument(ctx context.Context, id, filename, text string) (string, error) {
	if id == "" {
		id = helper.GenerateUUID()
	}
	if err := e.coordinator.Process(ctx, id, filename, text); err != nil {
		return id, err
	}
	e.saveIndex()
	return id, nil
}

// DeleteDocument removes a document from the index and the registry.
func (e *Engine) DeleteDocument(ctx context.Context, id string) error {
	if err := e.coordinator.Delete(ctx, id); err != nil {
		return err
	}
	e.saveIndex()
	return nil
}

func (e *Engine) Document(ctx context.Context, id string) (*models.Document, error) {
	return e.registry.GetDocument(ctx, id)
}

func (e *Engine) Documents(ctx context.Context) ([]models.Document, error) {
	return e.registry.ListDocuments(ctx)
}

// Progress exposes ingestion status events. Events are dropped when nobody
// is reading.
func (e *Engine) Progress() <-chan ingest.Progress { return e.progress }

// NewConversation opens a bounded conversation context and returns its id.
func (e *Engine) NewConversation() string {
	id := helper.GenerateUUID()
	e.convoMu.Lock()
	e.convos[id] = models.NewConversationContext(e.cfg.Generation.HistoryTurns)
	e.convoMu.Unlock()
	return id
}

func (e *Engine) EndConversation(id string) {
	e.convoMu.Lock()
	delete(e.convos, id)
	e.convoMu.Unlock()
}

func (e *Engine) conversation(id string) *models.ConversationContext {
	if id == "" {
		return nil
	}
	e.convoMu.Lock()
	defer e.convoMu.Unlock()
	c, ok := e.convos[id]
	if !ok {
		c = models.NewConversationContext(e.cfg.Generation.HistoryTurns)
		e.convos[id] = c
	}
	return c
}

// Ask runs one query to completion. Failures past validation are reported
// inside the Answer rather than as an error.
func (e *Engine) Ask(ctx context.Context, q *models.Query, conversationID string) (*models.Answer, error) {
	if q.ID == "" {
		q.ID = helper.GenerateUUID()
	}
	convo := e.conversation(conversationID)
	started := time.Now()

	e.logState(q.ID, models.StatePlanning)
	e.logState(q.ID, models.StateRetrieving)
	plan, err := e.planner.Plan(ctx, q, convo)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return nil, err
		}
		ans := e.failedAnswer(q, started, err)
		e.logState(q.ID, models.StateFailed)
		e.record(ans, conversationID)
		return ans, nil
	}

	if plan.NoContext {
		e.logState(q.ID, models.StateNoContext)
	} else {
		e.logState(q.ID, models.StateGenerating)
	}
	ans := e.orchestrator.Answer(ctx, q, plan, convo)
	if ans.Success || ans.NoContext {
		e.logState(q.ID, models.StateCompleted)
	} else {
		e.logState(q.ID, models.StateFailed)
	}
	e.record(ans, conversationID)
	return ans, nil
}

// AskStream runs one query as a live session. The returned session yields
// delta events followed by a single terminal event; disconnecting the
// session cancels generation.
func (e *Engine) AskStream(ctx context.Context, q *models.Query, conversationID string) (*stream.Session, error) {
	if q.ID == "" {
		q.ID = helper.GenerateUUID()
	}
	convo := e.conversation(conversationID)
	sess := e.sessions.Open(ctx)
	started := time.Now()

	go func() {
		e.logState(q.ID, models.StatePlanning)
		e.logState(q.ID, models.StateRetrieving)
		plan, err := e.planner.Plan(sess.Context(), q, convo)
		if err != nil {
			ans := e.failedAnswer(q, started, err)
			e.logState(q.ID, models.StateFailed)
			e.record(ans, conversationID)
			src := make(chan models.StreamEvent, 1)
			src <- models.StreamEvent{Err: err, Answer: ans}
			close(src)
			sess.Pump(src)
			return
		}
		if plan.NoContext {
			e.logState(q.ID, models.StateNoContext)
		} else {
			e.logState(q.ID, models.StateGenerating)
		}

		events := e.orchestrator.Stream(sess.Context(), q, plan, convo)
		tapped := make(chan models.StreamEvent)
		go func() {
			defer close(tapped)
			for ev := range events {
				if ev.Answer != nil {
					if ev.Answer.Success || ev.Answer.NoContext {
						e.logState(q.ID, models.StateCompleted)
					} else {
						e.logState(q.ID, models.StateFailed)
					}
					e.record(ev.Answer, conversationID)
				}
				select {
				case tapped <- ev:
				case <-sess.Context().Done():
					// keep draining so the producer can finish
				}
			}
		}()
		sess.Pump(tapped)
	}()
	return sess, nil
}

// Session looks a live session up by id; Disconnect force-closes one.
func (e *Engine) Session(id string) (*stream.Session, bool) { return e.sessions.Get(id) }
func (e *Engine) Disconnect(id string)                      { e.sessions.Disconnect(id) }

func (e *Engine) Stats() analytics.Stats { return e.metrics.Stats() }

func (e *Engine) PopularQuestions(limit int) []analytics.PopularQuestion {
	return e.metrics.PopularQuestions(limit)
}

// History returns the most recent answers from the in-memory ring.
func (e *Engine) History(n int) []*models.Answer { return e.history.Recent(n) }

// PersistedHistory reads query history rows from the database.
func (e *Engine) PersistedHistory(ctx context.Context, limit int) ([]models.Answer, error) {
	if e.persister == nil {
		return nil, nil
	}
	return e.persister.RecentAnswers(ctx, limit)
}

func (e *Engine) record(ans *models.Answer, conversationID string) {
	e.metrics.Record(ans)
	e.history.Append(ans)
	if ans.Success {
		if convo := e.conversation(conversationID); convo != nil {
			convo.Add(ans.Question, ans.Text)
		}
	}
	if e.persister != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.persister.SaveAnswer(ctx, ans); err != nil {
				log.Error().Err(err).Str("query", ans.QueryID).Msg("failed to persist answer")
			}
		}()
	}
}

func (e *Engine) failedAnswer(q *models.Query, started time.Time, err error) *models.Answer {
	return &models.Answer{
		QueryID:      q.ID,
		Question:     q.Question,
		Text:         models.ExhaustedAnswer,
		ResponseTime: time.Since(started),
		Error:        err.Error(),
		CreatedAt:    time.Now(),
	}
}

func (e *Engine) logState(queryID string, state models.QueryState) {
	log.Debug().Str("query", queryID).Str("state", string(state)).Msg("query state")
}
