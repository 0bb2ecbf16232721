// Package db persists the document registry and query history in Postgres
// through bun.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"documind/internal/models"
)

type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`
	ID            string    `bun:"id,pk"`
	Filename      string    `bun:"filename,notnull"`
	Status        string    `bun:"status,notnull"`
	CharCount     int       `bun:"char_count,notnull,default:0"`
	ChunkIDs      []string  `bun:"chunk_ids,array"`
	Reason        string    `bun:"reason"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type Chunk struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`
	ID            string    `bun:"id,pk"`
	DocumentID    string    `bun:"document_id,notnull"`
	Ordinal       int       `bun:"ordinal,notnull"`
	Text          string    `bun:"text,notnull"`
	StartOffset   int       `bun:"start_offset,notnull,default:0"`
	EndOffset     int       `bun:"end_offset,notnull,default:0"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type QueryRecord struct {
	bun.BaseModel  `bun:"table:query_history,alias:q"`
	ID             int64     `bun:"id,pk,autoincrement"`
	QueryID        string    `bun:"query_id,notnull"`
	Question       string    `bun:"question,notnull"`
	Answer         string    `bun:"answer"`
	GeneratorUsed  string    `bun:"generator_used"`
	Success        bool      `bun:"success,notnull,default:false"`
	NoContext      bool      `bun:"no_context,notnull,default:false"`
	Error          string    `bun:"error"`
	ResponseTimeMs int64     `bun:"response_time_ms,notnull,default:0"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(dsn, password string) (*sql.DB, error) {
	return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn), pgdriver.WithPassword(password))), nil
}

func InitDB(ctx context.Context, db *bun.DB) error {
	for _, model := range []interface{}{(*Document)(nil), (*Chunk)(nil), (*QueryRecord)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %v", err)
		}
	}
	return nil
}

// Store implements the ingest registry and the query history on top of bun.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := new(Document)
	err := s.db.NewSelect().Model(row).Where("d.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return documentFromRow(row), nil
}

func (s *Store) UpsertDocument(ctx context.Context, doc *models.Document) error {
	row := documentToRow(doc)
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("filename = EXCLUDED.filename").
		Set("status = EXCLUDED.status").
		Set("char_count = EXCLUDED.char_count").
		Set("chunk_ids = EXCLUDED.chunk_ids").
		Set("reason = EXCLUDED.reason").
		Exec(ctx)
	return err
}

func (s *Store) SetStatus(ctx context.Context, id string, status models.DocumentStatus, reason string) error {
	res, err := s.db.NewUpdate().
		Model((*Document)(nil)).
		Set("status = ?", string(status)).
		Set("reason = ?", reason).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: document %s", models.ErrNotFound, id)
	}
	return nil
}

// ReplaceChunks swaps a document's chunk rows in one transaction.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Chunk)(nil)).Where("document_id = ?", documentID).Exec(ctx); err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		rows := make([]Chunk, len(chunks))
		for i, ch := range chunks {
			rows[i] = Chunk{
				ID:          ch.ID,
				DocumentID:  ch.DocumentID,
				Ordinal:     ch.Ordinal,
				Text:        ch.Text,
				StartOffset: ch.Start,
				EndOffset:   ch.End,
			}
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Chunk)(nil)).Where("document_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*Document)(nil)).Where("id = ?", id).Exec(ctx)
		return err
	})
}

func (s *Store) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	var rows []Chunk
	err := s.db.NewSelect().
		Model(&rows).
		Where("document_id = ?", documentID).
		Order("ordinal ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	chunks := make([]models.Chunk, len(rows))
	for i, r := range rows {
		chunks[i] = models.Chunk{
			ID:         r.ID,
			DocumentID: r.DocumentID,
			Ordinal:    r.Ordinal,
			Text:       r.Text,
			Start:      r.StartOffset,
			End:        r.EndOffset,
			CreatedAt:  r.CreatedAt,
		}
	}
	return chunks, nil
}

// ListDocuments returns every registered document, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]models.Document, error) {
	var rows []Document
	if err := s.db.NewSelect().Model(&rows).Order("created_at DESC").Scan(ctx); err != nil {
		return nil, err
	}
	docs := make([]models.Document, len(rows))
	for i := range rows {
		docs[i] = *documentFromRow(&rows[i])
	}
	return docs, nil
}

// SaveAnswer appends one query outcome to the history table.
func (s *Store) SaveAnswer(ctx context.Context, ans *models.Answer) error {
	row := &QueryRecord{
		QueryID:        ans.QueryID,
		Question:       ans.Question,
		Answer:         ans.Text,
		GeneratorUsed:  ans.GeneratorUsed,
		Success:        ans.Success,
		NoContext:      ans.NoContext,
		Error:          ans.Error,
		ResponseTimeMs: ans.ResponseTime.Milliseconds(),
		CreatedAt:      ans.CreatedAt,
	}
	_, err := s.db.NewInsert().Model(row).Exec(ctx)
	return err
}

// RecentAnswers returns the newest history rows, most recent first.
func (s *Store) RecentAnswers(ctx context.Context, limit int) ([]models.Answer, error) {
	var rows []QueryRecord
	err := s.db.NewSelect().
		Model(&rows).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	answers := make([]models.Answer, len(rows))
	for i, r := range rows {
		answers[i] = models.Answer{
			QueryID:       r.QueryID,
			Question:      r.Question,
			Text:          r.Answer,
			GeneratorUsed: r.GeneratorUsed,
			Success:       r.Success,
			NoContext:     r.NoContext,
			Error:         r.Error,
			ResponseTime:  time.Duration(r.ResponseTimeMs) * time.Millisecond,
			CreatedAt:     r.CreatedAt,
		}
	}
	return answers, nil
}

func documentToRow(doc *models.Document) *Document {
	return &Document{
		ID:        doc.ID,
		Filename:  doc.Filename,
		Status:    string(doc.Status),
		CharCount: doc.CharCount,
		ChunkIDs:  doc.ChunkIDs,
		Reason:    doc.Reason,
		CreatedAt: doc.CreatedAt,
	}
}

func documentFromRow(row *Document) *models.Document {
	return &models.Document{
		ID:        row.ID,
		Filename:  row.Filename,
		Status:    models.DocumentStatus(row.Status),
		CharCount: row.CharCount,
		ChunkIDs:  row.ChunkIDs,
		Reason:    row.Reason,
		CreatedAt: row.CreatedAt,
	}
}
