// Package retrieval turns a question into a ranked, thresholded set of
// source chunks.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"documind/internal/config"
	"documind/internal/embedding"
	"documind/internal/models"
	"documind/internal/vecstore"
)

// Searcher is the read side of the vector index.
type Searcher interface {
	Search(vector []float32, k int, threshold float64, scope []string) ([]vecstore.Result, error)
}

// Plan is the retrieval outcome for one query. NoContext set means nothing
// cleared the score threshold and generation should be skipped entirely.
type Plan struct {
	Results   []vecstore.Result
	NoContext bool
}

type Planner struct {
	gateway embedding.Gateway
	index   Searcher
	cfg     config.RetrievalConfig
}

func NewPlanner(gateway embedding.Gateway, index Searcher, cfg config.RetrievalConfig) *Planner {
	return &Planner{gateway: gateway, index: index, cfg: cfg}
}

// Plan embeds the question, optionally expanded with the previous question
// for follow-ups, and queries the index. An embedding failure aborts the
// query as ErrEmbeddingUnavailable; it is not retried here.
func (p *Planner) Plan(ctx context.Context, q *models.Query, convo *models.ConversationContext) (*Plan, error) {
	question := strings.TrimSpace(q.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: empty question", models.ErrValidation)
	}
	topK := q.TopK
	if topK <= 0 {
		topK = p.cfg.TopK
	}
	threshold := q.ScoreThreshold
	if threshold == 0 {
		threshold = p.cfg.ScoreThreshold
	}

	text := question
	if p.cfg.ExpandContext && convo != nil {
		if prev := convo.LastQuestion(); prev != "" {
			// follow-up questions often lean on the previous one
			text = prev + "\n" + question
		}
	}

	vectors, err := p.gateway.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingUnavailable, err)
	}

	results, err := p.index.Search(vectors[0], topK, threshold, q.DocumentScope)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		log.Debug().Str("query", q.ID).Float64("threshold", threshold).Msg("no chunk cleared the threshold")
		return &Plan{NoContext: true}, nil
	}
	log.Debug().Str("query", q.ID).Int("results", len(results)).Msg("retrieval plan ready")
	return &Plan{Results: results}, nil
}

const (
	maxSources    = 3
	previewLength = 200
)

// Sources condenses the plan into citation records: unique documents, best
// score first, with a short text preview.
func (p *Plan) Sources() []models.Source {
	seen := make(map[string]struct{})
	var sources []models.Source
	for _, r := range p.Results {
		if _, dup := seen[r.Entry.DocumentName]; dup {
			continue
		}
		seen[r.Entry.DocumentName] = struct{}{}

		preview := strings.ReplaceAll(r.Entry.Text, "\n", " ")
		if runes := []rune(preview); len(runes) > previewLength {
			preview = string(runes[:previewLength]) + "..."
		}
		sources = append(sources, models.Source{
			ChunkID:      r.Entry.ChunkID,
			DocumentName: r.Entry.DocumentName,
			Score:        r.Score,
			Start:        r.Entry.Start,
			End:          r.Entry.End,
			Preview:      preview,
		})
		if len(sources) == maxSources {
			break
		}
	}
	return sources
}
