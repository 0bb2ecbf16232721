// Package analytics keeps engine-wide query statistics and a popularity
// table of normalized questions.
package analytics

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"documind/internal/models"
)

// Stats is a point-in-time snapshot of the aggregate counters.
type Stats struct {
	TotalQueries    int
	Succeeded       int
	Failed          int
	NoContext       int
	AvgResponseTime time.Duration
	ByGenerator     map[string]int
}

// PopularQuestion is one row of the popularity table. Question holds the
// first-seen phrasing; variants that normalize to the same text count
// together.
type PopularQuestion struct {
	Question        string
	Count           int
	SuccessRate     float64
	AvgResponseTime time.Duration
	LastAsked       time.Time
}

type questionEntry struct {
	display   string
	count     int
	succeeded int
	totalTime time.Duration
	lastAsked time.Time
}

// Aggregator consumes answer records off a buffered channel so recording
// never sits on the query path.
type Aggregator struct {
	events chan *models.Answer
	stop   chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	total       int
	succeeded   int
	failed      int
	noContext   int
	totalTime   time.Duration
	byGenerator map[string]int
	questions   map[string]*questionEntry
}

func NewAggregator(buffer int) *Aggregator {
	if buffer <= 0 {
		buffer = 256
	}
	return &Aggregator{
		events:      make(chan *models.Answer, buffer),
		stop:        make(chan struct{}),
		byGenerator: make(map[string]int),
		questions:   make(map[string]*questionEntry),
	}
}

func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case ans := <-a.events:
				a.apply(ans)
			case <-a.stop:
				// drain whatever is already queued
				for {
					select {
					case ans := <-a.events:
						a.apply(ans)
					default:
						return
					}
				}
			}
		}
	}()
}

func (a *Aggregator) Stop() {
	close(a.stop)
	a.wg.Wait()
}

// Record enqueues one answer. When the buffer is full the event is dropped
// rather than stalling the caller.
func (a *Aggregator) Record(ans *models.Answer) {
	select {
	case a.events <- ans:
	default:
		log.Warn().Str("query", ans.QueryID).Msg("analytics buffer full, dropping event")
	}
}

func (a *Aggregator) apply(ans *models.Answer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	switch {
	case ans.Success:
		a.succeeded++
	case ans.NoContext:
		a.noContext++
	default:
		a.failed++
	}
	a.totalTime += ans.ResponseTime
	if ans.GeneratorUsed != "" {
		a.byGenerator[ans.GeneratorUsed]++
	}

	key := NormalizeQuestion(ans.Question)
	if key == "" {
		return
	}
	entry, ok := a.questions[key]
	if !ok {
		entry = &questionEntry{display: strings.TrimSpace(ans.Question)}
		a.questions[key] = entry
	}
	entry.count++
	if ans.Success {
		entry.succeeded++
	}
	entry.totalTime += ans.ResponseTime
	entry.lastAsked = ans.CreatedAt
}

// Stats returns a snapshot of the counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		TotalQueries: a.total,
		Succeeded:    a.succeeded,
		Failed:       a.failed,
		NoContext:    a.noContext,
		ByGenerator:  make(map[string]int, len(a.byGenerator)),
	}
	if a.total > 0 {
		s.AvgResponseTime = a.totalTime / time.Duration(a.total)
	}
	for k, v := range a.byGenerator {
		s.ByGenerator[k] = v
	}
	return s
}

// PopularQuestions returns up to limit questions ordered by count, most
// recent first among ties.
func (a *Aggregator) PopularQuestions(limit int) []PopularQuestion {
	a.mu.Lock()
	rows := make([]PopularQuestion, 0, len(a.questions))
	for _, e := range a.questions {
		rows = append(rows, PopularQuestion{
			Question:        e.display,
			Count:           e.count,
			SuccessRate:     float64(e.succeeded) / float64(e.count),
			AvgResponseTime: e.totalTime / time.Duration(e.count),
			LastAsked:       e.lastAsked,
		})
	}
	a.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].LastAsked.After(rows[j].LastAsked)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

var questionSpaceRe = regexp.MustCompile(`\s+`)

// NormalizeQuestion folds case, collapses whitespace, and strips trailing
// punctuation so rephrasings of the same question share one counter.
func NormalizeQuestion(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	q = questionSpaceRe.ReplaceAllString(q, " ")
	q = strings.TrimRight(q, "?.!, ")
	return q
}
