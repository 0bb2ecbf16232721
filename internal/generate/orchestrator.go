// Package generate turns a retrieval plan into an answer by walking a
// priority-ordered list of generator backends.
package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"documind/internal/config"
	"documind/internal/models"
	"documind/internal/retrieval"
)

// Orchestrator runs generators in strict priority order. A provider failure
// or per-call timeout advances to the next one; only when every provider has
// failed does the query fail.
type Orchestrator struct {
	providers []Generator
	cfg       config.GenerationConfig
}

func NewOrchestrator(providers []Generator, cfg config.GenerationConfig) *Orchestrator {
	return &Orchestrator{providers: providers, cfg: cfg}
}

func (o *Orchestrator) options(q *models.Query) Options {
	opts := Options{MaxTokens: q.MaxTokens, Temperature: o.cfg.Temperature}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = o.cfg.MaxTokens
	}
	if q.Temperature != nil {
		opts.Temperature = *q.Temperature
	}
	return opts
}

// Answer produces the terminal answer for a query. It always returns a
// non-nil Answer; failures are reported through Success and Error.
func (o *Orchestrator) Answer(ctx context.Context, q *models.Query, plan *retrieval.Plan, convo *models.ConversationContext) *models.Answer {
	started := time.Now()
	if plan.NoContext {
		return o.noContext(q, started)
	}

	prompt := o.prompt(q, plan, convo)
	opts := o.options(q)

	var lastErr error
	for _, gen := range o.providers {
		if ctx.Err() != nil {
			return o.failure(q, plan, started, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err()))
		}
		text, err := o.callOne(ctx, gen, prompt, opts)
		if err == nil {
			log.Info().Str("query", q.ID).Str("generator", gen.Name()).
				Dur("elapsed", time.Since(started)).Msg("answer generated")
			return o.success(q, plan, started, gen.Name(), text)
		}
		lastErr = err
		log.Warn().Err(err).Str("query", q.ID).Str("generator", gen.Name()).Msg("generator failed, trying next")
	}
	return o.failure(q, plan, started, fmt.Errorf("%w: %v", models.ErrProviderExhausted, lastErr))
}

func (o *Orchestrator) callOne(ctx context.Context, gen Generator, prompt string, opts Options) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	text, err := gen.Generate(cctx, prompt, opts)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return "", fmt.Errorf("%w: %s: %v", models.ErrProviderTimeout, gen.Name(), err)
	}
	return text, err
}

// Stream runs the same fallback walk but forwards deltas as they arrive. The
// returned channel carries zero or more Delta events followed by exactly one
// terminal event (Done or Err), then closes. Fallback to the next provider
// happens only while no delta has been forwarded yet; once the consumer has
// seen tokens a provider failure terminates the stream, so no token is ever
// delivered twice.
func (o *Orchestrator) Stream(ctx context.Context, q *models.Query, plan *retrieval.Plan, convo *models.ConversationContext) <-chan models.StreamEvent {
	ch := make(chan models.StreamEvent)
	go func() {
		defer close(ch)
		started := time.Now()

		send := func(ev models.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if plan.NoContext {
			ans := o.noContext(q, started)
			send(models.StreamEvent{Done: true, Answer: ans})
			return
		}

		prompt := o.prompt(q, plan, convo)
		opts := o.options(q)

		var lastErr error
		for _, gen := range o.providers {
			if ctx.Err() != nil {
				return
			}
			emitted := 0
			cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
			text, err := gen.GenerateStream(cctx, prompt, opts, func(delta string) error {
				if !send(models.StreamEvent{Delta: delta}) {
					return ctx.Err()
				}
				emitted++
				return nil
			})
			cancel()

			if err == nil {
				log.Info().Str("query", q.ID).Str("generator", gen.Name()).
					Int("deltas", emitted).Msg("stream completed")
				send(models.StreamEvent{Done: true, Answer: o.success(q, plan, started, gen.Name(), text)})
				return
			}
			if ctx.Err() != nil {
				// consumer went away; nobody is left to receive a terminal
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %s: %v", models.ErrProviderTimeout, gen.Name(), err)
			}
			if emitted > 0 {
				// tokens already reached the consumer; switching providers
				// now would replay them
				log.Warn().Err(err).Str("query", q.ID).Str("generator", gen.Name()).
					Int("deltas", emitted).Msg("stream failed mid-answer")
				send(models.StreamEvent{Err: err, Answer: o.failure(q, plan, started, err)})
				return
			}
			lastErr = err
			log.Warn().Err(err).Str("query", q.ID).Str("generator", gen.Name()).Msg("stream failed before first delta, trying next")
		}
		exhausted := fmt.Errorf("%w: %v", models.ErrProviderExhausted, lastErr)
		send(models.StreamEvent{Err: exhausted, Answer: o.failure(q, plan, started, exhausted)})
	}()
	return ch
}

func (o *Orchestrator) prompt(q *models.Query, plan *retrieval.Plan, convo *models.ConversationContext) string {
	var turns []models.Turn
	if convo != nil {
		turns = convo.Turns()
	}
	return BuildPrompt(q.Question, plan.Results, turns, o.cfg.ContextBudget, o.cfg.HistoryTurns)
}

func (o *Orchestrator) noContext(q *models.Query, started time.Time) *models.Answer {
	log.Info().Str("query", q.ID).Msg("no context cleared the threshold, skipping generation")
	return &models.Answer{
		QueryID:      q.ID,
		Question:     q.Question,
		Text:         models.NoContextAnswer,
		NoContext:    true,
		ResponseTime: time.Since(started),
		CreatedAt:    time.Now(),
	}
}

func (o *Orchestrator) success(q *models.Query, plan *retrieval.Plan, started time.Time, generator, text string) *models.Answer {
	return &models.Answer{
		QueryID:       q.ID,
		Question:      q.Question,
		Text:          text,
		Sources:       plan.Sources(),
		GeneratorUsed: generator,
		ResponseTime:  time.Since(started),
		Success:       true,
		CreatedAt:     time.Now(),
	}
}

func (o *Orchestrator) failure(q *models.Query, plan *retrieval.Plan, started time.Time, err error) *models.Answer {
	return &models.Answer{
		QueryID:      q.ID,
		Question:     q.Question,
		Text:         models.ExhaustedAnswer,
		Sources:      plan.Sources(),
		ResponseTime: time.Since(started),
		Error:        err.Error(),
		CreatedAt:    time.Now(),
	}
}
