// Package stream manages live answer sessions: bounded event queues keyed by
// session id, with disconnect cancellation and idle reaping.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"documind/internal/config"
	"documind/internal/helper"
	"documind/internal/models"
)

// Session is one live consumer. Events() yields deltas in order and closes
// after the terminal event; cancelling the session context stops the
// producer within one queue slot of latency.
type Session struct {
	ID string

	queue    chan models.StreamEvent
	ctx      context.Context
	cancel   context.CancelFunc
	lastSeen atomic.Int64
	detach   func()
	once     sync.Once
}

func (s *Session) Context() context.Context          { return s.ctx }
func (s *Session) Events() <-chan models.StreamEvent { return s.queue }

// Heartbeat marks the consumer as alive; the reaper closes sessions that
// stay silent past the idle timeout.
func (s *Session) Heartbeat() { s.lastSeen.Store(time.Now().UnixNano()) }

// Close cancels the session and detaches it from the registry. Safe to call
// more than once; the event queue itself is closed by Pump.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		s.detach()
		log.Debug().Str("session", s.ID).Msg("session closed")
	})
}

// Pump forwards producer events into the bounded session queue until the
// producer channel closes or the session is cancelled, then closes the
// queue. A full queue blocks the producer rather than dropping events; Pump
// itself holds at most one event in flight, so the producer can run at most
// QueueDepth+1 events ahead of the consumer.
func (s *Session) Pump(events <-chan models.StreamEvent) {
	defer close(s.queue)
	defer s.Close()
	for ev := range events {
		select {
		case s.queue <- ev:
			s.Heartbeat()
		case <-s.ctx.Done():
			return
		}
	}
}

// Registry tracks open sessions and reaps the ones that went idle.
type Registry struct {
	cfg      config.StreamConfig
	mu       sync.Mutex
	sessions map[string]*Session
	stop     chan struct{}
	stopped  sync.Once
	wg       sync.WaitGroup
}

func NewRegistry(cfg config.StreamConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

// Open registers a new session under a fresh id. The session context is
// derived from parent, so cancelling either side ends the stream.
func (r *Registry) Open(parent context.Context) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:     helper.GenerateUUID(),
		queue:  make(chan models.StreamEvent, r.cfg.QueueDepth),
		ctx:    ctx,
		cancel: cancel,
	}
	s.Heartbeat()
	s.detach = func() {
		r.mu.Lock()
		delete(r.sessions, s.ID)
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	log.Debug().Str("session", s.ID).Msg("session opened")
	return s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Disconnect closes the named session; unknown ids are a no-op.
func (r *Registry) Disconnect(id string) {
	if s, ok := r.Get(id); ok {
		s.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Start launches the reaper loop. Stop shuts it down and closes every
// remaining session.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.ReapEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reap()
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *Registry) Stop() {
	r.stopped.Do(func() { close(r.stop) })
	r.wg.Wait()
	r.mu.Lock()
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
}

func (r *Registry) reap() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout).UnixNano()
	r.mu.Lock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.lastSeen.Load() < cutoff {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()
	for _, s := range idle {
		log.Info().Str("session", s.ID).Msg("reaping idle session")
		s.Close()
	}
}
