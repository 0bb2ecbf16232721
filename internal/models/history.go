package models

import "sync"

// ConversationContext holds the recent turns of one session, oldest first.
// Capacity is fixed at construction; adding beyond it evicts FIFO.
type ConversationContext struct {
	mu    sync.Mutex
	max   int
	turns []Turn
}

func NewConversationContext(max int) *ConversationContext {
	if max <= 0 {
		max = 3
	}
	return &ConversationContext{max: max}
}

// Add appends a completed question/answer pair, evicting the oldest turn
// when the context is full.
func (c *ConversationContext) Add(question, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, Turn{Question: question, Answer: answer})
	if len(c.turns) > c.max {
		c.turns = c.turns[len(c.turns)-c.max:]
	}
}

// Turns returns a copy of the current turns, oldest first.
func (c *ConversationContext) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// LastQuestion returns the most recent question, or "" for a fresh session.
func (c *ConversationContext) LastQuestion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.turns) == 0 {
		return ""
	}
	return c.turns[len(c.turns)-1].Question
}

// AnswerHistory is a capped ring buffer of completed answers.
type AnswerHistory struct {
	mu    sync.Mutex
	cap   int
	buf   []*Answer
	next  int
	count int
}

func NewAnswerHistory(capacity int) *AnswerHistory {
	if capacity <= 0 {
		capacity = 100
	}
	return &AnswerHistory{cap: capacity, buf: make([]*Answer, capacity)}
}

func (h *AnswerHistory) Append(a *Answer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = a
	h.next = (h.next + 1) % h.cap
	if h.count < h.cap {
		h.count++
	}
}

// Recent returns up to n answers, newest first.
func (h *AnswerHistory) Recent(n int) []*Answer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]*Answer, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.next - 1 - i + h.cap*2) % h.cap
		out = append(out, h.buf[idx])
	}
	return out
}

func (h *AnswerHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
