package models

import (
	"fmt"
	"testing"
)

func TestConversationContextBounded(t *testing.T) {
	c := NewConversationContext(3)
	for i := 0; i < 10; i++ {
		c.Add(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	turns := c.Turns()
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Question != "q7" || turns[2].Question != "q9" {
		t.Errorf("expected oldest q7 and newest q9, got %s and %s", turns[0].Question, turns[2].Question)
	}
	if c.LastQuestion() != "q9" {
		t.Errorf("last question = %q", c.LastQuestion())
	}
}

func TestConversationContextEmpty(t *testing.T) {
	c := NewConversationContext(3)
	if got := c.LastQuestion(); got != "" {
		t.Errorf("expected empty last question, got %q", got)
	}
	if len(c.Turns()) != 0 {
		t.Error("expected no turns")
	}
}

func TestAnswerHistoryRing(t *testing.T) {
	h := NewAnswerHistory(4)
	for i := 0; i < 7; i++ {
		h.Append(&Answer{QueryID: fmt.Sprintf("q%d", i)})
	}
	if h.Len() != 4 {
		t.Fatalf("expected capped length 4, got %d", h.Len())
	}
	recent := h.Recent(0)
	if len(recent) != 4 {
		t.Fatalf("expected 4 recent, got %d", len(recent))
	}
	if recent[0].QueryID != "q6" {
		t.Errorf("newest should be q6, got %s", recent[0].QueryID)
	}
	if recent[3].QueryID != "q3" {
		t.Errorf("oldest retained should be q3, got %s", recent[3].QueryID)
	}
	two := h.Recent(2)
	if len(two) != 2 || two[1].QueryID != "q5" {
		t.Errorf("Recent(2) = %v", two)
	}
}
