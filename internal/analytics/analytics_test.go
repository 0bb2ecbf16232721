package analytics

import (
	"testing"
	"time"

	"documind/internal/models"
)

func TestCountersAndMeanResponseTime(t *testing.T) {
	a := NewAggregator(16)
	a.Start()

	a.Record(&models.Answer{QueryID: "q1", Question: "a?", Success: true, GeneratorUsed: "local", ResponseTime: 100 * time.Millisecond})
	a.Record(&models.Answer{QueryID: "q2", Question: "b?", Success: true, GeneratorUsed: "openai", ResponseTime: 300 * time.Millisecond})
	a.Record(&models.Answer{QueryID: "q3", Question: "c?", Error: "exhausted", ResponseTime: 200 * time.Millisecond})
	a.Record(&models.Answer{QueryID: "q4", Question: "d?", NoContext: true})
	a.Stop()

	s := a.Stats()
	if s.TotalQueries != 4 || s.Succeeded != 2 || s.Failed != 1 || s.NoContext != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if s.AvgResponseTime != 150*time.Millisecond {
		t.Errorf("avg = %v", s.AvgResponseTime)
	}
	if s.ByGenerator["local"] != 1 || s.ByGenerator["openai"] != 1 {
		t.Errorf("by generator = %v", s.ByGenerator)
	}
}

func TestPopularQuestionsNormalized(t *testing.T) {
	a := NewAggregator(16)
	a.Start()

	base := time.Now()
	a.Record(&models.Answer{Question: "What is Alpha?", Success: true, ResponseTime: 100 * time.Millisecond, CreatedAt: base})
	a.Record(&models.Answer{Question: "  what   is alpha ", Success: true, ResponseTime: 300 * time.Millisecond, CreatedAt: base.Add(time.Second)})
	a.Record(&models.Answer{Question: "what is alpha!", NoContext: true, ResponseTime: 200 * time.Millisecond, CreatedAt: base.Add(2 * time.Second)})
	a.Record(&models.Answer{Question: "what is beta?", Success: true, CreatedAt: base.Add(3 * time.Second)})
	a.Stop()

	rows := a.PopularQuestions(10)
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Question != "What is Alpha?" || rows[0].Count != 3 {
		t.Errorf("top row = %+v, want first-seen phrasing with count 3", rows[0])
	}
	if rows[0].SuccessRate < 0.66 || rows[0].SuccessRate > 0.67 {
		t.Errorf("success rate = %v, want 2/3", rows[0].SuccessRate)
	}
	if rows[0].AvgResponseTime != 200*time.Millisecond {
		t.Errorf("avg response time = %v", rows[0].AvgResponseTime)
	}
	if !rows[0].LastAsked.Equal(base.Add(2 * time.Second)) {
		t.Errorf("last asked = %v", rows[0].LastAsked)
	}
	if rows[1].Question != "what is beta?" || rows[1].Count != 1 {
		t.Errorf("second row = %+v", rows[1])
	}
}

func TestPopularQuestionsLimit(t *testing.T) {
	a := NewAggregator(16)
	a.Start()
	a.Record(&models.Answer{Question: "a", Success: true})
	a.Record(&models.Answer{Question: "b", Success: true})
	a.Record(&models.Answer{Question: "c", Success: true})
	a.Stop()

	if got := a.PopularQuestions(2); len(got) != 2 {
		t.Fatalf("limit ignored: %d rows", len(got))
	}
}

func TestNormalizeQuestion(t *testing.T) {
	cases := map[string]string{
		"  What IS   alpha??  ": "what is alpha",
		"hello, world!":         "hello, world",
		"plain":                 "plain",
		"   ":                   "",
	}
	for in, want := range cases {
		if got := NormalizeQuestion(in); got != want {
			t.Errorf("NormalizeQuestion(%q) = %q, want %q", in, got, want)
		}
	}
}
