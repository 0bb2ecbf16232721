package generate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"documind/internal/models"
	"documind/internal/vecstore"
)

const historyAnswerLimit = 300

// BuildPrompt assembles the final prompt: numbered source snippets up to the
// character budget, a condensed tail of the conversation, then the question.
// The budget counts runes, so truncation never splits a multibyte character.
func BuildPrompt(question string, results []vecstore.Result, turns []models.Turn, budget, historyTurns int) string {
	var b strings.Builder
	used := 0
	for i, r := range results {
		block := fmt.Sprintf("[Source %d: %s]\n%s", i+1, r.Entry.DocumentName, strings.TrimSpace(r.Entry.Text))
		size := utf8.RuneCountInString(block)
		if used > 0 && used+size+2 > budget {
			break
		}
		if used == 0 && size > budget {
			block = truncate(block, budget)
			size = budget
		}
		if used > 0 {
			b.WriteString("\n\n")
			used += 2
		}
		b.WriteString(block)
		used += size
	}
	return fmt.Sprintf(models.RAGPromptTemplate, b.String(), historyBlock(turns, historyTurns), question)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func historyBlock(turns []models.Turn, max int) string {
	if len(turns) == 0 || max <= 0 {
		return "\n"
	}
	if len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	var b strings.Builder
	b.WriteString("\nPREVIOUS CONVERSATION:\n")
	for _, t := range turns {
		answer := t.Answer
		if utf8.RuneCountInString(answer) > historyAnswerLimit {
			answer = truncate(answer, historyAnswerLimit) + "..."
		}
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", t.Question, answer)
	}
	b.WriteString("\n")
	return b.String()
}
