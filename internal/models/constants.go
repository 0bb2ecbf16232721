package models

const (
	// NoContextAnswer is returned when no chunk clears the score threshold.
	// No generator is invoked in that case.
	NoContextAnswer = "I couldn't find any relevant information in the documents to answer your question."

	// ExhaustedAnswer is returned when every configured generator failed.
	ExhaustedAnswer = "I was unable to generate an answer right now. Please try again."
)

var (
	RAGPromptTemplate = `Based on the following context information, please provide a comprehensive and accurate answer to the question. If the context doesn't contain sufficient information to answer the question completely, state what you can determine from the context and clearly indicate what is missing.

CONTEXT:
%s
%sQUESTION: %s

INSTRUCTIONS:
- Provide a clear, direct answer based only on the information in the context
- If you cannot find the answer in the context, say "I don't have enough information in the provided context to answer this question"
- Cite relevant details from the context when possible (e.g., [Source 2: report.pdf])
- Keep your answer focused and concise

ANSWER:`
)
