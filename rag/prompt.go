package rag

import (
	"fmt"
	"strings"
)

const answerSystemPrompt = `You answer questions using only the numbered sources provided.
Cite every claim with the source number in square brackets, for example [1].
If the sources do not contain the answer, say so plainly. Never invent a
source number and never cite a source you did not use.`

// buildPrompt renders the numbered source list followed by the question.
// Source numbering starts at 1 to match the citation markers.
func buildPrompt(question string, sources []source) string {
	var b strings.Builder
	b.WriteString("Sources:\n\n")
	for i, src := range sources {
		fmt.Fprintf(&b, "[%d] %q (%s)", i+1, src.doc.Title, src.doc.URL)
		if src.anchor.HeadingPath != "" {
			fmt.Fprintf(&b, ", section: %s", src.anchor.HeadingPath)
		}
		if src.anchor.PageNumber != nil {
			fmt.Fprintf(&b, ", page %d", *src.anchor.PageNumber)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(src.text))
		b.WriteString("\n")
		if len(src.relations) > 0 {
			b.WriteString("Known facts from this source:\n")
			for _, rel := range src.relations {
				fmt.Fprintf(&b, "- %s\n", rel)
			}
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s\n", question)
	return b.String()
}
