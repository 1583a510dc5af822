package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StatusOK:
		return "[OK]"
	case StatusNoop:
		return "[NOOP]"
	case StatusError:
		return "[FAIL]"
	case StatusNext:
		return "[NEXT]"
	case StatusPaused:
		return "[PAUSED]"
	case StatusPending:
		return "[PEND]"
	case StatusSkipped:
		return "[SKIP]"
	case StatusCompleted:
		return "[DONE]"
	case StatusCancelled:
		return "[CANCELLED]"
	}
	return ""
}

// RenderASCII renders a Model as a vertical chain of boxes joined by
// arrows labelled with each step's delay.
func RenderASCII(model *Model) string {
	var b strings.Builder
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	incoming := make(map[string]string, len(model.Edges))
	for _, e := range model.Edges {
		incoming[e.To] = e.Label
	}

	for i, node := range model.Nodes {
		if i > 0 {
			renderConnector(&b, incoming[node.ID])
		}
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// makeBox draws the lines of a single node box.
func makeBox(node *Node) []string {
	content := []string{node.Label}
	if node.Detail != "" {
		content = append(content, node.Detail)
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if node.Status.Error != "" {
			content = append(content, node.Status.Error)
		}
	}

	maxLen := 0
	for _, line := range content {
		if n := utf8.RuneCountInString(line); n > maxLen {
			maxLen = n
		}
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", maxLen+2)+"┐")
	for _, line := range content {
		pad := maxLen - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", maxLen+2)+"┘")
	return lines
}

func renderConnector(b *strings.Builder, label string) {
	if label != "" {
		b.WriteString("   │ " + label + "\n")
	} else {
		b.WriteString("   │\n")
	}
	b.WriteString("   ▼\n")
}
