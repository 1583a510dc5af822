package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart string.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}
	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n", edge.From, label, edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef ok fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef noop fill:#5a7a5a,stroke:#3a5a3a,color:#fff\n")
	b.WriteString("    classDef error fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef next fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef paused fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if cls := mermaidStatusClass(node.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", node.ID, cls))
		}
	}
	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape for its kind.
func mermaidNodeDef(node *Node) string {
	label := node.Label
	if node.Detail != "" {
		label += "<br/>" + node.Detail
	}
	label = strings.ReplaceAll(label, `"`, "#quot;")

	switch node.Kind {
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", node.ID, label)
	case NodeKindNotify:
		return fmt.Sprintf("%s{{\"%s\"}}", node.ID, label)
	case NodeKindTask:
		return fmt.Sprintf("%s[[\"%s\"]]", node.ID, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", node.ID, label)
	}
}

func mermaidStatusClass(o *StatusOverlay) string {
	if o == nil {
		return ""
	}
	switch o.Status {
	case StatusOK, StatusCompleted:
		return "ok"
	case StatusNoop:
		return "noop"
	case StatusError:
		return "error"
	case StatusNext:
		return "next"
	case StatusPaused:
		return "paused"
	case StatusPending:
		return "pending"
	case StatusSkipped, StatusCancelled:
		return "skipped"
	}
	return ""
}
