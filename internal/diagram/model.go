// Package diagram renders workflow definitions, optionally overlaid with a
// run's progress, as Mermaid, ASCII or graphviz images.
package diagram

// NodeKind classifies a diagram node by the kind of action it performs.
type NodeKind string

const (
	NodeKindMessage NodeKind = "message" // send_message, send_email
	NodeKindNotify  NodeKind = "notify"
	NodeKindTask    NodeKind = "task" // survey, score, follow-up record
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

// Node statuses set by Build from a run.
const (
	StatusOK        = "ok"
	StatusNoop      = "noop"
	StatusError     = "error"
	StatusNext      = "next"
	StatusPaused    = "paused"
	StatusPending   = "pending"
	StatusSkipped   = "skipped"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Model is the intermediate representation used by all renderers. Steps
// run one after another, so nodes are already in display order.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step, or the virtual start and end of the sequence.
type Node struct {
	ID     string
	Label  string
	Detail string // template, recipient or survey kind
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries a run's state for a node.
type StatusOverlay struct {
	Status     string
	ExternalID string
	Error      string
}

// Edge connects consecutive nodes. Label is the delay before To is due.
type Edge struct {
	From  string
	To    string
	Label string
}
