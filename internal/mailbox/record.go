package mailbox

import (
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle state of a FunctionExecution. An execution
// is created pending and transitions exactly once to success or error.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusSuccess ExecutionStatus = "success"
	StatusError   ExecutionStatus = "error"
)

// ThreadMessage is one already-fetched email message belonging to a thread.
type ThreadMessage struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         []string  `json:"to,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// FunctionProposal is one agent function the selector chose for a thread.
// Immutable once stored; a later selection pass replaces the whole set.
type FunctionProposal struct {
	Name       string            `json:"name"`
	Arguments  map[string]string `json:"arguments,omitempty"`
	ButtonText string            `json:"button_text"`
	Reason     string            `json:"reason,omitempty"`
}

// FunctionExecution records one run of an agent function. The ID locates the
// entry across the pending -> terminal transition even when other executions
// for the same thread interleave.
type FunctionExecution struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Arguments     map[string]string `json:"arguments,omitempty"`
	Status        ExecutionStatus   `json:"status"`
	ResultMessage string            `json:"result_message,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at,omitzero"`
}

// ThreadRecord is the per-thread state owned by the Store. Version increases
// by one on every committed mutation and never otherwise.
type ThreadRecord struct {
	ID                string              `json:"id"`
	Summary           string              `json:"summary,omitempty"`
	Category          string              `json:"category,omitempty"`
	Messages          []ThreadMessage     `json:"messages,omitempty"`
	SelectedFunctions []FunctionProposal  `json:"selected_functions"`
	ExecutedFunctions []FunctionExecution `json:"executed_functions"`
	Version           uint64              `json:"version"`
	UpdatedAt         time.Time           `json:"updated_at,omitzero"`
}

// Clone returns a deep copy. Mutation callbacks receive and modify a clone so
// committed records are never aliased by callers.
func (r ThreadRecord) Clone() ThreadRecord {
	out := r
	out.Messages = append([]ThreadMessage(nil), r.Messages...)
	out.SelectedFunctions = make([]FunctionProposal, len(r.SelectedFunctions))
	for i, p := range r.SelectedFunctions {
		out.SelectedFunctions[i] = p
		out.SelectedFunctions[i].Arguments = cloneArgs(p.Arguments)
	}
	out.ExecutedFunctions = make([]FunctionExecution, len(r.ExecutedFunctions))
	for i, e := range r.ExecutedFunctions {
		out.ExecutedFunctions[i] = e
		out.ExecutedFunctions[i].Arguments = cloneArgs(e.Arguments)
	}
	return out
}

func cloneArgs(args map[string]string) map[string]string {
	if args == nil {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// Subject returns the subject of the most recent message, or "".
func (r ThreadRecord) Subject() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Messages[len(r.Messages)-1].Subject)
}

// ThreadRecordView is the read-only shape sent to UI clients.
type ThreadRecordView struct {
	ID                string              `json:"id"`
	Summary           string              `json:"summary,omitempty"`
	Category          string              `json:"category,omitempty"`
	SelectedFunctions []FunctionProposal  `json:"selected_functions"`
	ExecutedFunctions []FunctionExecution `json:"executed_functions"`
	Version           uint64              `json:"version"`
}

// View projects a record into its client-visible form.
func (r ThreadRecord) View() ThreadRecordView {
	c := r.Clone()
	return ThreadRecordView{
		ID:                c.ID,
		Summary:           c.Summary,
		Category:          c.Category,
		SelectedFunctions: c.SelectedFunctions,
		ExecutedFunctions: c.ExecutedFunctions,
		Version:           c.Version,
	}
}
