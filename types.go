package tagbatch

import (
	"fmt"
	"strings"

	"gitlab.com/tozd/go/errors"
)

type BatchState int

const (
	StateRunning BatchState = iota
	StateCancelled
	StateCompleted
)

func (s BatchState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("BatchState(%d)", int(s))
	}
}

func (s BatchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decision is the answer to an I/O failure during a batch.
type Decision int

const (
	DecisionSkip Decision = iota
	DecisionSkipAll
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionSkip:
		return "skip"
	case DecisionSkipAll:
		return "skip-all"
	case DecisionAbort:
		return "abort"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func ParseDecision(value string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "skip", "s":
		return DecisionSkip, nil
	case "skip-all", "skip_all", "a":
		return DecisionSkipAll, nil
	case "abort", "b":
		return DecisionAbort, nil
	default:
		return DecisionSkip, errors.Errorf("unknown decision: %q", value)
	}
}

// Failure describes a row that could not be committed.
type Failure struct {
	Row     RowID
	Path    string
	Message string
	Err     error
}

type RowFailure struct {
	Row      RowID    `json:"row"`
	Path     string   `json:"path"`
	Error    string   `json:"error"`
	Decision Decision `json:"decision"`
	Prompted bool     `json:"prompted"`
}

type BatchResult struct {
	ID        string       `json:"id"`
	Operation string       `json:"operation"`
	State     BatchState   `json:"state"`
	Total     int          `json:"total"`
	Committed []RowID      `json:"committed"`
	Unchanged []RowID      `json:"unchanged,omitempty"`
	Unmatched []RowID      `json:"unmatched,omitempty"`
	Failed    []RowFailure `json:"failed,omitempty"`
}

// Cells selects the columns of one row for cell scoped actions.
type Cells struct {
	Row  RowID    `json:"row"`
	Tags []string `json:"tags"`
}

type FolderRename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RowInfo is a row as presented by the CLI and MCP surfaces.
type RowInfo struct {
	Row  RowID               `json:"row"`
	Path string              `json:"path"`
	Tags map[string][]string `json:"tags"`
}
