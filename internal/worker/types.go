package worker

import (
	"time"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// Task is one candidate file to turn into filing records.
type Task struct {
	ID   string // stable identifier, the file path by default
	Path string // candidate file to process
}

// Result is what a worker reports for one task.
type Result struct {
	TaskID   string
	Path     string
	Records  []types.FilingRecord
	Err      error         // nil when the document yielded records
	Duration time.Duration // wall time spent in the handler
}

// Handler processes one task. It must be safe for concurrent use.
type Handler func(task Task) ([]types.FilingRecord, error)
