package worker

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// Worker pulls tasks until the task channel is closed.
type Worker struct {
	id       int           // Worker identifier, used for logging and debugging
	handle   Handler       // Per-task processing function
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
}

func newWorker(id int, handle Handler, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		handle:   handle,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the worker's main loop.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		records, err := w.execute(task)

		result := Result{
			TaskID:   task.ID,
			Path:     task.Path,
			Records:  records,
			Err:      err,
			Duration: time.Since(start),
		}

		// Results are never dropped while the pool runs; the caller drains them.
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
		}
	}
}

// execute runs the handler, turning a panic into an error so one malformed
// document cannot take down its siblings.
func (w *Worker) execute(task Task) (records []types.FilingRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("worker %d: panic while processing %s: %v", w.id, task.Path, r)
		}
	}()
	return w.handle(task)
}
