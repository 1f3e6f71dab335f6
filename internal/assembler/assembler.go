// Package assembler turns candidate files into filing records.
//
// Each raw fact's period indicator is mapped to a year offset from the
// document's fiscal-year anchor, its value parsed as an integer and the row
// joined with the entity reference. Facts that cannot be mapped or parsed are
// skipped on their own; they never discard the rest of the document.
package assembler

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ChuLiYu/edinet-harvest/internal/metrics"
	"github.com/ChuLiYu/edinet-harvest/internal/parser"
	"github.com/ChuLiYu/edinet-harvest/internal/selector"
	"github.com/ChuLiYu/edinet-harvest/internal/worker"
	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// periodOffsets is the closed set of relative-year indicators.
var periodOffsets = map[string]int{
	"CurrentYearDuration": 0,
	"Prior1YearDuration":  -1,
	"Prior2YearDuration":  -2,
	"Prior3YearDuration":  -3,
	"Prior4YearDuration":  -4,
}

// Fact skip reasons reported to metrics.
const (
	SkipUnknownPeriod = "unknown_period"
	SkipInvalidValue  = "invalid_value"
)

// DefaultWorkers is the parse concurrency when none is configured.
const DefaultWorkers = 4

// PeriodOffset returns the year offset of a relative-year indicator.
func PeriodOffset(indicator string) (int, bool) {
	off, ok := periodOffsets[indicator]
	return off, ok
}

// EntityCode returns the entity code encoded at the front of a candidate file name.
func EntityCode(path string) string {
	base := filepath.Base(path)
	code, _, _ := strings.Cut(base, "_")
	return code
}

// Assembler builds filing records from candidate files.
type Assembler struct {
	ref      types.EntityReference
	selector *selector.Selector
	workers  int
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// Option customises an Assembler.
type Option func(*Assembler)

// WithWorkers sets the number of documents parsed concurrently.
func WithWorkers(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(a *Assembler) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// New creates an Assembler over an already filtered entity reference.
func New(ref types.EntityReference, opts ...Option) *Assembler {
	a := &Assembler{
		ref:     ref,
		workers: DefaultWorkers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.selector = selector.New(a.logger)
	return a
}

// Assemble produces the records of one candidate file. A document whose
// facts all get skipped yields ErrEmptyExtraction.
func (a *Assembler) Assemble(path string) ([]types.FilingRecord, error) {
	name := filepath.Base(path)
	code := EntityCode(path)

	info, ok := a.ref.Lookup(code)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %q", name, types.ErrMissingEntityReference, code)
	}

	ex, err := parser.ParseFile(path, a.logger)
	if err != nil {
		return nil, err
	}

	records := make([]types.FilingRecord, 0, len(ex.Facts))
	for _, fact := range ex.Facts {
		offset, ok := PeriodOffset(fact.Period)
		if !ok {
			a.logger.Info("skipping unknown year indicator", "file", name, "indicator", fact.Period)
			a.metrics.RecordFactSkipped(SkipUnknownPeriod)
			continue
		}
		year := ex.FiscalYear + offset

		revenue, err := strconv.ParseInt(strings.TrimSpace(fact.Value), 10, 64)
		if err != nil {
			a.logger.Info("skipping fact with invalid revenue",
				"file", name,
				"year", year,
				"value", fact.Value,
				"error", fmt.Errorf("%w: %v", types.ErrParse, err))
			a.metrics.RecordFactSkipped(SkipInvalidValue)
			continue
		}

		records = append(records, types.FilingRecord{
			Year:        year,
			CompanyName: info.Name,
			Industry:    info.Industry,
			Country:     types.Country,
			Revenue:     revenue,
			RevenueUnit: fact.Unit,
		})
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", name, types.ErrEmptyExtraction)
	}
	return records, nil
}

// Select reduces candidate paths to one per entity.
func (a *Assembler) Select(paths []string) []string {
	return a.selector.Select(paths)
}

// ProcessAll selects one file per entity, assembles the selected files
// concurrently and concatenates their records in selection order. It
// returns ErrNoRecords when nothing was produced.
func (a *Assembler) ProcessAll(paths []string) ([]types.FilingRecord, error) {
	return a.ProcessSelected(a.Select(paths))
}

// ProcessSelected assembles already selected files. It returns once every
// file has been handled.
func (a *Assembler) ProcessSelected(selected []string) ([]types.FilingRecord, error) {
	a.metrics.SetSelected(len(selected))

	tasks := make([]worker.Task, len(selected))
	order := make(map[string]int, len(selected))
	for i, p := range selected {
		tasks[i] = worker.Task{ID: p, Path: p}
		order[p] = i
	}

	results := worker.Process(tasks, a.workers, func(t worker.Task) ([]types.FilingRecord, error) {
		return a.Assemble(t.Path)
	})

	perFile := make([][]types.FilingRecord, len(selected))
	for _, r := range results {
		if r.Err != nil {
			a.metrics.RecordSkipped(r.Err)
			if errors.Is(r.Err, types.ErrEmptyExtraction) {
				a.logger.Info("document yielded no records", "file", r.Path)
			} else {
				a.logger.Warn("document skipped", "file", r.Path, "kind", types.KindOf(r.Err), "error", r.Err)
			}
			continue
		}
		a.logger.Debug("document assembled", "file", r.Path, "records", len(r.Records), "took", r.Duration)
		perFile[order[r.TaskID]] = r.Records
	}

	var records []types.FilingRecord
	for _, rs := range perFile {
		records = append(records, rs...)
	}
	a.metrics.RecordEmitted(len(records))

	if len(records) == 0 {
		return nil, types.ErrNoRecords
	}
	a.logger.Info("records assembled", "documents", len(selected), "records", len(records))
	return records, nil
}
