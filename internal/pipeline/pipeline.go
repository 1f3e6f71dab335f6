// ============================================================================
// Harvest pipeline - stage orchestrator
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Purpose: Wires every stage of a harvest run in order
//
// Stages:
//   1. Validate the date range (fatal, before any request)
//   2. Load the entity reference
//   3. Fetch the document index for every date        <- barrier 1
//   4. Filter descriptors by entity and document type
//   5. Fetch document payloads                          <- barrier 2
//   6. Select one document per entity, parse, assemble  <- barrier 3
//   7. Optionally prune candidate files not selected
//   8. Write the table
//
// A run that assembles no records ends with types.ErrNoRecords and the
// writer is never invoked.
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/edinet-harvest/internal/assembler"
	"github.com/ChuLiYu/edinet-harvest/internal/fetcher"
	"github.com/ChuLiYu/edinet-harvest/internal/metrics"
	"github.com/ChuLiYu/edinet-harvest/internal/reference"
	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// Stage names reported to the stage duration histogram.
const (
	StageReference = "reference"
	StageIndex     = "index"
	StageContent   = "content"
	StageParse     = "parse"
	StageWrite     = "write"
)

// ReferenceLoader provides the already filtered entity reference.
type ReferenceLoader interface {
	Load() (types.EntityReference, error)
}

// ReferenceFunc adapts a function to ReferenceLoader.
type ReferenceFunc func() (types.EntityReference, error)

// Load calls f.
func (f ReferenceFunc) Load() (types.EntityReference, error) { return f() }

// IndexSource returns the descriptors of a date range.
type IndexSource interface {
	Fetch(ctx context.Context, start, end time.Time) ([]types.DocumentDescriptor, error)
}

// ContentSource downloads payloads and returns the local paths obtained.
type ContentSource interface {
	FetchAll(ctx context.Context, docs []types.DocumentDescriptor, limit int) []string
}

// RecordWriter persists the final table.
type RecordWriter interface {
	Write(records []types.FilingRecord) error
}

// Config holds the run parameters.
type Config struct {
	StartDate       string
	EndDate         string
	DocTypes        []string
	Limit           int // 0 means every filtered descriptor
	OutputDir       string
	PruneUnselected bool
	Workers         int
}

// Summary counts what each stage produced.
type Summary struct {
	Dates       int
	Descriptors int
	Filtered    int
	Downloaded  int
	Selected    int
	Pruned      int
	Records     int
	Elapsed     time.Duration
}

// Pipeline runs one harvest.
type Pipeline struct {
	config    Config
	reference ReferenceLoader
	index     IndexSource
	content   ContentSource
	writer    RecordWriter
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a Pipeline from its collaborators.
func New(cfg Config, ref ReferenceLoader, index IndexSource, content ContentSource, writer RecordWriter, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:    cfg,
		reference: ref,
		index:     index,
		content:   content,
		writer:    writer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// stage times fn and records its duration.
func (p *Pipeline) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	took := time.Since(start)
	p.metrics.ObserveStage(name, took)
	p.logger.Debug("stage finished", "stage", name, "took", took)
	return err
}

// Run executes every stage and returns the per-stage counts.
func (p *Pipeline) Run(ctx context.Context) (sum Summary, err error) {
	began := time.Now()
	defer func() { sum.Elapsed = time.Since(began) }()

	start, end, err := fetcher.ParseRange(p.config.StartDate, p.config.EndDate)
	if err != nil {
		return sum, err
	}
	sum.Dates = len(fetcher.Dates(start, end))

	var ref types.EntityReference
	if err := p.stage(StageReference, func() (err error) {
		ref, err = p.reference.Load()
		return err
	}); err != nil {
		return sum, fmt.Errorf("load entity reference: %w", err)
	}
	p.logger.Info("entity reference loaded", "entities", len(ref))

	var docs []types.DocumentDescriptor
	if err := p.stage(StageIndex, func() (err error) {
		docs, err = p.index.Fetch(ctx, start, end)
		return err
	}); err != nil {
		return sum, err
	}
	sum.Descriptors = len(docs)

	filtered := reference.FilterDocuments(docs, ref, p.config.DocTypes)
	sum.Filtered = len(filtered)
	p.logger.Info("index filtered", "descriptors", len(docs), "kept", len(filtered), "doc_types", p.config.DocTypes)

	var paths []string
	_ = p.stage(StageContent, func() error {
		paths = p.content.FetchAll(ctx, filtered, p.config.Limit)
		return nil
	})
	sum.Downloaded = len(paths)
	p.cleanupTemp()

	asm := assembler.New(ref,
		assembler.WithWorkers(p.config.Workers),
		assembler.WithMetrics(p.metrics),
		assembler.WithLogger(p.logger))

	selected := asm.Select(paths)
	sum.Selected = len(selected)

	var records []types.FilingRecord
	err = p.stage(StageParse, func() (err error) {
		records, err = asm.ProcessSelected(selected)
		return err
	})
	sum.Records = len(records)

	if p.config.PruneUnselected {
		sum.Pruned = p.prune(paths, selected)
	}

	if errors.Is(err, types.ErrNoRecords) {
		p.logger.Warn("no records assembled, nothing written",
			"downloaded", sum.Downloaded,
			"selected", sum.Selected)
		return sum, err
	}
	if err != nil {
		return sum, err
	}

	if err := p.stage(StageWrite, func() error {
		return p.writer.Write(records)
	}); err != nil {
		return sum, fmt.Errorf("write table: %w", err)
	}

	p.logger.Info("pipeline completed",
		"dates", sum.Dates,
		"descriptors", sum.Descriptors,
		"downloaded", sum.Downloaded,
		"selected", sum.Selected,
		"records", sum.Records)
	return sum, nil
}

// cleanupTemp removes the shared temporary area once every download is done.
func (p *Pipeline) cleanupTemp() {
	if p.config.OutputDir == "" {
		return
	}
	tmp := filepath.Join(p.config.OutputDir, fetcher.TempDirName)
	if err := os.RemoveAll(tmp); err != nil {
		p.logger.Warn("failed to remove temp area", "dir", tmp, "error", err)
	}
}

// prune deletes candidate files that lost selection and returns how many went.
func (p *Pipeline) prune(paths, selected []string) int {
	keep := make(map[string]bool, len(selected))
	for _, s := range selected {
		keep[s] = true
	}

	removed := 0
	for _, path := range paths {
		if keep[path] {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to prune candidate", "file", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		p.logger.Info("pruned unselected candidates", "removed", removed)
	}
	return removed
}
