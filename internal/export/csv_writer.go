package export

// ============================================================================
// Responsibilities:
// 1. Serialize the final filing table as CSV with a fixed header
// 2. Write atomically (temp file + rename) so a crash never leaves half a table
// 3. Refuse to write an empty table
// ============================================================================

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// ErrEmptyTable is returned when Write is called without records.
var ErrEmptyTable = errors.New("export: refusing to write an empty table")

// CSVWriter writes the filing table to a single file.
type CSVWriter struct {
	path string
	mu   sync.Mutex
}

// NewCSVWriter creates a writer targeting path.
func NewCSVWriter(path string) *CSVWriter {
	return &CSVWriter{path: path}
}

// Encode writes the header and one row per record to w.
func Encode(w io.Writer, records []types.FilingRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(types.Columns); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.Itoa(r.Year),
			r.CompanyName,
			r.Industry,
			r.Country,
			strconv.FormatInt(r.Revenue, 10),
			r.RevenueUnit,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Write replaces the target file with the given records.
//
// The table goes to "<path>.tmp" first and is renamed over the target once
// fully flushed. The parent directory is created when missing.
func (w *CSVWriter) Write(records []types.FilingRecord) error {
	if len(records) == 0 {
		return ErrEmptyTable
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := w.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp table: %w", err)
	}

	if err := Encode(f, records); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode table: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp table: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename table: %w", err)
	}
	return nil
}

// Exists reports whether the target file is present.
func (w *CSVWriter) Exists() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

// GetPath returns the target path.
func (w *CSVWriter) GetPath() string {
	return w.path
}
