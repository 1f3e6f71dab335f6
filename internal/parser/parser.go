// Package parser extracts revenue facts and the fiscal-year anchor from the
// two payload encodings a filing can be delivered in.
//
// Both encodings identify the relevant facts positionally rather than by a
// schema: the tabular parser follows the element id of the second data row,
// the tagged parser takes the five elements after the submission-count marker.
// These rules match the known document layouts and are kept as they are.
package parser

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// MaxFacts is the number of fiscal years (current plus four prior) a filing reports.
const MaxFacts = 5

// DefaultUnit applies to tagged facts without a unitRef attribute.
const DefaultUnit = "JPY"

// Extraction is what a parser returns for one payload.
type Extraction struct {
	Facts      []types.RawFact
	FiscalYear int
}

// Parser decodes one payload encoding.
type Parser interface {
	Parse(r io.Reader) (Extraction, error)
}

// ForPath returns the parser matching the file extension.
func ForPath(path string, logger *slog.Logger) (Parser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch filepath.Ext(path) {
	case types.FormatTabular.Ext():
		return &Tabular{}, nil
	case types.FormatTagged.Ext():
		return &Tagged{Logger: logger.With("file", filepath.Base(path))}, nil
	default:
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), types.ErrUnsupportedExtension)
	}
}

// ParseFile opens path and runs the matching parser over it.
func ParseFile(path string, logger *slog.Logger) (Extraction, error) {
	p, err := ForPath(path, logger)
	if err != nil {
		return Extraction{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Extraction{}, fmt.Errorf("%s: %w: %v", filepath.Base(path), types.ErrParse, err)
	}
	defer f.Close()

	ex, err := p.Parse(f)
	if err != nil {
		return ex, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return ex, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"20060102",
}

// yearOf parses a period-end date and returns its year.
func yearOf(raw string) (int, bool) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Year(), true
		}
	}
	return 0, false
}
