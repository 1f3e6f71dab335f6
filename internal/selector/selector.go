// Package selector reduces downloaded candidate files to one file per entity.
package selector

import (
	"log/slog"
	"path/filepath"
	"regexp"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// namePattern is searched (not anchored) in the base name of each path.
var namePattern = regexp.MustCompile(`E(\d+)_\d+_(\d+)\.(csv|xbrl)`)

// Parse extracts the entity and document type codes from a candidate file name.
func Parse(path string) (types.CandidateFile, bool) {
	m := namePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return types.CandidateFile{}, false
	}
	return types.CandidateFile{
		Path:        path,
		EntityCode:  "E" + m[1],
		DocTypeCode: m[2],
	}, true
}

// Selector picks the canonical file of every entity.
type Selector struct {
	logger *slog.Logger
}

// New returns a Selector logging to logger (slog.Default when nil).
func New(logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{logger: logger}
}

// Select keeps, per entity, the first path seen unless a later path carries
// the corrected document type, which replaces it. Among several corrected
// files the last one wins. Unparsable names are ignored. The result follows
// the order in which entities were first seen.
func (s *Selector) Select(paths []string) []string {
	var (
		order  []string
		chosen = make(map[string]string)
	)

	for _, p := range paths {
		c, ok := Parse(p)
		if !ok {
			s.logger.Debug("ignoring file with unexpected name", "path", p)
			continue
		}
		prev, seen := chosen[c.EntityCode]
		if !seen {
			order = append(order, c.EntityCode)
		}
		if !seen || c.DocTypeCode == types.DocTypeCorrected {
			chosen[c.EntityCode] = p
			if c.DocTypeCode == types.DocTypeCorrected && seen {
				s.logger.Info("using corrected filing", "entity", c.EntityCode, "path", p, "replaces", prev)
			}
		}
	}

	selected := make([]string, 0, len(order))
	for _, code := range order {
		selected = append(selected, chosen[code])
	}
	s.logger.Info("selected canonical files", "selected", len(selected), "candidates", len(paths))
	return selected
}
