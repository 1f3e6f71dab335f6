// Package reference loads the entity directory and filters index entries
// against it.
//
// The directory is the EDINET code list distributed by the regulator: a comma
// separated file, usually cp932 encoded, optionally preceded by a metadata
// line. Only listed, consolidated entities with an alphabetic name are kept.
package reference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// Column names of the code list.
const (
	ColCode         = "EDINET Code"
	ColListed       = "Listed company / Unlisted company"
	ColConsolidated = "Consolidated / NonConsolidated"
	ColName         = "Submitter Name（alphabetic）"
	ColIndustry     = "Submitter's industry"
)

// Eligibility values.
const (
	Listed       = "Listed company"
	Consolidated = "Consolidated"
)

// ErrHeaderNotFound means no row of the file names the entity code column.
var ErrHeaderNotFound = errors.New("reference: header row not found")

// lookupEncoding resolves an encoding label. cp932 is not a WHATWG label, so
// it is mapped explicitly.
func lookupEncoding(label string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "utf-8", "utf8":
		return unicode.UTF8BOM, nil
	case "cp932", "ms932", "windows-31j", "shift_jis", "sjis":
		return japanese.ShiftJIS, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("reference: unknown encoding %q: %w", label, err)
	}
	return enc, nil
}

// LoadFile reads the code list at path, decoding it with the named encoding.
func LoadFile(path, enc string) (types.EntityReference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}
	defer f.Close()

	ref, err := Load(f, enc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ref, nil
}

// Load parses a code list from r.
func Load(r io.Reader, enc string) (types.EntityReference, error) {
	e, err := lookupEncoding(enc)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(transform.NewReader(r, e.NewDecoder()))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var idx map[string]int
	for idx == nil {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil, ErrHeaderNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("reference: read header: %w", err)
		}
		idx = headerIndex(rec)
	}

	for _, col := range []string{ColCode, ColListed, ColConsolidated, ColName, ColIndustry} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("reference: missing column %q", col)
		}
	}

	ref := make(types.EntityReference)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reference: read row: %w", err)
		}

		info := types.EntityInfo{
			Code:         cell(rec, idx[ColCode]),
			Listed:       cell(rec, idx[ColListed]),
			Consolidated: cell(rec, idx[ColConsolidated]),
			Name:         cell(rec, idx[ColName]),
			Industry:     cell(rec, idx[ColIndustry]),
		}
		if !eligible(info) || ref.Has(info.Code) {
			continue
		}
		ref[info.Code] = info
	}
	return ref, nil
}

// headerIndex returns the column positions if rec is the header row.
func headerIndex(rec []string) map[string]int {
	idx := make(map[string]int, len(rec))
	for i, name := range rec {
		idx[strings.TrimSpace(name)] = i
	}
	if _, ok := idx[ColCode]; !ok {
		return nil
	}
	return idx
}

func cell(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func eligible(info types.EntityInfo) bool {
	return info.Code != "" &&
		info.Listed == Listed &&
		info.Consolidated == Consolidated &&
		info.Name != ""
}

// FilterDocuments keeps descriptors whose entity is in ref and whose document
// type is one of docTypes, preserving order.
func FilterDocuments(docs []types.DocumentDescriptor, ref types.EntityReference, docTypes []string) []types.DocumentDescriptor {
	allowed := make(map[string]bool, len(docTypes))
	for _, t := range docTypes {
		allowed[t] = true
	}

	out := make([]types.DocumentDescriptor, 0, len(docs))
	for _, d := range docs {
		if ref.Has(d.EntityCode) && allowed[d.DocTypeCode] {
			out = append(out, d)
		}
	}
	return out
}
