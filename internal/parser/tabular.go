package parser

import (
	"encoding/csv"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// Column headers of the tabular encoding.
const (
	ColElementID = "要素ID"
	ColContextID = "コンテキストID"
	ColValue     = "値"
	ColUnit      = "ユニットID"
)

// FiscalYearEndID is the element id of the row holding the fiscal year end date.
const FiscalYearEndID = "jpdei_cor:CurrentFiscalYearEndDateDEI"

// Tabular parses the UTF-16, tab-separated encoding.
//
// The revenue element id differs between filers but always appears on the
// second data row. Every row sharing that id is a candidate; the first match
// is skipped and up to MaxFacts of the following matches are returned.
type Tabular struct{}

type columns struct {
	element, context, value, unit int
}

func locate(header []string) (columns, error) {
	c := columns{element: -1, context: -1, value: -1, unit: -1}
	for i, name := range header {
		switch name {
		case ColElementID:
			c.element = i
		case ColContextID:
			c.context = i
		case ColValue:
			c.value = i
		case ColUnit:
			c.unit = i
		}
	}
	if c.element < 0 || c.context < 0 || c.value < 0 {
		return c, fmt.Errorf("%w: header lacks %s/%s/%s columns", types.ErrParse, ColElementID, ColContextID, ColValue)
	}
	return c, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

// Parse implements Parser.
func (t *Tabular) Parse(r io.Reader) (Extraction, error) {
	// little-endian unless a BOM says otherwise
	dec := unicode.BOMOverride(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder())
	cr := csv.NewReader(transform.NewReader(r, dec))
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: read header: %v", types.ErrParse, err)
	}
	cols, err := locate(header)
	if err != nil {
		return Extraction{}, err
	}
	rows, err := cr.ReadAll()
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: read rows: %v", types.ErrParse, err)
	}

	var ex Extraction

	year, ok := 0, false
	for _, rec := range rows {
		if field(rec, cols.element) == FiscalYearEndID {
			year, ok = yearOf(field(rec, cols.value))
			break
		}
	}
	if !ok {
		return ex, types.ErrMissingFiscalYear
	}
	ex.FiscalYear = year

	if len(rows) < 2 {
		return ex, types.ErrEmptyExtraction
	}
	revenueID := field(rows[1], cols.element)

	matched := 0
	for _, rec := range rows {
		if field(rec, cols.element) != revenueID {
			continue
		}
		matched++
		if matched == 1 {
			continue
		}
		ex.Facts = append(ex.Facts, types.RawFact{
			Period: field(rec, cols.context),
			Value:  field(rec, cols.value),
			Unit:   field(rec, cols.unit),
		})
		if len(ex.Facts) == MaxFacts {
			break
		}
	}

	if len(ex.Facts) == 0 {
		return ex, types.ErrEmptyExtraction
	}
	return ex, nil
}
