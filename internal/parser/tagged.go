package parser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// Tag markers of the tagged encoding, matched against local element names.
const (
	PeriodEndSuffix  = "CurrentPeriodEndDateDEI"
	SubmissionMarker = "NumberOfSubmissionDEI"
)

// Tagged parses the XBRL encoding.
//
// Elements are flattened in document (pre-order) order. The fiscal year comes
// from the first period-end element with a parsable date. Revenue facts are
// the MaxFacts elements right after the first submission-count marker, kept
// only when they carry a contextRef and text.
type Tagged struct {
	Logger *slog.Logger
}

// node is one element of the flattened tree. text holds the character data
// found before the element's first child.
type node struct {
	local      string
	contextRef string
	unitRef    string
	hasUnit    bool
	text       strings.Builder
	hasChild   bool
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", label, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

func flatten(r io.Reader) ([]*node, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charsetReader

	var (
		nodes []*node
		stack []*node
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrParse, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) > 0 {
				stack[len(stack)-1].hasChild = true
			}
			n := &node{local: t.Name.Local}
			for _, a := range t.Attr {
				switch a.Name.Local {
				case "contextRef":
					n.contextRef = a.Value
				case "unitRef":
					n.unitRef, n.hasUnit = a.Value, true
				}
			}
			nodes = append(nodes, n)
			stack = append(stack, n)
		case xml.CharData:
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				if !top.hasChild {
					top.text.Write(t)
				}
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: document has no elements", types.ErrParse)
	}
	return nodes, nil
}

// Parse implements Parser.
func (p *Tagged) Parse(r io.Reader) (Extraction, error) {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	nodes, err := flatten(r)
	if err != nil {
		return Extraction{}, err
	}

	var ex Extraction
	found := false
	for _, n := range nodes {
		if !strings.HasSuffix(n.local, PeriodEndSuffix) || n.text.Len() == 0 {
			continue
		}
		if y, ok := yearOf(n.text.String()); ok {
			ex.FiscalYear, found = y, true
			break
		}
		log.Info("skipping unparsable period end date", "element", n.local, "value", n.text.String())
	}
	if !found {
		return ex, types.ErrMissingFiscalYear
	}

	for i, n := range nodes {
		if !strings.Contains(n.local, SubmissionMarker) {
			continue
		}
		for j := i + 1; j <= i+MaxFacts && j < len(nodes); j++ {
			c := nodes[j]
			if c.contextRef == "" || c.text.Len() == 0 {
				continue
			}
			unit := DefaultUnit
			if c.hasUnit {
				unit = c.unitRef
			}
			ex.Facts = append(ex.Facts, types.RawFact{
				Period: c.contextRef,
				Value:  c.text.String(),
				Unit:   unit,
			})
		}
		break
	}

	if len(ex.Facts) == 0 {
		return ex, types.ErrEmptyExtraction
	}
	return ex, nil
}
