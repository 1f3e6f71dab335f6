// Package types defines the core domain model shared by every stage of the
// edinet-harvest pipeline: document descriptors returned by the index,
// candidate files produced by the content fetcher, raw facts extracted from
// payloads and the final filing records.
package types

import (
	"fmt"
	"strings"
	"time"
)

// DocTypeCorrected is the document type code of a corrected annual report.
// It takes priority over any other revision of the same entity.
const DocTypeCorrected = "130"

// Country is the fixed geography of every emitted record.
const Country = "Japan"

// FormatFlag records whether the index advertised a payload encoding.
// Absent means the field was missing or null in the index response.
type FormatFlag int

const (
	FlagAbsent FormatFlag = iota // field not present in the index
	FlagOff                      // explicitly "0"
	FlagOn                       // explicitly "1"
)

// ParseFormatFlag converts the raw index value ("1", "0" or nil) into a FormatFlag.
func ParseFormatFlag(raw *string) FormatFlag {
	if raw == nil {
		return FlagAbsent
	}
	if strings.TrimSpace(*raw) == "1" {
		return FlagOn
	}
	return FlagOff
}

// Available reports whether the encoding can be requested.
func (f FormatFlag) Available() bool { return f == FlagOn }

func (f FormatFlag) String() string {
	switch f {
	case FlagOn:
		return "1"
	case FlagOff:
		return "0"
	default:
		return "absent"
	}
}

// Format is one of the two payload encodings a document can be delivered in.
type Format string

const (
	FormatTabular Format = "csv"  // content request type=5
	FormatTagged  Format = "xbrl" // content request type=1
)

// RequestType returns the value of the "type" query parameter for content requests.
func (f Format) RequestType() string {
	if f == FormatTabular {
		return "5"
	}
	return "1"
}

// Ext returns the file extension (with dot) of the encoding.
func (f Format) Ext() string { return "." + string(f) }

// submissionLayouts are accepted for the index "submitDateTime" field.
var submissionLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// DocumentDescriptor is one entry of the document index. It is immutable once
// constructed by NewDocumentDescriptor.
type DocumentDescriptor struct {
	EntityCode  string
	DocID       string
	DocTypeCode string
	SubmittedAt time.Time
	CSVFlag     FormatFlag
	XBRLFlag    FormatFlag
}

// NewDocumentDescriptor validates the raw index fields and builds a descriptor.
// A document id and a parsable submission timestamp are required.
func NewDocumentDescriptor(entityCode, docID, docTypeCode, submitted string, csvFlag, xbrlFlag FormatFlag) (DocumentDescriptor, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return DocumentDescriptor{}, fmt.Errorf("descriptor: missing document id")
	}

	submitted = strings.TrimSpace(submitted)
	var (
		at  time.Time
		err error
	)
	for _, layout := range submissionLayouts {
		at, err = time.Parse(layout, submitted)
		if err == nil {
			break
		}
	}
	if err != nil {
		return DocumentDescriptor{}, fmt.Errorf("descriptor %s: invalid submission timestamp %q", docID, submitted)
	}

	return DocumentDescriptor{
		EntityCode:  strings.TrimSpace(entityCode),
		DocID:       docID,
		DocTypeCode: strings.TrimSpace(docTypeCode),
		SubmittedAt: at,
		CSVFlag:     csvFlag,
		XBRLFlag:    xbrlFlag,
	}, nil
}

// PreferredFormat picks the encoding to download: tabular first, then tagged.
func (d DocumentDescriptor) PreferredFormat() (Format, bool) {
	switch {
	case d.CSVFlag.Available():
		return FormatTabular, true
	case d.XBRLFlag.Available():
		return FormatTagged, true
	default:
		return "", false
	}
}

// OutputName returns the stable file name {entityCode}_{YYYYMMDD}_{docTypeCode}.{ext}.
func (d DocumentDescriptor) OutputName(f Format) string {
	return fmt.Sprintf("%s_%s_%s%s", d.EntityCode, d.SubmittedAt.Format("20060102"), d.DocTypeCode, f.Ext())
}

// FetchOutcome is the result of one content fetch: either Path is set or Err is.
type FetchOutcome struct {
	Descriptor DocumentDescriptor
	Path       string
	Err        error
}

// OK reports whether the fetch produced a local payload.
func (o FetchOutcome) OK() bool { return o.Err == nil && o.Path != "" }

// Kind classifies the failure, KindNone on success.
func (o FetchOutcome) Kind() FailureKind { return KindOf(o.Err) }

// CandidateFile is a downloaded payload whose name carries its entity and type.
type CandidateFile struct {
	Path        string
	EntityCode  string
	DocTypeCode string
}

// RawFact is one (period-indicator, value, unit) triple copied verbatim from a payload.
type RawFact struct {
	Period string
	Value  string
	Unit   string
}

// FilingRecord is one row of the final output table.
type FilingRecord struct {
	Year        int
	CompanyName string
	Industry    string
	Country     string
	Revenue     int64
	RevenueUnit string
}

// Columns is the header of the final output table.
var Columns = []string{"year", "companyname", "industryclassification", "geonameen", "revenue", "revenue_unit"}

// EntityInfo is one eligible row of the entity reference directory.
type EntityInfo struct {
	Code         string
	Listed       string
	Consolidated string
	Name         string
	Industry     string
}

// EntityReference maps entity codes to eligible directory rows.
type EntityReference map[string]EntityInfo

// Lookup returns the reference row for code.
func (r EntityReference) Lookup(code string) (EntityInfo, bool) {
	info, ok := r[code]
	return info, ok
}

// Has reports whether code is eligible.
func (r EntityReference) Has(code string) bool {
	_, ok := r[code]
	return ok
}
