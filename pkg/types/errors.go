package types

// ============================================================================
// Error taxonomy
// Purpose: closed set of failure kinds shared by fetch, parse and assembly.
// Only ErrInvalidRange is fatal; every other kind skips one unit of work.
// ============================================================================

import "errors"

var (
	// ErrTransientNetwork is a transport failure or unexpected status; retried with backoff
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrRateLimited is a server rejection carrying (or implying) a Retry-After hint
	ErrRateLimited = errors.New("rate limit rejected")

	// ErrUnsupportedFormat means the descriptor offers neither payload encoding
	ErrUnsupportedFormat = errors.New("no supported payload format")

	// ErrExtraction means the archive could not be unpacked or held no matching file
	ErrExtraction = errors.New("archive extraction failed")

	// ErrCopy means the located payload could not be copied to the output directory
	ErrCopy = errors.New("payload copy failed")

	// ErrParse marks a single fact or row that could not be interpreted
	ErrParse = errors.New("fact parse failed")

	// ErrMissingEntityReference means the file's entity code is not in the reference set
	ErrMissingEntityReference = errors.New("entity not in reference")

	// ErrEmptyExtraction means a payload yielded no revenue facts
	ErrEmptyExtraction = errors.New("no revenue facts extracted")

	// ErrMissingFiscalYear means no usable fiscal-year anchor was found
	ErrMissingFiscalYear = errors.New("fiscal year anchor not found")

	// ErrUnsupportedExtension means the candidate file is neither .csv nor .xbrl
	ErrUnsupportedExtension = errors.New("unsupported file extension")

	// ErrInvalidRange rejects a date range whose start is after its end
	ErrInvalidRange = errors.New("invalid date range")

	// ErrNoRecords is the terminal condition of a run that produced an empty table
	ErrNoRecords = errors.New("no records produced")
)

// FailureKind enumerates the error taxonomy.
type FailureKind string

const (
	KindNone                   FailureKind = ""
	KindTransientNetwork       FailureKind = "transient_network"
	KindRateLimitRejected      FailureKind = "rate_limit_rejected"
	KindUnsupportedFormat      FailureKind = "unsupported_format"
	KindExtractionError        FailureKind = "extraction_error"
	KindCopyError              FailureKind = "copy_error"
	KindParseError             FailureKind = "parse_error"
	KindMissingEntityReference FailureKind = "missing_entity_reference"
	KindEmptyExtraction        FailureKind = "empty_extraction"
	KindMissingFiscalYear      FailureKind = "missing_fiscal_year"
	KindUnsupportedExtension   FailureKind = "unsupported_extension"
	KindInvalidRange           FailureKind = "invalid_range"
	KindTerminalEmptyResult    FailureKind = "terminal_empty_result"
	KindUnknown                FailureKind = "unknown"
)

var kindTable = []struct {
	err  error
	kind FailureKind
}{
	{ErrRateLimited, KindRateLimitRejected},
	{ErrTransientNetwork, KindTransientNetwork},
	{ErrUnsupportedFormat, KindUnsupportedFormat},
	{ErrExtraction, KindExtractionError},
	{ErrCopy, KindCopyError},
	{ErrParse, KindParseError},
	{ErrMissingEntityReference, KindMissingEntityReference},
	{ErrEmptyExtraction, KindEmptyExtraction},
	{ErrMissingFiscalYear, KindMissingFiscalYear},
	{ErrUnsupportedExtension, KindUnsupportedExtension},
	{ErrInvalidRange, KindInvalidRange},
	{ErrNoRecords, KindTerminalEmptyResult},
}

// KindOf maps an error (possibly wrapped) to its FailureKind.
func KindOf(err error) FailureKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Fatal reports whether the error must abort the whole run.
func Fatal(err error) bool {
	return errors.Is(err, ErrInvalidRange)
}
