// Package edinet is the HTTP client of the filing listing API.
//
// Two endpoints are used:
//
//	GET {base}/documents.json?date=YYYY-MM-DD&type=2&Subscription-Key={key}
//	GET {base}/documents/{docID}?type={1|5}&Subscription-Key={key}
//
// The client performs a single request per call. Rate limiting and retries are
// layered on top by the fetcher package.
package edinet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

const (
	// DefaultBaseURL is the v2 endpoint of the listing API
	DefaultBaseURL = "https://api.edinet-fsa.go.jp/api/v2"

	// UserAgent identifies this harvester to the API
	UserAgent = "edinet-harvest/1.0"

	indexListType = "2" // metadata + document list
)

// Client issues index and content requests.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying transport (timeouts live there).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets the logger used for dropped descriptors.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient validates baseURL and builds a client authenticated by apiKey.
func NewClient(baseURL, apiKey string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("edinet: invalid base url %q", baseURL)
	}

	c := &Client{
		baseURL:    u,
		apiKey:     apiKey,
		userAgent:  UserAgent,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// indexResponse mirrors the JSON body of documents.json. Every field of a
// result may be null, hence the pointers.
type indexResponse struct {
	Results []indexResult `json:"results"`
}

type indexResult struct {
	EdinetCode     *string `json:"edinetCode"`
	DocID          *string `json:"docID"`
	DocTypeCode    *string `json:"docTypeCode"`
	SubmitDateTime *string `json:"submitDateTime"`
	CSVFlag        *string `json:"csvFlag"`
	XBRLFlag       *string `json:"xbrlFlag"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ListDocuments fetches the document index for one calendar date.
func (c *Client) ListDocuments(ctx context.Context, date time.Time) ([]types.DocumentDescriptor, error) {
	day := date.Format("2006-01-02")
	q := url.Values{}
	q.Set("date", day)
	q.Set("type", indexListType)

	body, err := c.get(ctx, "documents.json", q)
	if err != nil {
		return nil, err
	}

	var resp indexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode index for %s: %v", types.ErrTransientNetwork, day, err)
	}

	docs := make([]types.DocumentDescriptor, 0, len(resp.Results))
	for _, r := range resp.Results {
		d, err := types.NewDocumentDescriptor(
			deref(r.EdinetCode),
			deref(r.DocID),
			deref(r.DocTypeCode),
			deref(r.SubmitDateTime),
			types.ParseFormatFlag(r.CSVFlag),
			types.ParseFormatFlag(r.XBRLFlag),
		)
		if err != nil {
			c.logger.Warn("dropping malformed index entry", "date", day, "error", err)
			continue
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// DocumentContent downloads the archive of one document in the given encoding.
func (c *Client) DocumentContent(ctx context.Context, docID string, f types.Format) ([]byte, error) {
	q := url.Values{}
	q.Set("type", f.RequestType())
	return c.get(ctx, "documents/"+url.PathEscape(docID), q)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := c.baseURL.JoinPath(path)
	display := u.Path + "?" + q.Encode() // logged form, without the key
	q.Set("Subscription-Key", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", display, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// *url.Error repeats the full URL, key included
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("%w: GET %s: %v", types.ErrTransientNetwork, display, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, newStatusError(display, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body of %s: %v", types.ErrTransientNetwork, display, err)
	}
	return body, nil
}

// NoHint marks a StatusError whose Retry-After was absent or unusable.
const NoHint time.Duration = -1

// StatusError is a non-2xx response. It is a rate-limit rejection when the
// status is 429 or the server sent a Retry-After header.
type StatusError struct {
	Target        string
	StatusCode    int
	Hint          time.Duration // NoHint unless Retry-After parsed
	HasRetryAfter bool
}

func newStatusError(target string, resp *http.Response) *StatusError {
	e := &StatusError{Target: target, StatusCode: resp.StatusCode, Hint: NoHint}
	if raw := strings.TrimSpace(resp.Header.Get("Retry-After")); raw != "" {
		e.HasRetryAfter = true
		if d, ok := parseRetryAfter(raw, time.Now()); ok {
			e.Hint = d
		}
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP date. A date already in the
// past means retry now.
func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second), true
		}
		return 0, true
	}
	return 0, false
}

// RateLimited reports whether the server signalled backoff.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.HasRetryAfter
}

// RetryAfter implements retry.Hinted.
func (e *StatusError) RetryAfter() (time.Duration, bool) {
	if !e.RateLimited() {
		return 0, false
	}
	return e.Hint, true
}

func (e *StatusError) Error() string {
	if e.RateLimited() && e.Hint != NoHint {
		return fmt.Sprintf("GET %s: status %d (retry after %s)", e.Target, e.StatusCode, e.Hint)
	}
	return fmt.Sprintf("GET %s: status %d", e.Target, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.RateLimited() {
		return types.ErrRateLimited
	}
	return types.ErrTransientNetwork
}
