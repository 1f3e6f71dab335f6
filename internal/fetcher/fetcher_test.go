package fetcher

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edinet-harvest/internal/edinet"
	"github.com/ChuLiYu/edinet-harvest/internal/ratelimit"
	"github.com/ChuLiYu/edinet-harvest/internal/retry"
	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

type waitLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitLog) sleep(_ context.Context, d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waits = append(w.waits, d)
	return nil
}

func testOptions(t *testing.T, w *waitLog) Options {
	t.Helper()
	lim, err := ratelimit.New(1000)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return Options{
		Limiter:    lim,
		Executor:   retry.New(retry.WithSleeper(w.sleep), retry.WithLogger(logger)),
		Logger:     logger,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}
}

type zipEntry struct {
	name string
	body string
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func descriptor(t *testing.T, entity, docID, docType string, csv, xbrl types.FormatFlag) types.DocumentDescriptor {
	t.Helper()
	d, err := types.NewDocumentDescriptor(entity, docID, docType, "2024-06-20 15:00", csv, xbrl)
	require.NoError(t, err)
	return d
}

// fakeDownloader serves canned archives per document id.
type fakeDownloader struct {
	mu       sync.Mutex
	archives map[string][]byte
	failures map[string]int // remaining failures per doc id
	calls    map[string][]types.Format
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		archives: map[string][]byte{},
		failures: map[string]int{},
		calls:    map[string][]types.Format{},
	}
}

func (f *fakeDownloader) DocumentContent(_ context.Context, docID string, format types.Format) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[docID] = append(f.calls[docID], format)
	if f.failures[docID] > 0 {
		f.failures[docID]--
		return nil, fmt.Errorf("%w: connection reset", types.ErrTransientNetwork)
	}
	body, ok := f.archives[docID]
	if !ok {
		return nil, errors.New("unknown document")
	}
	return body, nil
}

// ============================================================================
// Range handling
// ============================================================================

func TestParseRange(t *testing.T) {
	s, e, err := ParseRange("2024-06-01", "2024-06-03")
	require.NoError(t, err)
	assert.Len(t, Dates(s, e), 3)

	s, e, err = ParseRange("2024-06-03", "2024-06-03")
	require.NoError(t, err)
	assert.Len(t, Dates(s, e), 1)

	_, _, err = ParseRange("2024-06-04", "2024-06-03")
	assert.ErrorIs(t, err, types.ErrInvalidRange)
	_, _, err = ParseRange("2024/06/01", "2024-06-03")
	assert.ErrorIs(t, err, types.ErrInvalidRange)
}

func TestIndexFetchRejectsInvalidRangeBeforeAnyRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	client, err := edinet.NewClient(srv.URL, "k")
	require.NoError(t, err)

	f := NewIndexFetcher(client, testOptions(t, &waitLog{}))
	_, err = f.Fetch(context.Background(),
		time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, types.ErrInvalidRange)
	assert.Zero(t, calls.Load())
}

// ============================================================================
// Index fetch end to end: one date fails beyond the retry ceiling
// ============================================================================

func TestIndexFetchSkipsFailedDate(t *testing.T) {
	var day2Calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "2024-06-02" {
			day2Calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"results":[{"docID":"DOC-%s","edinetCode":"E00001","docTypeCode":"120",
			"submitDateTime":"%s 09:00","csvFlag":"1","xbrlFlag":"0"}]}`, date, date)
	}))
	defer srv.Close()

	client, err := edinet.NewClient(srv.URL, "k", edinet.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	w := &waitLog{}
	opts := testOptions(t, w)
	f := NewIndexFetcher(client, opts)

	docs, err := f.Fetch(context.Background(),
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var ids []string
	for _, d := range docs {
		ids = append(ids, d.DocID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"DOC-2024-06-01", "DOC-2024-06-03"}, ids)
	assert.Equal(t, int32(opts.MaxRetries+1), day2Calls.Load())
	assert.Len(t, w.waits, opts.MaxRetries)
}

// ============================================================================
// Content fetch
// ============================================================================

func TestContentFetchPrefersTabularAndPicksLargest(t *testing.T) {
	dir := t.TempDir()
	dl := newFakeDownloader()
	dl.archives["S1"] = buildZip(t,
		zipEntry{"XBRL_TO_CSV/small.csv", "a"},
		zipEntry{"XBRL_TO_CSV/big.csv", "abcdef"},
		zipEntry{"XBRL_TO_CSV/tie.csv", "ghijkl"},
		zipEntry{"XBRL/PublicDoc/doc.xbrl", "much larger than any csv in here"},
	)

	f := NewContentFetcher(dl, dir, testOptions(t, &waitLog{}))
	out := f.Fetch(context.Background(), descriptor(t, "E00001", "S1", "120", types.FlagOn, types.FlagOn))

	require.True(t, out.OK(), "unexpected error: %v", out.Err)
	assert.Equal(t, filepath.Join(dir, "E00001_20240620_120.csv"), out.Path)
	assert.Equal(t, []types.Format{types.FormatTabular}, dl.calls["S1"])

	body, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(body), "largest wins, first one on ties")

	_, err = os.Stat(filepath.Join(dir, TempDirName, "S1"))
	assert.True(t, os.IsNotExist(err), "temporary area removed")
}

func TestContentFetchFallsBackToTagged(t *testing.T) {
	dir := t.TempDir()
	dl := newFakeDownloader()
	dl.archives["S2"] = buildZip(t, zipEntry{"XBRL/PublicDoc/doc.XBRL", "<xbrl/>"})

	f := NewContentFetcher(dl, dir, testOptions(t, &waitLog{}))
	out := f.Fetch(context.Background(), descriptor(t, "E00002", "S2", "130", types.FlagOff, types.FlagOn))

	require.True(t, out.OK(), "unexpected error: %v", out.Err)
	assert.Equal(t, filepath.Join(dir, "E00002_20240620_130.xbrl"), out.Path)
	assert.Equal(t, []types.Format{types.FormatTagged}, dl.calls["S2"])
}

func TestContentFetchUnsupportedFormatSendsNoRequest(t *testing.T) {
	dl := newFakeDownloader()
	f := NewContentFetcher(dl, t.TempDir(), testOptions(t, &waitLog{}))

	out := f.Fetch(context.Background(), descriptor(t, "E00003", "S3", "120", types.FlagAbsent, types.FlagOff))
	assert.False(t, out.OK())
	assert.Equal(t, types.KindUnsupportedFormat, out.Kind())
	assert.Empty(t, dl.calls)
}

func TestContentFetchExtractionError(t *testing.T) {
	dir := t.TempDir()
	dl := newFakeDownloader()
	dl.archives["S4"] = buildZip(t, zipEntry{"readme.txt", "nothing useful"})
	dl.archives["S5"] = []byte("this is not a zip")
	dl.archives["S6"] = buildZip(t, zipEntry{"../../escape.csv", "x"})

	f := NewContentFetcher(dl, dir, testOptions(t, &waitLog{}))
	for _, id := range []string{"S4", "S5", "S6"} {
		out := f.Fetch(context.Background(), descriptor(t, "E00004", id, "120", types.FlagOn, types.FlagOff))
		assert.Equal(t, types.KindExtractionError, out.Kind(), id)
		_, err := os.Stat(filepath.Join(dir, TempDirName, id))
		assert.True(t, os.IsNotExist(err), "temporary area of %s removed", id)
	}
	_, err := os.Stat(filepath.Join(dir, TempDirName, "escape.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestContentFetchCopyError(t *testing.T) {
	dir := t.TempDir()
	dl := newFakeDownloader()
	dl.archives["S7"] = buildZip(t, zipEntry{"a.csv", "data"})

	d := descriptor(t, "E00007", "S7", "120", types.FlagOn, types.FlagOff)
	// a non-empty directory squatting on the destination name makes the rename fail
	require.NoError(t, os.MkdirAll(filepath.Join(dir, d.OutputName(types.FormatTabular), "x"), 0o755))

	f := NewContentFetcher(dl, dir, testOptions(t, &waitLog{}))
	out := f.Fetch(context.Background(), d)
	assert.Equal(t, types.KindCopyError, out.Kind())
	_, err := os.Stat(filepath.Join(dir, TempDirName, "S7"))
	assert.True(t, os.IsNotExist(err))
}

func TestContentFetchRetriesTransientFailures(t *testing.T) {
	w := &waitLog{}
	dl := newFakeDownloader()
	dl.archives["S8"] = buildZip(t, zipEntry{"a.csv", "data"})
	dl.failures["S8"] = 2

	f := NewContentFetcher(dl, t.TempDir(), testOptions(t, w))
	out := f.Fetch(context.Background(), descriptor(t, "E00008", "S8", "120", types.FlagOn, types.FlagOff))
	require.True(t, out.OK(), "unexpected error: %v", out.Err)
	assert.Len(t, dl.calls["S8"], 3)
	assert.Len(t, w.waits, 2)
}

func TestContentFetchHonoursRetryAfter(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter string
		want       time.Duration
	}{
		{"seconds", "4", 4 * time.Second},
		{"zero", "0", 0},
		{"absent", "", retry.DefaultRetryAfter},
		{"unusable", "later", retry.DefaultRetryAfter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			archive := buildZip(t, zipEntry{"a.csv", "data"})
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					if tt.retryAfter != "" {
						w.Header().Set("Retry-After", tt.retryAfter)
					}
					w.WriteHeader(http.StatusTooManyRequests)
					return
				}
				w.Write(archive)
			}))
			defer srv.Close()

			client, err := edinet.NewClient(srv.URL, "k", edinet.WithHTTPClient(srv.Client()))
			require.NoError(t, err)

			wl := &waitLog{}
			f := NewContentFetcher(client, t.TempDir(), testOptions(t, wl))
			out := f.Fetch(context.Background(), descriptor(t, "E00009", "S9", "120", types.FlagOn, types.FlagOff))
			require.True(t, out.OK(), "unexpected error: %v", out.Err)
			assert.Equal(t, []time.Duration{tt.want}, wl.waits)
			assert.Equal(t, int32(2), calls.Load())
		})
	}
}

func TestLimiterRefusalIsNotRetried(t *testing.T) {
	lim, err := ratelimit.New(0.001)
	require.NoError(t, err)
	require.NoError(t, lim.Acquire(context.Background()), "burst slot")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	wl := &waitLog{}
	opts := testOptions(t, wl)
	calls := 0
	op := admitted(lim, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	_, err = retry.Do(ctx, opts.Executor, "index", opts.policy(retry.IndexJitterFloor), op)
	require.Error(t, err, "next slot is beyond the deadline")
	assert.Zero(t, calls)
	assert.Empty(t, wl.waits)
}

func TestFetchAllTruncatesAndDropsFailures(t *testing.T) {
	dir := t.TempDir()
	dl := newFakeDownloader()
	var docs []types.DocumentDescriptor
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("D%d", i)
		if i != 1 {
			dl.archives[id] = buildZip(t, zipEntry{"p.csv", id})
		}
		docs = append(docs, descriptor(t, fmt.Sprintf("E%05d", i), id, "120", types.FlagOn, types.FlagOff))
	}

	f := NewContentFetcher(dl, dir, testOptions(t, &waitLog{}))
	paths := f.FetchAll(context.Background(), docs, 4)
	sort.Strings(paths)
	assert.Equal(t, []string{
		filepath.Join(dir, "E00000_20240620_120.csv"),
		filepath.Join(dir, "E00002_20240620_120.csv"),
		filepath.Join(dir, "E00003_20240620_120.csv"),
	}, paths)
	assert.NotContains(t, dl.calls, "D4")
	assert.NotContains(t, dl.calls, "D5")

	all := f.FetchAll(context.Background(), docs, 0)
	assert.Len(t, all, 5)
}

func TestSameNameCollisionsOverwrite(t *testing.T) {
	dir := t.TempDir()
	dl := newFakeDownloader()
	dl.archives["A"] = buildZip(t, zipEntry{"p.csv", "first"})
	dl.archives["B"] = buildZip(t, zipEntry{"p.csv", "second"})

	f := NewContentFetcher(dl, dir, testOptions(t, &waitLog{}))
	a := f.Fetch(context.Background(), descriptor(t, "E1", "A", "120", types.FlagOn, types.FlagOff))
	b := f.Fetch(context.Background(), descriptor(t, "E1", "B", "120", types.FlagOn, types.FlagOff))
	require.True(t, a.OK())
	require.True(t, b.OK())
	assert.Equal(t, a.Path, b.Path)

	body, err := os.ReadFile(b.Path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(body))
}
