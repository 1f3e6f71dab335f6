package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/edinet-harvest/internal/retry"
	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// TempDirName is the per-run scratch area under the output directory.
const TempDirName = "temp"

// ContentFetcher downloads document archives and keeps the one payload file
// each archive is fetched for.
type ContentFetcher struct {
	client    Downloader
	outputDir string
	opts      Options
}

// NewContentFetcher wires a content fetcher writing into outputDir.
func NewContentFetcher(client Downloader, outputDir string, opts Options) *ContentFetcher {
	return &ContentFetcher{client: client, outputDir: outputDir, opts: opts.withDefaults()}
}

// Fetch downloads one document, unpacks it under {outputDir}/temp/{docID} and
// copies the largest file of the chosen encoding to
// {outputDir}/{entity}_{YYYYMMDD}_{docType}.{ext}. The scratch area is removed
// whatever the outcome.
func (f *ContentFetcher) Fetch(ctx context.Context, d types.DocumentDescriptor) types.FetchOutcome {
	format, ok := d.PreferredFormat()
	if !ok {
		err := fmt.Errorf("%s: %w (csv=%s xbrl=%s)", d.DocID, types.ErrUnsupportedFormat, d.CSVFlag, d.XBRLFlag)
		return f.finish(d, "", "", err)
	}

	f.opts.Logger.Debug("retrieving document", "doc_id", d.DocID, "format", format)

	op := admitted(f.opts.Limiter, func(ctx context.Context) ([]byte, error) {
		return f.client.DocumentContent(ctx, d.DocID, format)
	})
	body, err := retry.Do(ctx, f.opts.Executor, OpContent, f.opts.policy(retry.ContentJitterFloor), op)
	if err != nil {
		return f.finish(d, format, "", fmt.Errorf("%s: %w", d.DocID, err))
	}

	path, err := f.store(d, format, body)
	return f.finish(d, format, path, err)
}

func (f *ContentFetcher) finish(d types.DocumentDescriptor, format types.Format, path string, err error) types.FetchOutcome {
	f.opts.Metrics.RecordContentRequest(format, err)
	if err != nil {
		f.opts.Metrics.RecordSkipped(err)
		f.opts.Logger.Warn("document skipped",
			"doc_id", d.DocID,
			"entity", d.EntityCode,
			"kind", types.KindOf(err),
			"error", err)
		return types.FetchOutcome{Descriptor: d, Err: err}
	}
	f.opts.Logger.Info("document saved", "doc_id", d.DocID, "path", path)
	return types.FetchOutcome{Descriptor: d, Path: path}
}

// store persists the archive, extracts it and copies the payload out.
func (f *ContentFetcher) store(d types.DocumentDescriptor, format types.Format, body []byte) (string, error) {
	temp := filepath.Join(f.outputDir, TempDirName, d.DocID)
	defer func() {
		if err := os.RemoveAll(temp); err != nil {
			f.opts.Logger.Error("failed to clean temporary area", "doc_id", d.DocID, "error", err)
		}
	}()

	if err := os.MkdirAll(temp, 0o755); err != nil {
		return "", fmt.Errorf("%s: %w: %v", d.DocID, types.ErrExtraction, err)
	}
	archive := filepath.Join(temp, d.DocID+".zip")
	if err := os.WriteFile(archive, body, 0o644); err != nil {
		return "", fmt.Errorf("%s: %w: save archive: %v", d.DocID, types.ErrExtraction, err)
	}

	files, err := unzip(archive, filepath.Join(temp, "extracted"))
	if err != nil {
		return "", fmt.Errorf("%s: %w", d.DocID, err)
	}
	payload, ok := largestWithExt(files, format.Ext())
	if !ok {
		return "", fmt.Errorf("%s: %w: no %s file in archive", d.DocID, types.ErrExtraction, format.Ext())
	}

	dst := filepath.Join(f.outputDir, d.OutputName(format))
	if err := copyInto(payload.path, dst); err != nil {
		return "", fmt.Errorf("%s: %w: %v", d.DocID, types.ErrCopy, err)
	}
	return dst, nil
}

// FetchAll fetches the first limit descriptors (all of them when limit <= 0)
// concurrently and returns the paths of the successful ones. Concurrency is
// bounded only by the rate limiter.
func (f *ContentFetcher) FetchAll(ctx context.Context, docs []types.DocumentDescriptor, limit int) []string {
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	if err := os.MkdirAll(f.outputDir, 0o755); err != nil {
		f.opts.Logger.Error("cannot create output directory", "dir", f.outputDir, "error", err)
		return nil
	}

	var (
		mu    sync.Mutex
		paths []string
		done  int
		g     errgroup.Group
	)
	for _, d := range docs {
		g.Go(func() error {
			out := f.Fetch(ctx, d)
			mu.Lock()
			defer mu.Unlock()
			done++
			if out.OK() {
				paths = append(paths, out.Path)
			}
			f.opts.Logger.Debug("content progress", "completed", done, "total", len(docs))
			return nil
		})
	}
	_ = g.Wait()

	f.opts.Logger.Info("documents downloaded", "requested", len(docs), "saved", len(paths))
	return paths
}
