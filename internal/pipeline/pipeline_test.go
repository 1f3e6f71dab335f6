package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edinet-harvest/internal/fetcher"
	"github.com/ChuLiYu/edinet-harvest/internal/metrics"
	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

var ref = types.EntityReference{
	"E00001": {Code: "E00001", Name: "Alpha Holdings", Industry: "Retail"},
	"E00002": {Code: "E00002", Name: "Beta Corp", Industry: "Machinery"},
}

func xbrl(periodEnd string, revenues ...string) string {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<xbrli:xbrl xmlns:xbrli="http://www.xbrl.org/2003/instance" xmlns:jpdei_cor="urn:jpdei" xmlns:jpcrp_cor="urn:jpcrp">
  <jpdei_cor:CurrentPeriodEndDateDEI contextRef="FilingDateInstant">` + periodEnd + `</jpdei_cor:CurrentPeriodEndDateDEI>
  <jpdei_cor:NumberOfSubmissionDEI contextRef="FilingDateInstant">1</jpdei_cor:NumberOfSubmissionDEI>
`
	contexts := []string{"CurrentYearDuration", "Prior1YearDuration", "Prior2YearDuration"}
	for i, r := range revenues {
		body += fmt.Sprintf("  <jpcrp_cor:NetSales contextRef=%q unitRef=\"JPY\">%s</jpcrp_cor:NetSales>\n", contexts[i], r)
	}
	return body + "</xbrli:xbrl>\n"
}

func descriptor(t *testing.T, entity, docID, docType, submitted string) types.DocumentDescriptor {
	t.Helper()
	d, err := types.NewDocumentDescriptor(entity, docID, docType, submitted, types.FlagOff, types.FlagOn)
	require.NoError(t, err)
	return d
}

type fakeIndex struct {
	docs  []types.DocumentDescriptor
	err   error
	calls atomic.Int32
}

func (f *fakeIndex) Fetch(_ context.Context, start, end time.Time) ([]types.DocumentDescriptor, error) {
	f.calls.Add(1)
	return f.docs, f.err
}

// fakeContent writes the payload registered for each document id into dir.
type fakeContent struct {
	dir      string
	payloads map[string]string
	got      []types.DocumentDescriptor
	limit    int
}

func (f *fakeContent) FetchAll(_ context.Context, docs []types.DocumentDescriptor, limit int) []string {
	f.got, f.limit = docs, limit
	var paths []string
	for _, d := range docs {
		body, ok := f.payloads[d.DocID]
		if !ok {
			continue
		}
		p := filepath.Join(f.dir, d.OutputName(types.FormatTagged))
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			panic(err)
		}
		paths = append(paths, p)
	}
	return paths
}

type fakeWriter struct {
	calls   int
	records []types.FilingRecord
	err     error
}

func (f *fakeWriter) Write(records []types.FilingRecord) error {
	f.calls++
	f.records = records
	return f.err
}

func staticRef() ReferenceLoader {
	return ReferenceFunc(func() (types.EntityReference, error) { return ref, nil })
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func baseConfig(dir string) Config {
	return Config{
		StartDate: "2024-06-01",
		EndDate:   "2024-06-03",
		DocTypes:  []string{"120", "130"},
		OutputDir: dir,
		Workers:   2,
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, fetcher.TempDirName, "leftover"), 0o755))

	index := &fakeIndex{docs: []types.DocumentDescriptor{
		descriptor(t, "E00001", "D1", "120", "2024-06-01 09:00"),
		descriptor(t, "E00001", "D2", "130", "2024-06-02 09:00"),
		descriptor(t, "E00002", "D3", "120", "2024-06-02 10:00"),
		descriptor(t, "E00009", "D4", "120", "2024-06-02 11:00"),
		descriptor(t, "E00002", "D5", "350", "2024-06-03 09:00"),
	}}
	content := &fakeContent{dir: dir, payloads: map[string]string{
		"D1": xbrl("2023-03-31", "1"),
		"D2": xbrl("2024-03-31", "300", "200"),
		"D3": xbrl("2023-12-31", "50"),
	}}
	writer := &fakeWriter{}
	reg := prometheus.NewRegistry()

	cfg := baseConfig(dir)
	cfg.Limit = 10
	cfg.PruneUnselected = true
	p := New(cfg, staticRef(), index, content, writer,
		WithMetrics(metrics.NewCollector(reg)),
		WithLogger(quiet()))

	sum, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Dates)
	assert.Equal(t, 5, sum.Descriptors)
	assert.Equal(t, 3, sum.Filtered, "unknown entity and doc type 350 are dropped")
	assert.Equal(t, 10, content.limit)
	assert.Equal(t, 3, sum.Downloaded)
	assert.Equal(t, 2, sum.Selected)
	assert.Equal(t, 1, sum.Pruned)
	assert.Equal(t, 3, sum.Records)
	assert.Positive(t, sum.Elapsed)

	require.Equal(t, 1, writer.calls)
	require.Len(t, writer.records, 3)
	assert.Equal(t, types.FilingRecord{Year: 2024, CompanyName: "Alpha Holdings", Industry: "Retail", Country: "Japan", Revenue: 300, RevenueUnit: "JPY"}, writer.records[0])
	assert.Equal(t, 2023, writer.records[1].Year)
	assert.Equal(t, "Beta Corp", writer.records[2].CompanyName)

	_, err = os.Stat(filepath.Join(dir, "E00001_20240601_120.xbrl"))
	assert.True(t, os.IsNotExist(err), "superseded filing is pruned")
	_, err = os.Stat(filepath.Join(dir, "E00001_20240602_130.xbrl"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, fetcher.TempDirName))
	assert.True(t, os.IsNotExist(err), "temp area is removed after downloads")

	families, err := reg.Gather()
	require.NoError(t, err)
	stages := map[string]bool{}
	for _, f := range families {
		if f.GetName() != "edinet_stage_duration_seconds" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				stages[l.GetValue()] = true
			}
		}
	}
	for _, s := range []string{StageReference, StageIndex, StageContent, StageParse, StageWrite} {
		assert.True(t, stages[s], "stage %s observed", s)
	}
}

func TestRunInvalidRangeMakesNoRequest(t *testing.T) {
	index := &fakeIndex{}
	writer := &fakeWriter{}
	loaded := false
	loader := ReferenceFunc(func() (types.EntityReference, error) {
		loaded = true
		return ref, nil
	})

	cfg := baseConfig(t.TempDir())
	cfg.StartDate, cfg.EndDate = "2024-06-03", "2024-06-01"
	_, err := New(cfg, loader, index, &fakeContent{}, writer, WithLogger(quiet())).Run(context.Background())

	assert.ErrorIs(t, err, types.ErrInvalidRange)
	assert.False(t, loaded)
	assert.Zero(t, index.calls.Load())
	assert.Zero(t, writer.calls)
}

func TestRunNoRecordsNeverWrites(t *testing.T) {
	dir := t.TempDir()
	index := &fakeIndex{docs: []types.DocumentDescriptor{
		descriptor(t, "E00001", "D1", "120", "2024-06-01 09:00"),
	}}
	content := &fakeContent{dir: dir, payloads: map[string]string{
		"D1": xbrl("not a date", "1"),
	}}
	writer := &fakeWriter{}

	sum, err := New(baseConfig(dir), staticRef(), index, content, writer, WithLogger(quiet())).Run(context.Background())
	assert.ErrorIs(t, err, types.ErrNoRecords)
	assert.Equal(t, 1, sum.Downloaded)
	assert.Zero(t, sum.Records)
	assert.Zero(t, writer.calls)
}

func TestRunNothingDownloaded(t *testing.T) {
	writer := &fakeWriter{}
	_, err := New(baseConfig(t.TempDir()), staticRef(), &fakeIndex{}, &fakeContent{}, writer, WithLogger(quiet())).
		Run(context.Background())
	assert.ErrorIs(t, err, types.ErrNoRecords)
	assert.Zero(t, writer.calls)
}

func TestRunStageErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("reference", func(t *testing.T) {
		loader := ReferenceFunc(func() (types.EntityReference, error) { return nil, boom })
		index := &fakeIndex{}
		_, err := New(baseConfig(t.TempDir()), loader, index, &fakeContent{}, &fakeWriter{}, WithLogger(quiet())).
			Run(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, index.calls.Load())
	})

	t.Run("writer", func(t *testing.T) {
		dir := t.TempDir()
		index := &fakeIndex{docs: []types.DocumentDescriptor{descriptor(t, "E00002", "D1", "120", "2024-06-01")}}
		content := &fakeContent{dir: dir, payloads: map[string]string{"D1": xbrl("2024-03-31", "10")}}
		writer := &fakeWriter{err: boom}

		sum, err := New(baseConfig(dir), staticRef(), index, content, writer, WithLogger(quiet())).Run(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, sum.Records)
		assert.Equal(t, 1, writer.calls)
	})
}

func TestRunKeepsUnselectedWithoutPrune(t *testing.T) {
	dir := t.TempDir()
	index := &fakeIndex{docs: []types.DocumentDescriptor{
		descriptor(t, "E00002", "D1", "120", "2024-06-01"),
		descriptor(t, "E00002", "D2", "120", "2024-06-02"),
	}}
	content := &fakeContent{dir: dir, payloads: map[string]string{
		"D1": xbrl("2024-03-31", "10"),
		"D2": xbrl("2024-03-31", "20"),
	}}
	writer := &fakeWriter{}

	sum, err := New(baseConfig(dir), staticRef(), index, content, writer, WithLogger(quiet())).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Selected)
	assert.Zero(t, sum.Pruned)
	require.Len(t, writer.records, 1)
	assert.Equal(t, int64(10), writer.records[0].Revenue, "first seen filing wins without a correction")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
