// Package ingest records newly discovered share files in the ledger.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/obsrvr-share-loader/internal/batch"
	"github.com/withObsrvr/obsrvr-share-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-share-loader/internal/metadoc"
	"github.com/withObsrvr/obsrvr-share-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-share-loader/internal/share"
)

// PathFilter selects files in one share directory by extension.
type PathFilter struct {
	Path       string
	Extensions []string
}

// Config holds ingest settings.
type Config struct {
	Table        string
	PartitionKey string
	MetaPath     string
	Access       metadoc.Access
	Paths        []PathFilter
}

// Scanner lists candidate files.
type Scanner interface {
	Scan(ctx context.Context, dir string, exts []string) ([]share.File, error)
}

// PathSummary is the tally for one scanned path.
type PathSummary struct {
	Path       string
	Found      int
	Registered int
	Duplicate  int
	Failed     int
	Dropped    int
	Skipped    bool
}

// Summary is the tally of one scan pass.
type Summary struct {
	Paths []PathSummary
}

// Registered returns the total number of new records.
func (s Summary) Registered() int {
	n := 0
	for _, p := range s.Paths {
		n += p.Registered
	}
	return n
}

// Ingester runs the scan pass.
type Ingester struct {
	ledger  ledger.Ledger
	scanner Scanner
	records metadoc.Writer
	sched   *batch.Scheduler
	cfg     Config
	log     *slog.Logger
}

// New creates an ingester. Staged metadata is written to records.
func New(l ledger.Ledger, scanner Scanner, records metadoc.Writer, sched *batch.Scheduler, cfg Config, log *slog.Logger) *Ingester {
	return &Ingester{
		ledger:  l,
		scanner: scanner,
		records: records,
		sched:   sched,
		cfg:     cfg,
		log:     log.With("component", "ingest"),
	}
}

// Run scans every configured path and records files not yet in the ledger.
func (i *Ingester) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	if err := i.ledger.EnsureTable(ctx, i.cfg.Table); err != nil {
		return summary, fmt.Errorf("ensure ledger table: %w", err)
	}

	for _, filter := range i.cfg.Paths {
		ps, err := i.scanPath(ctx, filter)
		if err != nil {
			return summary, err
		}
		summary.Paths = append(summary.Paths, ps)
	}
	return summary, nil
}

func (i *Ingester) scanPath(ctx context.Context, filter PathFilter) (PathSummary, error) {
	ps := PathSummary{Path: filter.Path}

	files, err := i.scanner.Scan(ctx, filter.Path, filter.Extensions)
	if errors.Is(err, share.ErrPathNotFound) {
		i.log.Warn("path does not exist on the share, skipping", "path", filter.Path)
		ps.Skipped = true
		return ps, nil
	}
	if err != nil {
		return ps, fmt.Errorf("scan %s: %w", filter.Path, err)
	}

	ps.Found = len(files)
	if m := metrics.Get(); m != nil {
		m.AddFilesScanned(metrics.Labels{Path: filter.Path}, float64(len(files)))
	}
	i.log.Info("files to process", "path", filter.Path, "count", len(files), "extensions", filter.Extensions)

	report := batch.Run(ctx, i.sched, files, i.ingestFile)
	for _, res := range report.Results {
		switch {
		case res.Err != nil:
			ps.Failed++
			i.log.Error("failed to record file", "error", res.Err)
		case res.Value:
			ps.Registered++
		default:
			ps.Duplicate++
		}
	}
	ps.Dropped = report.DroppedItems

	i.log.Info(fmt.Sprintf("%s : %d registered, %d duplicate", filter.Path, ps.Registered, ps.Duplicate),
		"failed", ps.Failed,
		"dropped", ps.Dropped,
	)
	return ps, nil
}

// ingestFile records f and reports whether it was new.
func (i *Ingester) ingestFile(ctx context.Context, f share.File) (bool, error) {
	labels := metrics.Labels{Table: i.cfg.Table}

	existing, err := i.ledger.FindByName(ctx, i.cfg.Table, f.Name)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", f.Name, err)
	}
	if len(existing) > 0 {
		i.log.Info("file already ingested", "file_name", f.Name)
		if m := metrics.Get(); m != nil {
			m.IncRecordsDuplicate(labels)
		}
		return false, nil
	}

	doc := metadoc.Generate(i.cfg.Access, f.Name)
	pointer, err := metadoc.Stage(ctx, i.records, i.cfg.MetaPath, doc)
	if err != nil {
		return false, err
	}

	rec := ledger.NewRecord(i.cfg.PartitionKey, f.Name)
	rec.FileSize = f.Size
	rec.SourceLocator = f.Locator
	rec.MetadataPointer = pointer

	inserted, err := i.ledger.Insert(ctx, i.cfg.Table, rec)
	if err != nil {
		return false, fmt.Errorf("record %s: %w", f.Name, err)
	}
	if !inserted {
		i.log.Info("file already ingested", "file_name", f.Name, "orphaned_metadata", pointer)
		if m := metrics.Get(); m != nil {
			m.IncRecordsDuplicate(labels)
		}
		return false, nil
	}

	if m := metrics.Get(); m != nil {
		m.IncRecordsIngested(labels)
	}
	return true, nil
}
