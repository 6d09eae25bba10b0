// Package workflow runs the partition pass and the per-manifest upload
// worker.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-share-loader/internal/batch"
	"github.com/withObsrvr/obsrvr-share-loader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-share-loader/internal/dispatch"
	"github.com/withObsrvr/obsrvr-share-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-share-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-share-loader/internal/partition"
	"github.com/withObsrvr/obsrvr-share-loader/internal/pipeline"
	"github.com/withObsrvr/obsrvr-share-loader/internal/report"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ErrNoManifest is returned when no manifest was configured and none is queued.
var ErrNoManifest = errors.New("no workload manifest to process")

// Uploader drives one record through the upload sequence.
type Uploader interface {
	Run(ctx context.Context, rec ledger.Record) pipeline.Result
}

// Exporter writes the run report.
type Exporter interface {
	Export(ctx context.Context, manifest string, results []pipeline.Result) (report.Artifacts, error)
}

// Config holds worker settings.
type Config struct {
	Table    string
	Manifest string // explicit manifest key; popped from the queue when empty
	WorkerID string
}

// Summary is the tally of one worker run.
type Summary struct {
	Manifest         string
	Records          int
	Missing          int
	AlreadyProcessed int
	Confirmed        int
	Failed           int
	FinalizeErrors   int
	Dropped          int
	NotUploaded      []string
	Artifacts        report.Artifacts
	Duration         time.Duration
}

// Worker consumes one workload manifest.
type Worker struct {
	ledger      ledger.Ledger
	store       partition.Store
	queue       dispatch.Queue
	checkpoints checkpoint.Manager
	uploader    Uploader
	exporter    Exporter
	fetch       *batch.Scheduler
	upload      *batch.Scheduler
	cfg         Config
	now         func() time.Time
	log         *slog.Logger
}

// Deps are the collaborators of a Worker. Exporter may be nil.
type Deps struct {
	Ledger      ledger.Ledger
	Store       partition.Store
	Queue       dispatch.Queue
	Checkpoints checkpoint.Manager
	Uploader    Uploader
	Exporter    Exporter
	Fetch       *batch.Scheduler
	Upload      *batch.Scheduler
}

// NewWorker creates a worker.
func NewWorker(deps Deps, cfg Config, log *slog.Logger) *Worker {
	return &Worker{
		ledger:      deps.Ledger,
		store:       deps.Store,
		queue:       deps.Queue,
		checkpoints: deps.Checkpoints,
		uploader:    deps.Uploader,
		exporter:    deps.Exporter,
		fetch:       deps.Fetch,
		upload:      deps.Upload,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log.With("component", "workflow", "worker_id", cfg.WorkerID),
	}
}

// Run processes one manifest end to end. Per-record failures are recorded in
// the ledger and the summary; only setup failures are returned.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	began := time.Now()
	var summary Summary

	key, err := w.resolveManifest(ctx)
	if err != nil {
		return summary, err
	}
	summary.Manifest = key
	log := w.log.With("manifest", key)

	cp, err := w.checkpoints.Claim(ctx, key, w.cfg.WorkerID)
	if err != nil {
		return summary, fmt.Errorf("claim manifest: %w", err)
	}

	ids, err := partition.Read(ctx, w.store, key)
	if err != nil {
		return summary, err
	}
	log.Info("manifest claimed", "records", len(ids), "workers", w.upload.Workers())

	records := w.fetchRecords(ctx, ids, &summary)
	summary.Records = len(records)

	rep := batch.Run(ctx, w.upload, records, w.process)

	results := make([]pipeline.Result, 0, len(rep.Results))
	for _, r := range rep.Results {
		res := r.Value
		if res.RecordID == "" {
			res = pipeline.Result{
				RecordID: records[r.Index].ID,
				FileName: records[r.Index].FileName,
				Terminal: pipeline.StageFailed,
				Cause:    r.Err,
			}
		}
		results = append(results, res)

		if r.Err != nil {
			summary.FinalizeErrors++
			log.Error("failed to finalize record", "record_id", res.RecordID, "error", r.Err)
		}
		if res.Confirmed() {
			summary.Confirmed++
		} else {
			summary.Failed++
			summary.NotUploaded = append(summary.NotUploaded, res.FileName)
		}
	}
	summary.Dropped += rep.DroppedItems

	if len(summary.NotUploaded) > 0 {
		log.Warn("files not uploaded", "count", len(summary.NotUploaded), "files", summary.NotUploaded)
	}

	if w.exporter != nil && len(results) > 0 {
		art, err := w.exporter.Export(ctx, key, results)
		if err != nil {
			log.Warn("failed to write run report", "error", err)
		}
		summary.Artifacts = art
	}

	cp.State = checkpoint.StateDone
	cp.Records = len(ids)
	cp.Confirmed = summary.Confirmed
	cp.Failed = summary.Failed
	cp.Dropped = summary.Dropped
	if err := w.checkpoints.Save(ctx, cp); err != nil {
		log.Warn("failed to save checkpoint", "error", err)
	}

	summary.Duration = time.Since(began)
	log.Info("workflow complete",
		"records", summary.Records,
		"confirmed", summary.Confirmed,
		"failed", summary.Failed,
		"dropped", summary.Dropped,
		"missing", summary.Missing,
		"already_processed", summary.AlreadyProcessed,
		"duration", summary.Duration.String(),
	)
	return summary, nil
}

func (w *Worker) resolveManifest(ctx context.Context) (string, error) {
	if w.cfg.Manifest != "" {
		return w.cfg.Manifest, nil
	}
	key, err := w.queue.Pop(ctx)
	if errors.Is(err, dispatch.ErrEmpty) {
		return "", ErrNoManifest
	}
	if err != nil {
		return "", fmt.Errorf("pop manifest: %w", err)
	}
	return key, nil
}

// fetchRecords loads the manifest's records in parallel, skipping IDs that
// are missing or already processed.
func (w *Worker) fetchRecords(ctx context.Context, ids []string, summary *Summary) []ledger.Record {
	rep := batch.Run(ctx, w.fetch, ids, func(ctx context.Context, id string) (*ledger.Record, error) {
		found, err := w.ledger.FindByID(ctx, w.cfg.Table, id)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", id, err)
		}
		if len(found) == 0 {
			return nil, nil
		}
		return &found[0], nil
	})

	records := make([]ledger.Record, 0, len(rep.Results))
	for _, r := range rep.Results {
		switch {
		case r.Err != nil:
			summary.Missing++
			w.log.Warn("failed to fetch record", "record_id", ids[r.Index], "error", r.Err)
		case r.Value == nil:
			summary.Missing++
			w.log.Warn("record in manifest not found in ledger", "record_id", ids[r.Index])
		case r.Value.Processed:
			summary.AlreadyProcessed++
			w.log.Info("record already processed, skipping", "record_id", r.Value.ID, "file_name", r.Value.FileName)
		default:
			records = append(records, *r.Value)
		}
	}
	summary.Dropped += rep.DroppedItems
	return records
}

// process runs one record and writes its final state back to the ledger.
func (w *Worker) process(ctx context.Context, rec ledger.Record) (pipeline.Result, error) {
	res := w.uploader.Run(ctx, rec)

	updated := Finalize(rec, res, w.cfg.WorkerID, w.now())
	if err := w.ledger.Update(ctx, w.cfg.Table, updated); err != nil {
		return res, fmt.Errorf("finalize %s: %w", rec.ID, err)
	}

	if m := metrics.Get(); m != nil {
		labels := metrics.Labels{Table: w.cfg.Table}
		if res.Confirmed() {
			m.IncRecordsConfirmed(labels)
		} else {
			labels.Stage = res.FailedStage().String()
			m.IncRecordsFailed(labels)
		}
	}
	return res, nil
}
