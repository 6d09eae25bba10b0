// Package pipeline drives one ledger record through the remote upload
// sequence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-share-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-share-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-share-loader/internal/metadoc"
	"github.com/withObsrvr/obsrvr-share-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-share-loader/internal/platform"
	"github.com/withObsrvr/obsrvr-share-loader/internal/request"
	"github.com/withObsrvr/obsrvr-share-loader/internal/transfer"
)

// ErrStagedMetadataInvalid is returned when a record's staged metadata is
// missing or unusable.
var ErrStagedMetadataInvalid = errors.New("staged metadata invalid")

// Stage is a step of the upload sequence.
type Stage int

const (
	StageDiscovered Stage = iota
	StageMetadataStaged
	StageURLAcquired
	StageTransferred
	StageMetadataPosted
	StageConfirmed
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageDiscovered:
		return "discovered"
	case StageMetadataStaged:
		return "metadata_staged"
	case StageURLAcquired:
		return "url_acquired"
	case StageTransferred:
		return "transferred"
	case StageMetadataPosted:
		return "metadata_posted"
	case StageConfirmed:
		return "confirmed"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Platform is the remote API the pipeline calls.
type Platform interface {
	UploadURL(ctx context.Context) (platform.UploadLocation, request.Outcome, error)
	PostMetadata(ctx context.Context, doc []byte) (string, request.Outcome, error)
	Versions(ctx context.Context, id string) ([]string, request.Outcome, error)
}

// DocReader reads staged metadata documents.
type DocReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// Result is the terminal state of one record.
type Result struct {
	RecordID string
	FileName string

	// Terminal is StageConfirmed or StageFailed.
	Terminal Stage
	// Reached is the last stage completed.
	Reached Stage

	Cause      error
	StatusCode int

	MetaID      string
	FileSource  string
	FileVersion string

	Outcomes []request.Outcome
	Duration time.Duration
}

// Confirmed reports whether the record was uploaded and confirmed.
func (r Result) Confirmed() bool {
	return r.Terminal == StageConfirmed
}

// FailedStage returns the stage that failed, or StageConfirmed on success.
func (r Result) FailedStage() Stage {
	if r.Confirmed() {
		return StageConfirmed
	}
	return r.Reached + 1
}

// Config tunes the pipeline.
type Config struct {
	// Throughput is the assumed copy rate in MiB/s.
	Throughput float64
}

// Pipeline runs the upload sequence. It is safe for concurrent use.
type Pipeline struct {
	platform   Platform
	docs       DocReader
	copier     transfer.Copier
	throughput float64
	sleep      func(ctx context.Context, d time.Duration) error
	log        *slog.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithSleep replaces the wait applied after starting a copy.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) {
		p.sleep = fn
	}
}

// New creates a pipeline.
func New(pf Platform, docs DocReader, copier transfer.Copier, cfg Config, log *slog.Logger, opts ...Option) *Pipeline {
	throughput := cfg.Throughput
	if throughput <= 0 {
		throughput = transfer.DefaultThroughput
	}
	p := &Pipeline{
		platform:   pf,
		docs:       docs,
		copier:     copier,
		throughput: throughput,
		sleep:      sleepContext,
		log:        log.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run drives rec to a terminal stage. It never panics across its boundary
// and reports every failure in the returned Result.
func (p *Pipeline) Run(ctx context.Context, rec ledger.Record) (res Result) {
	began := time.Now()
	res = Result{
		RecordID: rec.ID,
		FileName: rec.FileName,
		Reached:  StageDiscovered,
	}
	log := logging.RecordLogger(p.log, rec.ID, rec.FileName)

	defer func() {
		if r := recover(); r != nil {
			res.Terminal = StageFailed
			res.Cause = fmt.Errorf("pipeline panic: %v", r)
		}
		res.Duration = time.Since(began)

		outcome := "confirmed"
		if !res.Confirmed() {
			outcome = "failed"
			log.Warn("record failed",
				"stage", res.FailedStage().String(),
				"status", res.StatusCode,
				"error", res.Cause,
			)
		}
		if m := metrics.Get(); m != nil {
			m.ObservePipelineDuration(metrics.Labels{Outcome: outcome}, res.Duration.Seconds())
		}
	}()

	// StatusCode only carries a failing HTTP status; a 2xx response whose
	// body was unusable leaves it zero.
	fail := func(cause error, out *request.Outcome) Result {
		res.Terminal = StageFailed
		res.Cause = cause
		if out != nil && out.FinalStatus != 0 && request.Classify(out.FinalStatus) != request.ClassSuccess {
			res.StatusCode = out.FinalStatus
		}
		return res
	}

	// Staged metadata
	if rec.MetadataPointer == "" {
		return fail(fmt.Errorf("%w: record has no metadata pointer", ErrStagedMetadataInvalid), nil)
	}
	staged, err := p.docs.Read(ctx, rec.MetadataPointer)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrStagedMetadataInvalid, err), nil)
	}
	if err := metadoc.Validate(staged); err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrStagedMetadataInvalid, rec.MetadataPointer, err), nil)
	}
	res.Reached = StageMetadataStaged

	// Upload location
	loc, out, err := p.platform.UploadURL(ctx)
	res.Outcomes = append(res.Outcomes, out)
	if err != nil {
		return fail(err, &out)
	}
	doc, err := metadoc.Substitute(staged, loc.FileSource)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrStagedMetadataInvalid, err), nil)
	}
	res.FileSource = loc.FileSource
	res.Reached = StageURLAcquired

	// Transfer
	if err := p.copier.StartCopy(ctx, loc.SignedURL, rec.SourceLocator); err != nil {
		if errors.Is(err, transfer.ErrInvalidTarget) {
			return fail(err, nil)
		}
		log.Warn("copy request failed, continuing", "error", err)
	}
	wait := transfer.EstimateWait(rec.FileSize, p.throughput)
	if m := metrics.Get(); m != nil {
		m.ObserveTransferWait(wait.Seconds())
	}
	if err := p.sleep(ctx, wait); err != nil {
		return fail(fmt.Errorf("wait for copy: %w", err), nil)
	}
	res.Reached = StageTransferred

	// Metadata submission
	metaID, out, err := p.platform.PostMetadata(ctx, doc)
	res.Outcomes = append(res.Outcomes, out)
	if err != nil {
		return fail(err, &out)
	}
	res.MetaID = metaID
	res.Reached = StageMetadataPosted

	// Confirmation
	versions, out, err := p.platform.Versions(ctx, metaID)
	res.Outcomes = append(res.Outcomes, out)
	if err != nil {
		return fail(err, &out)
	}
	res.FileVersion = versions[0]
	res.Reached = StageConfirmed
	res.Terminal = StageConfirmed

	log.Debug("record confirmed", "meta_id", metaID, "version", res.FileVersion)
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
