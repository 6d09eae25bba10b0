package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/withObsrvr/obsrvr-share-loader/internal/dispatch"
	"github.com/withObsrvr/obsrvr-share-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-share-loader/internal/partition"
)

// PlannerConfig holds partitioning settings.
type PlannerConfig struct {
	Table        string
	WorkPath     string
	Containers   int
	MinPerBucket int
}

// Plan is the result of one partition pass.
type Plan struct {
	Records  int
	Buckets  int
	Manifest []string // manifest keys in bucket order
}

// Planner splits unprocessed ledger records into workload manifests.
type Planner struct {
	ledger ledger.Ledger
	store  partition.Store
	queue  dispatch.Queue
	cfg    PlannerConfig
	now    func() time.Time
	log    *slog.Logger
}

// NewPlanner creates a planner. Manifests are written to store and published
// on queue.
func NewPlanner(l ledger.Ledger, store partition.Store, queue dispatch.Queue, cfg PlannerConfig, log *slog.Logger) *Planner {
	if cfg.MinPerBucket < 1 {
		cfg.MinPerBucket = partition.DefaultMinPerBucket
	}
	if cfg.Containers < 1 {
		cfg.Containers = 1
	}
	return &Planner{
		ledger: l,
		store:  store,
		queue:  queue,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.With("component", "planner"),
	}
}

// Run partitions every unprocessed record. Each run writes its manifests
// under a fresh run directory so completed manifests are never reused.
func (p *Planner) Run(ctx context.Context) (Plan, error) {
	var plan Plan

	if err := p.ledger.EnsureTable(ctx, p.cfg.Table); err != nil {
		return plan, fmt.Errorf("ensure ledger table: %w", err)
	}
	pending, err := p.ledger.FindUnprocessed(ctx, p.cfg.Table)
	if err != nil {
		return plan, fmt.Errorf("find unprocessed records: %w", err)
	}
	plan.Records = len(pending)
	if len(pending) == 0 {
		p.log.Info("no unprocessed records")
		return plan, nil
	}

	ids := make([]string, len(pending))
	for i, rec := range pending {
		ids[i] = rec.ID
	}

	plan.Buckets = partition.EffectiveBuckets(len(ids), p.cfg.Containers, p.cfg.MinPerBucket)
	if plan.Buckets < p.cfg.Containers {
		p.log.Info("container count reduced",
			"requested", p.cfg.Containers,
			"effective", plan.Buckets,
			"records", len(ids),
			"min_per_bucket", p.cfg.MinPerBucket,
		)
	}
	buckets := partition.Buckets(ids, p.cfg.Containers, p.cfg.MinPerBucket)

	runDir := path.Join(p.cfg.WorkPath, p.now().Format("20060102T150405Z"))
	keys, err := partition.NewWriter(p.store, runDir, p.log).Write(ctx, buckets)
	plan.Manifest = keys
	if err != nil {
		return plan, err
	}

	if err := p.queue.Publish(ctx, keys...); err != nil {
		return plan, err
	}

	p.log.Info("partition complete", "records", plan.Records, "manifests", len(keys), "run_dir", runDir)
	return plan, nil
}
