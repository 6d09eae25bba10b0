package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-multierror"

	"github.com/withObsrvr/obsrvr-share-loader/internal/batch"
	"github.com/withObsrvr/obsrvr-share-loader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-share-loader/internal/config"
	"github.com/withObsrvr/obsrvr-share-loader/internal/dispatch"
	"github.com/withObsrvr/obsrvr-share-loader/internal/ingest"
	"github.com/withObsrvr/obsrvr-share-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-share-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-share-loader/internal/metadoc"
	"github.com/withObsrvr/obsrvr-share-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-share-loader/internal/pipeline"
	"github.com/withObsrvr/obsrvr-share-loader/internal/platform"
	"github.com/withObsrvr/obsrvr-share-loader/internal/report"
	"github.com/withObsrvr/obsrvr-share-loader/internal/request"
	"github.com/withObsrvr/obsrvr-share-loader/internal/share"
	"github.com/withObsrvr/obsrvr-share-loader/internal/storage"
	"github.com/withObsrvr/obsrvr-share-loader/internal/transfer"
	"github.com/withObsrvr/obsrvr-share-loader/internal/workflow"
)

// app holds the configuration and the opened resources of one command.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	closers []func() error

	ledger ledger.Ledger
	stores map[string]*storage.Store
	queue  dispatch.Queue
}

// withApp loads and validates the configuration for mode, runs fn and
// releases every resource opened along the way.
func withApp(ctx context.Context, mode string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{
		Format:   cfg.Log.Format,
		Level:    cfg.Log.Level,
		Identity: cfg.Log.Identity,
	})
	log.Info("share-loader starting", "command", mode, "version", workflow.Version, "git_sha", workflow.GitSHA)

	if err := cfg.Validate(mode); err != nil {
		log.Error("invalid configuration", "error", err)
		return err
	}

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		log.Info("metrics server started", "address", cfg.Metrics.Address)
	}

	a := &app{cfg: cfg, log: log, stores: make(map[string]*storage.Store)}
	defer func() {
		if cerr := a.close(); cerr != nil {
			log.Warn("failed to release resources", "error", cerr)
		}
	}()

	if err := fn(ctx, a); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown complete", "command", mode)
			return nil
		}
		log.Error("command failed", "command", mode, "error", err)
		return err
	}
	log.Info("command complete", "command", mode)
	return nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of opening.
func (a *app) close() error {
	var errs *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (a *app) openLedger(ctx context.Context) (ledger.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	var l ledger.Ledger
	switch a.cfg.Ledger.Backend {
	case "memory":
		l = ledger.NewMemory()
	case "postgres":
		pg, err := ledger.NewPostgres(ctx, ledger.PostgresConfig{
			DSN:      a.cfg.Ledger.DSN,
			MaxConns: a.cfg.Ledger.MaxConns,
		}, a.log)
		if err != nil {
			return nil, err
		}
		l = pg
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", a.cfg.Ledger.Backend)
	}
	a.onClose(l.Close)
	a.ledger = l
	return l, nil
}

func (a *app) openStore(ctx context.Context, cfg config.StorageConfig) (*storage.Store, error) {
	id := fmt.Sprintf("%s|%s|%s|%s", cfg.Backend, cfg.Bucket, cfg.Prefix, cfg.LocalDir)
	if store, ok := a.stores[id]; ok {
		return store, nil
	}
	store, err := storage.Open(ctx, storage.Config{
		Backend:  cfg.Backend,
		Bucket:   cfg.Bucket,
		Prefix:   cfg.Prefix,
		LocalDir: cfg.LocalDir,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(store.Close)
	a.stores[id] = store
	return store, nil
}

func (a *app) openQueue(ctx context.Context) (dispatch.Queue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	q, err := dispatch.New(ctx, dispatch.Config{
		Backend:  a.cfg.Dispatch.Backend,
		URL:      a.cfg.Dispatch.URL,
		Password: a.cfg.Dispatch.Password,
		Key:      a.cfg.Dispatch.Key,
	}, a.log)
	if err != nil {
		return nil, err
	}
	a.onClose(q.Close)
	a.queue = q
	return q, nil
}

func (a *app) scheduler(name string, workers int) *batch.Scheduler {
	return batch.NewScheduler(name, batch.Config{
		Multiplier:   a.cfg.Load.BatchMultiplier,
		Workers:      workers,
		ChunkTimeout: a.cfg.Load.ChunkTimeout,
		RetryChunk:   a.cfg.Load.RetryChunk,
	}, a.log)
}

func (a *app) scan(ctx context.Context) (ingest.Summary, error) {
	l, err := a.openLedger(ctx)
	if err != nil {
		return ingest.Summary{}, err
	}
	records, err := a.openStore(ctx, a.cfg.Records)
	if err != nil {
		return ingest.Summary{}, err
	}
	source, err := a.openStore(ctx, a.cfg.Source.Storage)
	if err != nil {
		return ingest.Summary{}, err
	}

	paths := make([]ingest.PathFilter, 0, len(a.cfg.Source.Paths))
	for _, p := range a.cfg.Source.Paths {
		paths = append(paths, ingest.PathFilter{Path: p.Path, Extensions: p.Extensions})
	}

	ing := ingest.New(l,
		share.NewScanner(source, a.cfg.Source.LocatorExpiry, a.log),
		records,
		a.scheduler("scan", 0),
		ingest.Config{
			Table:        a.cfg.Load.Table,
			PartitionKey: a.cfg.Load.PartitionKey,
			MetaPath:     a.cfg.Workloads.MetaPath,
			Access: metadoc.Access{
				Viewer:   a.cfg.Request.ACLViewer,
				Owner:    a.cfg.Request.ACLOwner,
				LegalTag: a.cfg.Request.LegalTag,
			},
			Paths: paths,
		},
		a.log,
	)

	summary, err := ing.Run(ctx)
	if err != nil {
		return summary, err
	}
	a.log.Info("scan complete", "paths", len(summary.Paths), "registered", summary.Registered())
	return summary, nil
}

func (a *app) partition(ctx context.Context) (workflow.Plan, error) {
	l, err := a.openLedger(ctx)
	if err != nil {
		return workflow.Plan{}, err
	}
	records, err := a.openStore(ctx, a.cfg.Records)
	if err != nil {
		return workflow.Plan{}, err
	}
	queue, err := a.openQueue(ctx)
	if err != nil {
		return workflow.Plan{}, err
	}

	planner := workflow.NewPlanner(l, records, queue, workflow.PlannerConfig{
		Table:        a.cfg.Load.Table,
		WorkPath:     a.cfg.Workloads.WorkPath,
		Containers:   a.cfg.Load.ContainerCount,
		MinPerBucket: a.cfg.Load.MinPerBucket,
	}, a.log)
	return planner.Run(ctx)
}

func (a *app) workflow(ctx context.Context) (workflow.Summary, error) {
	l, err := a.openLedger(ctx)
	if err != nil {
		return workflow.Summary{}, err
	}
	records, err := a.openStore(ctx, a.cfg.Records)
	if err != nil {
		return workflow.Summary{}, err
	}
	queue, err := a.openQueue(ctx)
	if err != nil {
		return workflow.Summary{}, err
	}
	cps, err := checkpoint.NewManager(checkpoint.Config{
		Enabled:    a.cfg.Checkpoint.Enabled,
		Dir:        a.cfg.Checkpoint.Dir,
		StaleAfter: a.cfg.Checkpoint.StaleAfter,
	})
	if err != nil {
		return workflow.Summary{}, err
	}

	workerID := a.cfg.Log.Identity
	log := logging.WorkerLogger(a.log, workerID)

	httpClient := platform.NewHTTPClient(ctx, platform.AuthConfig{
		TenantID:     a.cfg.Platform.Tenant,
		ClientID:     a.cfg.Platform.Client,
		ClientSecret: a.cfg.Platform.Secret,
		TokenURL:     a.cfg.Platform.TokenURL,
		Timeout:      a.cfg.Platform.Timeout,
	})
	exec := request.NewExecutor(httpClient, request.Config{
		MaxAttempts:          a.cfg.Request.MaxAttempts,
		BaseDelay:            a.cfg.Request.BaseDelay,
		Step:                 a.cfg.Request.Step,
		ColdStartPause:       a.cfg.Request.ColdStartPause,
		AllowConnectionRetry: a.cfg.Request.AllowConnectionRetry,
		RateLimit:            a.cfg.Request.RateLimit,
		RateBurst:            a.cfg.Request.RateBurst,
	}, log)
	client := platform.NewClient(exec, platform.Config{
		FileURL:       a.cfg.Connection.FileURL,
		StorageURL:    a.cfg.Connection.StorageURL,
		DataPartition: a.cfg.Platform.DataPartition,
	}, log)

	uploader := pipeline.New(client, records, transfer.NewAzureCopier(log), pipeline.Config{
		Throughput: a.cfg.Request.Throughput,
	}, log)

	worker := workflow.NewWorker(workflow.Deps{
		Ledger:      l,
		Store:       records,
		Queue:       queue,
		Checkpoints: cps,
		Uploader:    uploader,
		Exporter: report.NewExporter(records, report.Config{
			Dir:         a.cfg.Workloads.ReportPath,
			Compression: a.cfg.Workloads.ReportCompression,
		}, workerID, log),
		Fetch:  a.scheduler("fetch", a.cfg.Load.FetchWorkers),
		Upload: a.scheduler("upload", 0),
	}, workflow.Config{
		Table:    a.cfg.Load.Table,
		Manifest: a.cfg.WorkflowRecord,
		WorkerID: workerID,
	}, log)

	return worker.Run(ctx)
}
