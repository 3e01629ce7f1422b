// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// refresher is the single binary behind every pipeline stage. Each subcommand
// runs one stage, either as a single pass or as a service loop with its
// Prometheus endpoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/IATI/refresher/pipeline/bds"
	"github.com/IATI/refresher/pipeline/clean"
	"github.com/IATI/refresher/pipeline/config"
	"github.com/IATI/refresher/pipeline/download"
	"github.com/IATI/refresher/pipeline/flatten"
	"github.com/IATI/refresher/pipeline/lakify"
	"github.com/IATI/refresher/pipeline/notify"
	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/pipeline/pipelinedb"
	"github.com/IATI/refresher/pipeline/pmetrics"
	"github.com/IATI/refresher/pipeline/refresh"
	"github.com/IATI/refresher/pipeline/solr"
	"github.com/IATI/refresher/pipeline/solrize"
	"github.com/IATI/refresher/pipeline/validate"
	"github.com/IATI/refresher/pipeline/validator"
	"github.com/IATI/refresher/private/sync2"
)

func main() {
	root := &cobra.Command{
		Use:           "refresher",
		Short:         "IATI document processing pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var retryErrors bool
	reloadCmd := stageCmd("reload", "Download every claimable document", false,
		func(ctx context.Context, peer *peer) error {
			return newDownloader(peer).RunOnce(ctx, retryErrors)
		})
	reloadCmd.Flags().BoolVarP(&retryErrors, "errors", "e", false,
		"also retry previously errored downloads")

	root.AddCommand(
		stageCmd("refresh", "Synchronise publishers and datasets once", true,
			func(ctx context.Context, peer *peer) error {
				return newRefresh(peer, nil).RefreshPublishersAndDatasets(ctx)
			}),
		loopCmd("refreshloop", "Run the refresh and download stages continuously", true,
			func(peer *peer) (int, []pmetrics.GaugeDef) { return peer.cfg.Refresh.MetricsPort, refreshGauges },
			func(ctx context.Context, peer *peer, metrics *pmetrics.Server) error {
				return newRefresh(peer, metrics).Run(ctx)
			}),
		reloadCmd,
		stageCmd("safety_check", "Run one safety pass over the publishers", false,
			func(ctx context.Context, peer *peer) error {
				safety, err := newSafety(peer, nil)
				if err != nil {
					return err
				}
				return safety.RunOnce(ctx)
			}),
		stageCmd("validate", "Validate every document needing a report", false,
			func(ctx context.Context, peer *peer) error {
				return newValidate(peer, nil).RunOnce(ctx)
			}),
		loopCmd("validateloop", "Run the safety and validate stages continuously", false,
			func(peer *peer) (int, []pmetrics.GaugeDef) { return peer.cfg.Validate.MetricsPort, validateGauges },
			func(ctx context.Context, peer *peer, metrics *pmetrics.Server) error {
				safety, err := newSafety(peer, metrics)
				if err != nil {
					return err
				}
				service := newValidate(peer, metrics)
				return cycle(ctx, peer, peer.cfg.Validate.LoopInterval,
					safety.RunOnce, service.RunOnce)
			}),
		stageCmd("copy_valid", "Copy valid documents into the clean container", false,
			func(ctx context.Context, peer *peer) error {
				return newClean(peer, nil).CopyValid(ctx)
			}),
		stageCmd("clean_invalid", "Reduce invalid documents to their valid activities", false,
			func(ctx context.Context, peer *peer) error {
				return newClean(peer, nil).CleanInvalid(ctx)
			}),
		loopCmd("cleanloop", "Run both clean sub-stages continuously", false,
			func(peer *peer) (int, []pmetrics.GaugeDef) { return peer.cfg.Clean.MetricsPort, cleanGauges },
			func(ctx context.Context, peer *peer, metrics *pmetrics.Server) error {
				service := newClean(peer, metrics)
				return cycle(ctx, peer, peer.cfg.Clean.LoopInterval, service.RunOnce)
			}),
		stageCmd("flatten", "Flatten every cleaned document", false,
			func(ctx context.Context, peer *peer) error {
				return newFlatten(peer, nil).RunOnce(ctx)
			}),
		loopCmd("flattenloop", "Run the flatten stage continuously", false,
			func(peer *peer) (int, []pmetrics.GaugeDef) { return peer.cfg.Flatten.MetricsPort, flattenGauges },
			func(ctx context.Context, peer *peer, metrics *pmetrics.Server) error {
				service := newFlatten(peer, metrics)
				return cycle(ctx, peer, peer.cfg.Flatten.LoopInterval, service.RunOnce)
			}),
		stageCmd("lakify", "Split every cleaned document into per-activity blobs", false,
			func(ctx context.Context, peer *peer) error {
				return newLakify(peer, nil).RunOnce(ctx)
			}),
		loopCmd("lakifyloop", "Run the lakify stage continuously", false,
			func(peer *peer) (int, []pmetrics.GaugeDef) { return peer.cfg.Lakify.MetricsPort, lakifyGauges },
			func(ctx context.Context, peer *peer, metrics *pmetrics.Server) error {
				service := newLakify(peer, metrics)
				return cycle(ctx, peer, peer.cfg.Lakify.LoopInterval, service.RunOnce)
			}),
		stageCmd("solrize", "Index every processed document", false,
			func(ctx context.Context, peer *peer) error {
				return newSolrize(peer, nil).RunOnce(ctx)
			}),
		loopCmd("solrizeloop", "Run the solrize stage continuously", false,
			func(peer *peer) (int, []pmetrics.GaugeDef) { return peer.cfg.Solrize.MetricsPort, solrizeGauges },
			func(ctx context.Context, peer *peer, metrics *pmetrics.Server) error {
				service := newSolrize(peer, metrics)
				return cycle(ctx, peer, peer.cfg.Solrize.LoopInterval, service.RunOnce)
			}),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	refreshGauges = []pmetrics.GaugeDef{
		{Name: "registered_publishers", Help: "Publishers listed by the current catalogue run"},
		{Name: "registered_datasets", Help: "Datasets listed by the current catalogue run"},
		{Name: "datasets_changed", Help: "Datasets whose hash changed in the last pass"},
		{Name: "datasets_to_download", Help: "Documents waiting for download"},
	}
	validateGauges = []pmetrics.GaugeDef{
		{Name: "datasets_to_validate", Help: "Documents waiting for a validation report"},
		{Name: "new_flagged_publishers", Help: "Publishers black-flagged in the last safety pass"},
	}
	cleanGauges = []pmetrics.GaugeDef{
		{Name: "valid_datasets_to_progress", Help: "Valid documents waiting for the clean copy"},
		{Name: "invalid_datasets_to_clean", Help: "Invalid documents waiting for activity filtering"},
	}
	flattenGauges = []pmetrics.GaugeDef{
		{Name: "datasets_to_flatten", Help: "Documents waiting for flattening"},
	}
	lakifyGauges = []pmetrics.GaugeDef{
		{Name: "datasets_to_lakify", Help: "Documents waiting for per-activity splitting"},
	}
	solrizeGauges = []pmetrics.GaugeDef{
		{Name: "datasets_to_solrize", Help: "Documents waiting for search indexing"},
	}
)

// peer bundles the shared process state every stage builds on.
type peer struct {
	log   *zap.Logger
	cfg   config.Config
	db    *pipelinedb.DB
	store *objectstore.Store
}

// stageCmd wraps a single stage pass. migrate selects between running the
// schema migrations (refresh owns the schema) and blocking until the schema
// matches.
func stageCmd(name, short string, migrate bool, fn func(ctx context.Context, peer *peer) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(name, migrate, fn)
		},
	}
}

// loopCmd wraps a stage service loop together with its metrics server.
func loopCmd(name, short string, migrate bool,
	ports func(peer *peer) (int, []pmetrics.GaugeDef),
	fn func(ctx context.Context, peer *peer, metrics *pmetrics.Server) error) *cobra.Command {
	return stageCmd(name, short, migrate, func(ctx context.Context, peer *peer) error {
		port, defs := ports(peer)
		metrics := pmetrics.NewServer(peer.log, port, defs)

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return metrics.Run(ctx)
		})
		group.Go(func() error {
			defer func() { _ = metrics.Close() }()
			return fn(ctx, peer, metrics)
		})
		return group.Wait()
	})
}

func run(stage string, migrate bool, fn func(ctx context.Context, peer *peer) error) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := pipelinedb.Open(ctx, log.Named("db"), cfg.DB)
	if err != nil {
		log.Error("opening the state store failed", zap.String("stage", stage), zap.Error(err))
		return err
	}
	defer func() { _ = db.Close() }()

	if migrate {
		err = db.MigrateToLatest(ctx)
	} else {
		err = db.CheckVersion(ctx)
	}
	if err != nil {
		log.Error("schema version check failed", zap.String("stage", stage), zap.Error(err))
		return err
	}

	store, err := objectstore.Open(cfg.Storage)
	if err != nil {
		log.Error("opening the object store failed", zap.String("stage", stage), zap.Error(err))
		return err
	}

	err = fn(ctx, &peer{log: log.Named(stage), cfg: cfg, db: db, store: store})
	if err != nil && ctx.Err() == nil {
		log.Error("stage failed", zap.String("stage", stage), zap.Error(err))
		return err
	}
	return nil
}

// cycle runs the given passes in order on every tick. A failed pass is logged
// and retried next tick; only cancellation stops the loop.
func cycle(ctx context.Context, peer *peer, interval time.Duration,
	passes ...func(ctx context.Context) error) error {
	loop := sync2.NewCycle(interval)
	return loop.Run(ctx, func(ctx context.Context) error {
		for _, pass := range passes {
			if err := pass(ctx); err != nil {
				peer.log.Error("pass failed", zap.Error(err))
			}
			if ctx.Err() != nil {
				break
			}
		}
		return ctx.Err()
	})
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

func newDownloader(peer *peer) *download.Service {
	return download.New(peer.log, peer.db, peer.store,
		peer.cfg.Storage.SourceContainer, peer.cfg.BDS.Timeout, peer.cfg.Refresh.Parallelism)
}

func newRefresh(peer *peer, metrics refresh.GaugeSetter) *refresh.Service {
	return refresh.New(peer.log, peer.db, peer.store,
		bds.New(peer.cfg.BDS), newDownloader(peer), newIndex(peer),
		metrics, peer.cfg.Storage, peer.cfg.Solrize.ExplodeElements, peer.cfg.Refresh)
}

func newSafety(peer *peer, metrics validate.GaugeSetter) (*validate.Safety, error) {
	return validate.NewSafety(peer.log, peer.db, peer.cfg.Queue.URL,
		notify.New(peer.cfg.Notify), metrics,
		peer.cfg.Validate.SafetyCheckThreshold, peer.cfg.Validate.SafetyCheckPeriod)
}

func newValidate(peer *peer, metrics validate.GaugeSetter) *validate.Service {
	return validate.New(peer.log, peer.db, peer.store,
		peer.cfg.Storage.SourceContainer, validator.New(peer.cfg.Validate), metrics,
		peer.cfg.Validate.SafetyCheckPeriod, peer.cfg.Validate.Parallelism)
}

func newClean(peer *peer, metrics clean.GaugeSetter) *clean.Service {
	return clean.New(peer.log, peer.db, peer.store,
		peer.cfg.Storage.SourceContainer, peer.cfg.Storage.CleanContainer,
		metrics, peer.cfg.Clean.Parallelism)
}

func newFlatten(peer *peer, metrics flatten.GaugeSetter) *flatten.Service {
	return flatten.New(peer.log, peer.db, peer.store,
		peer.cfg.Storage.CleanContainer,
		flatten.NewFlattener(peer.cfg.Solrize.ExplodeElements),
		metrics, peer.cfg.Flatten.Parallelism)
}

func newLakify(peer *peer, metrics lakify.GaugeSetter) *lakify.Service {
	return lakify.New(peer.log, peer.db, peer.store,
		peer.cfg.Storage.CleanContainer, peer.cfg.Storage.LakeContainer,
		metrics, peer.cfg.Lakify.Parallelism)
}

func newSolrize(peer *peer, metrics solrize.GaugeSetter) *solrize.Service {
	return solrize.New(peer.log, peer.db, peer.store,
		peer.cfg.Storage.LakeContainer, newIndex(peer), metrics,
		peer.cfg.Solrize.ExplodeElements, peer.cfg.Solrize.MaxBatchLength,
		peer.cfg.Solrize.Solr500Sleep, peer.cfg.Solrize.Parallelism)
}

func newIndex(peer *peer) solrize.Index {
	return solrize.NewIndex(solr.New(peer.cfg.Solrize.APIURL,
		peer.cfg.Solrize.User, peer.cfg.Solrize.Password, peer.cfg.Solrize.Timeout))
}
