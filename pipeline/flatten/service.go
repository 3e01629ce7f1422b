// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package flatten

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/private/charset"
	"github.com/IATI/refresher/private/sync2"
)

// GaugeSetter receives queue-depth observations. May be nil.
type GaugeSetter interface {
	Set(name string, value float64)
}

// Service flattens cleaned documents into the state store.
type Service struct {
	log       *zap.Logger
	db        pipeline.DB
	store     pipeline.BlobStore
	clean     string
	flattener *Flattener
	metrics   GaugeSetter

	parallelism int
}

// New creates a flatten service reading from the clean container.
func New(log *zap.Logger, db pipeline.DB, store pipeline.BlobStore, cleanContainer string,
	flattener *Flattener, metrics GaugeSetter, parallelism int) *Service {
	return &Service{
		log:         log,
		db:          db,
		store:       store,
		clean:       cleanContainer,
		flattener:   flattener,
		metrics:     metrics,
		parallelism: parallelism,
	}
}

// RunOnce flattens every document with a fresh clean blob.
func (s *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.db.Documents().ResetUnfinishedFlattens(ctx); err != nil {
		return err
	}

	tasks, err := s.db.Documents().Unflattened(ctx)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Set("datasets_to_flatten", float64(len(tasks)))
	}
	s.log.Info("starting flatten pass", zap.Int("documents", len(tasks)))

	limiter := sync2.NewLimiter(s.parallelism)
	for _, task := range tasks {
		task := task
		started := limiter.Go(ctx, func() {
			if err := s.processOne(ctx, task); err != nil {
				s.log.Warn("flatten failed",
					zap.String("document_id", task.ID),
					zap.String("hash", task.Hash),
					zap.Error(err))
			}
		})
		if !started {
			break
		}
	}
	limiter.Wait()

	s.log.Info("flatten pass finished", zap.Int("documents", len(tasks)))
	return ctx.Err()
}

func (s *Service) processOne(ctx context.Context, task pipeline.FlattenTask) (err error) {
	defer mon.Task()(&ctx)(&err)

	docs := s.db.Documents()
	if err := docs.StartFlatten(ctx, task.ID); err != nil {
		return err
	}

	s.log.Info("flattening",
		zap.String("document_id", task.ID), zap.String("hash", task.Hash),
		zap.Time("downloaded", task.Downloaded))

	source, err := s.store.Download(ctx, s.clean, task.Hash+".xml")
	if err != nil {
		if objectstore.ErrNotFound.Has(err) {
			s.log.Warn("clean blob missing, marking for re-download",
				zap.String("document_id", task.ID), zap.String("hash", task.Hash))
			return docs.MarkNotDownloaded(ctx, task.ID)
		}
		return err
	}

	decoded, ok := charset.DecodeToUTF8(source)
	if !ok {
		s.log.Warn("could not determine charset",
			zap.String("document_id", task.ID), zap.String("hash", task.Hash))
		return docs.SetFlattenError(ctx, task.ID, "Could not determine charset")
	}

	flattened, err := s.flattener.Process(decoded)
	if err != nil {
		return errs.Combine(err, docs.SetFlattenError(ctx, task.ID, flattenErrorMessage(err)))
	}

	serialised, err := json.Marshal(flattened)
	if err != nil {
		return Error.Wrap(err)
	}
	return docs.CompleteFlatten(ctx, task.ID, serialised)
}

func flattenErrorMessage(err error) string {
	if errors.Is(err, ErrNonIATI) {
		return "Non-IATI XML"
	}
	return "Could not flatten source XML"
}
