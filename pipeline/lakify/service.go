// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package lakify

import (
	"context"
	"encoding/json"

	"github.com/beevik/etree"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/private/sync2"
)

var (
	// Error is the default lakify errs class.
	Error = errs.Class("lakify")

	mon = monkit.Package()
)

// GaugeSetter receives queue-depth observations. May be nil.
type GaugeSetter interface {
	Set(name string, value float64)
}

// Service explodes cleaned documents into the lake container.
type Service struct {
	log     *zap.Logger
	db      pipeline.DB
	store   pipeline.BlobStore
	clean   string
	lake    string
	metrics GaugeSetter

	parallelism int
}

// New creates a lakify service reading from the clean container and writing
// to the lake container.
func New(log *zap.Logger, db pipeline.DB, store pipeline.BlobStore,
	cleanContainer, lakeContainer string, metrics GaugeSetter, parallelism int) *Service {
	return &Service{
		log:         log,
		db:          db,
		store:       store,
		clean:       cleanContainer,
		lake:        lakeContainer,
		metrics:     metrics,
		parallelism: parallelism,
	}
}

// RunOnce lakifies every document with a fresh clean blob.
func (s *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.db.Documents().ResetUnfinishedLakifies(ctx); err != nil {
		return err
	}

	tasks, err := s.db.Documents().Unlakified(ctx)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Set("datasets_to_lakify", float64(len(tasks)))
	}
	s.log.Info("starting lakify pass", zap.Int("documents", len(tasks)))

	limiter := sync2.NewLimiter(s.parallelism)
	for _, task := range tasks {
		task := task
		started := limiter.Go(ctx, func() {
			if err := s.processOne(ctx, task); err != nil {
				s.log.Warn("lakify failed",
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

	s.log.Info("lakify pass finished", zap.Int("documents", len(tasks)))
	return ctx.Err()
}

func (s *Service) processOne(ctx context.Context, task pipeline.LakifyTask) (err error) {
	defer mon.Task()(&ctx)(&err)

	docs := s.db.Documents()
	if err := docs.StartLakify(ctx, task.ID); err != nil {
		return err
	}

	s.log.Info("lakifying",
		zap.String("document_id", task.ID), zap.String("hash", task.Hash),
		zap.Time("downloaded", task.Downloaded))

	source, err := s.store.Download(ctx, s.clean, task.Hash+".xml")
	if err != nil {
		if objectstore.ErrNotFound.Has(err) {
			s.log.Warn("clean blob missing, sending back to clean",
				zap.String("document_id", task.ID), zap.String("hash", task.Hash))
			return docs.SendBackToClean(ctx, task.ID)
		}
		return err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(source); err != nil {
		s.log.Warn("unparsable clean blob, sending back to clean",
			zap.String("document_id", task.ID), zap.String("hash", task.Hash), zap.Error(err))
		return docs.SendBackToClean(ctx, task.ID)
	}
	root := doc.Root()
	if root == nil || root.Tag != "iati-activities" {
		s.log.Warn("clean blob is not IATI XML, sending back to clean",
			zap.String("document_id", task.ID), zap.String("hash", task.Hash))
		return docs.SendBackToClean(ctx, task.ID)
	}

	tags := map[string]string{objectstore.TagDatasetHash: task.Hash}
	for _, activity := range root.SelectElements("iati-activity") {
		identifier := activity.SelectElement("iati-identifier")
		if identifier == nil {
			continue
		}
		idHash := pipeline.HashForIdentifier(pipeline.CleanIdentifier(identifier.Text()))

		subtree := etree.NewDocument()
		subtree.SetRoot(activity.Copy())
		activityXML, err := subtree.WriteToBytes()
		if err != nil {
			return errs.Combine(Error.Wrap(err),
				docs.SetLakifyError(ctx, task.ID, "Failed to extract activities"))
		}
		activityJSON, err := json.Marshal(Nest(activity))
		if err != nil {
			return errs.Combine(Error.Wrap(err),
				docs.SetLakifyError(ctx, task.ID, "Failed to extract activities"))
		}

		prefix := task.ID + "/" + idHash
		if err := s.store.Upload(ctx, s.lake, prefix+".xml", activityXML, tags); err != nil {
			return err
		}
		if err := s.store.Upload(ctx, s.lake, prefix+".json", activityJSON, tags); err != nil {
			return err
		}
	}

	return docs.CompleteLakify(ctx, task.ID)
}
