// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package clean moves validated documents into the clean container. Fully
// valid files are copied server-side; invalid files with at least one valid
// activity are reduced to their valid activities first.
package clean

import (
	"context"

	"github.com/beevik/etree"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/pipeline/validator"
	"github.com/IATI/refresher/private/charset"
	"github.com/IATI/refresher/private/sync2"
)

var (
	// Error is the default clean errs class.
	Error = errs.Class("clean")

	mon = monkit.Package()
)

// errNoValidActivities is stored verbatim in clean_error so the document does
// not re-enter the invalid-clean queue.
const errNoValidActivities = "No valid activities"

// GaugeSetter receives queue-depth observations. May be nil.
type GaugeSetter interface {
	Set(name string, value float64)
}

// Service runs the two clean sub-stages.
type Service struct {
	log     *zap.Logger
	db      pipeline.DB
	store   pipeline.BlobStore
	source  string
	clean   string
	metrics GaugeSetter

	parallelism int
}

// New creates a clean service copying from the source to the clean container.
func New(log *zap.Logger, db pipeline.DB, store pipeline.BlobStore,
	sourceContainer, cleanContainer string, metrics GaugeSetter, parallelism int) *Service {
	return &Service{
		log:         log,
		db:          db,
		store:       store,
		source:      sourceContainer,
		clean:       cleanContainer,
		metrics:     metrics,
		parallelism: parallelism,
	}
}

// RunOnce runs the valid copy followed by the invalid clean.
func (s *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.CopyValid(ctx); err != nil {
		return err
	}
	return s.CleanInvalid(ctx)
}

// CopyValid copies every fully valid document server-side into the clean
// container.
func (s *Service) CopyValid(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.db.Documents().ResetUnfinishedCleans(ctx); err != nil {
		return err
	}

	tasks, err := s.db.Documents().ValidToCopy(ctx)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Set("valid_datasets_to_progress", float64(len(tasks)))
	}
	s.log.Info("starting valid copy pass", zap.Int("documents", len(tasks)))

	limiter := sync2.NewLimiter(s.parallelism)
	for _, task := range tasks {
		task := task
		started := limiter.Go(ctx, func() {
			if err := s.copyOne(ctx, task); err != nil {
				s.log.Warn("valid copy failed",
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

	s.log.Info("valid copy pass finished", zap.Int("documents", len(tasks)))
	return ctx.Err()
}

func (s *Service) copyOne(ctx context.Context, task pipeline.CleanTask) (err error) {
	defer mon.Task()(&ctx)(&err)

	docs := s.db.Documents()
	if err := docs.StartClean(ctx, task.ID); err != nil {
		return err
	}

	key := task.Hash + ".xml"
	err = s.store.Copy(ctx, s.source, key, s.clean, key,
		map[string]string{objectstore.TagDocumentID: task.ID})
	if err != nil {
		if objectstore.ErrNotFound.Has(err) {
			s.log.Warn("source blob missing, marking for re-download",
				zap.String("document_id", task.ID), zap.String("hash", task.Hash))
			return docs.MarkNotDownloaded(ctx, task.ID)
		}
		return err
	}

	return docs.CompleteClean(ctx, task.ID)
}

// CleanInvalid reduces every invalid document with valid activities to just
// those activities and writes the result to the clean container.
func (s *Service) CleanInvalid(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.db.Documents().ResetUnfinishedCleans(ctx); err != nil {
		return err
	}

	tasks, err := s.db.Documents().InvalidToClean(ctx)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Set("invalid_datasets_to_clean", float64(len(tasks)))
	}
	s.log.Info("starting invalid clean pass", zap.Int("documents", len(tasks)))

	limiter := sync2.NewLimiter(s.parallelism)
	for _, task := range tasks {
		task := task
		started := limiter.Go(ctx, func() {
			if err := s.cleanOne(ctx, task); err != nil {
				s.log.Warn("invalid clean failed",
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

	s.log.Info("invalid clean pass finished", zap.Int("documents", len(tasks)))
	return ctx.Err()
}

func (s *Service) cleanOne(ctx context.Context, task pipeline.CleanTask) (err error) {
	defer mon.Task()(&ctx)(&err)

	docs := s.db.Documents()
	if err := docs.StartClean(ctx, task.ID); err != nil {
		return err
	}

	report, err := validator.ParseReport(task.Report)
	if err != nil {
		return errs.Combine(err, docs.SetCleanError(ctx, task.ID, "Unreadable validation report"))
	}
	valid := make(map[int]bool, len(report.Activities))
	for _, activity := range report.Activities {
		if activity.Valid {
			valid[activity.Index] = true
		}
	}
	if len(valid) == 0 {
		return docs.SetCleanError(ctx, task.ID, errNoValidActivities)
	}

	source, err := s.store.Download(ctx, s.source, task.Hash+".xml")
	if err != nil {
		if objectstore.ErrNotFound.Has(err) {
			s.log.Warn("source blob missing, marking for re-download",
				zap.String("document_id", task.ID), zap.String("hash", task.Hash))
			return docs.MarkNotDownloaded(ctx, task.ID)
		}
		return err
	}

	reduced, kept, err := reduce(source, valid)
	if err != nil {
		s.log.Warn("could not reduce document",
			zap.String("document_id", task.ID), zap.String("hash", task.Hash), zap.Error(err))
		return docs.SetCleanError(ctx, task.ID, "Could not parse source XML")
	}
	if kept == 0 {
		return docs.SetCleanError(ctx, task.ID, errNoValidActivities)
	}

	err = s.store.Upload(ctx, s.clean, task.Hash+".xml", reduced,
		map[string]string{objectstore.TagDocumentID: task.ID})
	if err != nil {
		return err
	}

	s.log.Info("cleaned document",
		zap.String("document_id", task.ID), zap.String("hash", task.Hash),
		zap.Int("kept_activities", kept))
	return docs.CompleteClean(ctx, task.ID)
}

// reduce drops every activity whose report index is not in valid, keeping the
// root element and its attributes intact. Indexes count activity elements in
// document order, matching the report.
func reduce(source []byte, valid map[int]bool) (_ []byte, kept int, err error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(source); err != nil {
		// publishers occasionally lie about their encoding
		decoded, ok := charset.DecodeToUTF8(source)
		if !ok {
			return nil, 0, Error.Wrap(err)
		}
		doc = etree.NewDocument()
		if err := doc.ReadFromBytes(decoded); err != nil {
			return nil, 0, Error.Wrap(err)
		}
	}

	root := doc.Root()
	if root == nil || root.Tag != "iati-activities" {
		return nil, 0, Error.New("root element is not iati-activities")
	}

	for index, activity := range root.SelectElements("iati-activity") {
		if valid[index] {
			kept++
			continue
		}
		root.RemoveChild(activity)
	}

	reduced, err := doc.WriteToBytes()
	if err != nil {
		return nil, 0, Error.Wrap(err)
	}
	return reduced, kept, nil
}
