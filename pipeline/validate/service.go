// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package validate produces validation reports for downloaded documents and
// runs the publisher safety controller.
package validate

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/pipeline/validator"
	"github.com/IATI/refresher/private/sync2"
)

var (
	// Error is the default validate errs class.
	Error = errs.Class("validate")

	mon = monkit.Package()
)

// GaugeSetter receives queue-depth observations. May be nil.
type GaugeSetter interface {
	Set(name string, value float64)
}

// Checker is the subset of the validation clients the service needs.
type Checker interface {
	ValidateSchema(ctx context.Context, payload []byte) (validator.SchemaResult, error)
	ValidateFull(ctx context.Context, payload []byte, meta bool) (validator.FullResult, error)
}

// Service validates documents stage by stage: a cheap schema check first,
// then the full validation that produces the persisted report.
type Service struct {
	log     *zap.Logger
	db      pipeline.DB
	store   pipeline.BlobStore
	source  string
	checker Checker
	metrics GaugeSetter

	safetyCheckPeriod time.Duration
	parallelism       int
}

// New creates a validate service reading from the source container.
func New(log *zap.Logger, db pipeline.DB, store pipeline.BlobStore, sourceContainer string,
	checker Checker, metrics GaugeSetter, safetyCheckPeriod time.Duration, parallelism int) *Service {
	return &Service{
		log:               log,
		db:                db,
		store:             store,
		source:            sourceContainer,
		checker:           checker,
		metrics:           metrics,
		safetyCheckPeriod: safetyCheckPeriod,
		parallelism:       parallelism,
	}
}

// RunOnce validates every document needing a report.
func (s *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	tasks, err := s.db.Documents().Unvalidated(ctx)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Set("datasets_to_validate", float64(len(tasks)))
	}
	s.log.Info("starting validation pass", zap.Int("documents", len(tasks)))

	passStart := time.Now()
	limiter := sync2.NewLimiter(s.parallelism)
	for _, task := range tasks {
		task := task
		started := limiter.Go(ctx, func() {
			if err := s.processOne(ctx, passStart, task); err != nil {
				s.log.Warn("validation failed",
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

	s.log.Info("validation pass finished", zap.Int("documents", len(tasks)))
	return ctx.Err()
}

func (s *Service) processOne(ctx context.Context, passStart time.Time, task pipeline.ValidationTask) (err error) {
	defer mon.Task()(&ctx)(&err)

	docs := s.db.Documents()

	if s.skip(passStart, task, task.SchemaValid) {
		return nil
	}

	payload, err := s.store.Download(ctx, s.source, task.Hash+".xml")
	if err != nil {
		if objectstore.ErrNotFound.Has(err) {
			s.log.Warn("source blob missing, marking for re-download",
				zap.String("document_id", task.ID), zap.String("hash", task.Hash))
			return docs.MarkNotDownloaded(ctx, task.ID)
		}
		return err
	}

	schemaValid := task.SchemaValid
	if schemaValid == nil {
		s.log.Info("schema validating",
			zap.String("document_id", task.ID), zap.String("hash", task.Hash))
		result, err := s.checker.ValidateSchema(ctx, payload)
		if err != nil {
			return err
		}
		if err := docs.SetValidationRequest(ctx, task.ID); err != nil {
			return err
		}
		if result.Valid == nil {
			return docs.SetValidationAPIError(ctx, task.ID, result.Status)
		}
		if err := docs.SetSchemaValid(ctx, task.ID, *result.Valid); err != nil {
			return err
		}
		schemaValid = result.Valid

		// re-check the gates now that the verdict is known
		if s.skip(passStart, task, schemaValid) {
			return nil
		}
	}

	meta := schemaValid != nil && !*schemaValid
	s.log.Info("full validating",
		zap.String("document_id", task.ID), zap.String("hash", task.Hash), zap.Bool("meta", meta))
	result, err := s.checker.ValidateFull(ctx, payload, meta)
	if err != nil {
		return err
	}
	if err := docs.SetValidationRequest(ctx, task.ID); err != nil {
		return err
	}
	if result.Report == nil {
		return docs.SetValidationAPIError(ctx, task.ID, result.Status)
	}
	if result.Status != 200 {
		// expected statuses describe the document; record and keep the report
		if err := docs.SetValidationAPIError(ctx, task.ID, result.Status); err != nil {
			return err
		}
	}

	valid := result.Report.Valid != nil && *result.Report.Valid
	return s.db.Validations().UpdateState(ctx, task, valid, result.Report.Raw)
}

// skip applies the schema-invalid gates: give the publisher the safety period
// to republish, and never burn full-validation time on black-flagged
// publishers.
func (s *Service) skip(passStart time.Time, task pipeline.ValidationTask, schemaValid *bool) bool {
	if schemaValid == nil || *schemaValid {
		return false
	}
	if task.Downloaded.After(passStart.Add(-s.safetyCheckPeriod)) {
		s.log.Info("skipping schema-invalid file inside safety period",
			zap.String("document_id", task.ID), zap.String("hash", task.Hash),
			zap.Time("downloaded", task.Downloaded))
		return true
	}
	if task.BlackFlagged {
		s.log.Info("skipping schema-invalid file of black-flagged publisher",
			zap.String("document_id", task.ID), zap.String("hash", task.Hash),
			zap.String("publisher", task.Publisher))
		return true
	}
	return false
}
