// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package refresh mirrors the Bulk Data Service catalogue into the state
// store. It is the only stage that creates and deletes document rows; when a
// row goes away, this stage also removes the document's blobs and search
// index records so no store keeps state for a dataset the catalogue no
// longer knows.
package refresh

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/bds"
	"github.com/IATI/refresher/pipeline/config"
	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/pipeline/solrize"
	"github.com/IATI/refresher/private/sync2"
)

var (
	// Error is the default refresh errs class.
	Error = errs.Class("refresh")

	mon = monkit.Package()
)

// GaugeSetter receives queue-depth observations. May be nil.
type GaugeSetter interface {
	Set(name string, value float64)
}

// Catalogue is the subset of the Bulk Data Service client the stage needs.
type Catalogue interface {
	DatasetIndex(ctx context.Context) (*bds.DatasetIndex, error)
	ReportingOrgIndex(ctx context.Context) (*bds.ReportingOrgIndex, error)
	DatasetIndexETag(ctx context.Context) (string, error)
}

// Downloader runs one download pass. The refresh loop drives it after every
// catalogue check so fresh rows are fetched without waiting for a separate
// process.
type Downloader interface {
	RunOnce(ctx context.Context, retryErrors bool) error
}

// Service keeps the publisher and document rows in step with the catalogue.
type Service struct {
	log        *zap.Logger
	db         pipeline.DB
	store      pipeline.BlobStore
	catalogue  Catalogue
	downloader Downloader
	index      solrize.Index
	metrics    GaugeSetter

	source string
	clean  string
	lake   string

	explode []string
	config  config.RefreshConfig

	// Loop drives the refreshloop entry point.
	Loop *sync2.Cycle

	lastETag string
	cycles   int
}

// New creates a refresh service. downloader may be nil when only single
// passes are run.
func New(log *zap.Logger, db pipeline.DB, store pipeline.BlobStore,
	catalogue Catalogue, downloader Downloader, index solrize.Index,
	metrics GaugeSetter, containers config.StorageConfig,
	explode []string, cfg config.RefreshConfig) *Service {
	return &Service{
		log:        log,
		db:         db,
		store:      store,
		catalogue:  catalogue,
		downloader: downloader,
		index:      index,
		metrics:    metrics,
		source:     containers.SourceContainer,
		clean:      containers.CleanContainer,
		lake:       containers.LakeContainer,
		explode:    explode,
		config:     cfg,
		Loop:       sync2.NewCycle(cfg.LoopInterval),
	}
}

// Run drives the refresh loop until the context is cancelled. Failed cycles
// are logged and retried on the next tick rather than stopping the loop.
func (s *Service) Run(ctx context.Context) error {
	return s.Loop.Run(ctx, func(ctx context.Context) error {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("refresh cycle failed", zap.Error(err))
		}
		return ctx.Err()
	})
}

// RunOnce performs one loop cycle: a refresh pass when the catalogue
// published a new index run, then a download pass. Every RetryErrorsAfterLoop
// cycles the download pass also retries previously errored documents.
func (s *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	s.cycles++
	retryErrors := s.config.RetryErrorsAfterLoop > 0 && s.cycles%s.config.RetryErrorsAfterLoop == 0

	etag, err := s.catalogue.DatasetIndexETag(ctx)
	if err != nil {
		return err
	}
	if etag != s.lastETag {
		if err := s.RefreshPublishersAndDatasets(ctx); err != nil {
			return err
		}
		s.lastETag = etag
	} else {
		s.log.Info("dataset index unchanged, skipping refresh pass", zap.String("etag", etag))
	}

	if s.downloader == nil {
		return nil
	}
	return s.downloader.RunOnce(ctx, retryErrors)
}

type publisherEntry struct {
	org          bds.IndexedReportingOrg
	datasetCount int
}

// RefreshPublishersAndDatasets runs one refresh pass against the current
// catalogue indices.
func (s *Service) RefreshPublishersAndDatasets(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	datasetIndex, err := s.catalogue.DatasetIndex(ctx)
	if err != nil {
		return err
	}
	orgIndex, err := s.catalogue.ReportingOrgIndex(ctx)
	if err != nil {
		return err
	}
	// the two indices must come out of the same service run, otherwise the
	// publisher ownership of datasets cannot be trusted
	if datasetIndex.IndexCreated != orgIndex.IndexCreated {
		return Error.New("index run mismatch: datasets from %d, reporting orgs from %d",
			datasetIndex.IndexCreated, orgIndex.IndexCreated)
	}

	publishers := make(map[string]*publisherEntry, len(orgIndex.ReportingOrgs))
	for _, org := range orgIndex.ReportingOrgs {
		publishers[org.ShortName] = &publisherEntry{org: org}
	}
	for _, dataset := range datasetIndex.Datasets {
		if entry := publishers[dataset.ReportingOrgShortName]; entry != nil {
			entry.datasetCount++
		}
	}

	if err := s.safetyAbort(ctx, len(publishers), len(datasetIndex.Datasets)); err != nil {
		return err
	}

	passStart := time.Now()
	s.log.Info("starting refresh pass",
		zap.Int("publishers", len(publishers)),
		zap.Int("datasets", len(datasetIndex.Datasets)))

	for _, entry := range publishers {
		err := s.db.Publishers().Upsert(ctx, passStart, pipeline.ReportingOrg{
			OrgID:          entry.org.ID,
			ShortName:      entry.org.ShortName,
			Title:          entry.org.HumanReadableName,
			IATIIdentifier: entry.org.IATIIdentifier,
			DatasetCount:   entry.datasetCount,
		})
		if err != nil {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.Set("registered_publishers", float64(len(publishers)))
		s.metrics.Set("registered_datasets", float64(len(datasetIndex.Datasets)))
	}

	// documents of publishers that left the catalogue; their rows go away with
	// the publisher rows below
	orphaned, err := s.db.Documents().FromPublishersNotSeenAfter(ctx, passStart)
	if err != nil {
		return err
	}
	for _, doc := range orphaned {
		if err := s.cleanupStale(ctx, doc); err != nil {
			s.log.Warn("cleanup of an orphaned document failed",
				zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	removedPublishers, err := s.db.Publishers().RemoveNotSeenAfter(ctx, passStart)
	if err != nil {
		return err
	}
	if removedPublishers > 0 {
		s.log.Info("removed publishers no longer in the catalogue",
			zap.Int64("publishers", removedPublishers), zap.Int("documents", len(orphaned)))
	}

	changed := 0
	for _, dataset := range datasetIndex.Datasets {
		if s.skipDataset(dataset) {
			continue
		}
		stale, err := s.db.Documents().HashChanged(ctx, dataset.ID, dataset.Hash)
		if err != nil {
			return err
		}
		if stale != nil {
			changed++
			if err := s.cleanupChanged(ctx, *stale); err != nil {
				s.log.Warn("cleanup of a changed document failed",
					zap.String("document_id", stale.ID), zap.Error(err))
			}
		}
		err = s.db.Documents().Upsert(ctx, passStart, pipeline.Dataset{
			ID:            dataset.ID,
			Name:          dataset.ShortName,
			Hash:          dataset.Hash,
			URL:           dataset.SourceURL,
			BDSCacheURL:   dataset.URLXML,
			PublisherID:   dataset.ReportingOrgID,
			PublisherName: dataset.ReportingOrgShortName,
		})
		if err != nil {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.Set("datasets_changed", float64(changed))
	}

	stale, err := s.db.Documents().NotSeenAfter(ctx, passStart)
	if err != nil {
		return err
	}
	for _, doc := range stale {
		if err := s.cleanupStale(ctx, doc); err != nil {
			s.log.Warn("cleanup of a stale document failed",
				zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	removedDocs, err := s.db.Documents().RemoveNotSeenAfter(ctx, passStart)
	if err != nil {
		return err
	}

	if s.metrics != nil {
		if toDownload, err := s.db.Documents().CountToDownload(ctx); err == nil {
			s.metrics.Set("datasets_to_download", float64(toDownload))
		}
	}

	s.log.Info("refresh pass finished",
		zap.Int("datasets_changed", changed),
		zap.Int64("documents_removed", removedDocs))
	return nil
}

// safetyAbort refuses the pass when the incoming catalogue is drastically
// smaller than the stored state, which usually means a broken index run
// rather than a mass deregistration.
func (s *Service) safetyAbort(ctx context.Context, newPublishers, newDatasets int) error {
	storedPublishers, err := s.db.Publishers().Count(ctx)
	if err != nil {
		return err
	}
	if storedPublishers > 0 &&
		int64(newPublishers)*100 < storedPublishers*int64(s.config.PublisherSafetyPercentage) {
		return Error.New("refusing to refresh: the catalogue lists %d publishers against %d stored (threshold %d%%)",
			newPublishers, storedPublishers, s.config.PublisherSafetyPercentage)
	}

	storedDocs, err := s.db.Documents().Count(ctx)
	if err != nil {
		return err
	}
	if storedDocs > 0 &&
		int64(newDatasets)*100 < storedDocs*int64(s.config.DocumentSafetyPercentage) {
		return Error.New("refusing to refresh: the catalogue lists %d datasets against %d stored (threshold %d%%)",
			newDatasets, storedDocs, s.config.DocumentSafetyPercentage)
	}
	return nil
}

// skipDataset applies the development-only catalogue filters.
func (s *Service) skipDataset(dataset bds.IndexedDataset) bool {
	if !s.config.LimitEnabled {
		return false
	}
	if len(s.config.LimitToReportingOrgs) > 0 &&
		!contains(s.config.LimitToReportingOrgs, dataset.ReportingOrgShortName) {
		return true
	}
	if len(s.config.LimitToDatasets) > 0 &&
		!contains(s.config.LimitToDatasets, dataset.ShortName) {
		return true
	}
	return false
}

// cleanupStale removes every trace of a document that left the catalogue:
// its lake blobs, its source and clean blobs and its search index records.
func (s *Service) cleanupStale(ctx context.Context, doc pipeline.StaleDocument) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.cleanupLake(ctx, doc); err != nil {
		return err
	}
	if err := s.cleanupBlobs(ctx, doc); err != nil {
		return err
	}
	return s.cleanupIndex(ctx, doc.ID)
}

// cleanupChanged removes the source and clean blobs of a document whose hash
// changed. The lake blobs and search index records stay visible until the
// document's next lakify and solrize passes replace them.
func (s *Service) cleanupChanged(ctx context.Context, doc pipeline.StaleDocument) (err error) {
	defer mon.Task()(&ctx)(&err)
	return s.cleanupBlobs(ctx, doc)
}

func (s *Service) cleanupLake(ctx context.Context, doc pipeline.StaleDocument) error {
	keys, err := s.store.FindByTag(ctx, s.lake, doc.ID+"/", objectstore.TagDatasetHash, doc.Hash)
	if err != nil {
		return err
	}
	return s.deleteBatched(ctx, s.lake, keys)
}

func (s *Service) cleanupBlobs(ctx context.Context, doc pipeline.StaleDocument) error {
	if doc.Hash != "" {
		if err := s.store.Delete(ctx, s.source, []string{doc.Hash + ".xml"}); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, s.clean, []string{doc.Hash + ".xml"}); err != nil {
			return err
		}
	}
	// clean blobs written before the hash naming are only findable by tag
	keys, err := s.store.FindByTag(ctx, s.clean, "", objectstore.TagDocumentID, doc.ID)
	if err != nil {
		return err
	}
	return s.deleteBatched(ctx, s.clean, keys)
}

func (s *Service) cleanupIndex(ctx context.Context, docID string) error {
	query := "iati_activities_document_id:" + docID
	var group errs.Group
	for _, core := range s.cores() {
		group.Add(core.DeleteByQuery(ctx, query))
	}
	return group.Err()
}

func (s *Service) cores() []solrize.Core {
	cores := make([]solrize.Core, 0, len(s.explode)+1)
	cores = append(cores, s.index.Core("activity"))
	for _, name := range s.explode {
		cores = append(cores, s.index.Core(name))
	}
	return cores
}

func (s *Service) deleteBatched(ctx context.Context, container string, keys []string) error {
	max := s.config.MaxBlobDelete
	if max <= 0 {
		max = len(keys)
	}
	for start := 0; start < len(keys); start += max {
		end := start + max
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.store.Delete(ctx, container, keys[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
