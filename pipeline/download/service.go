// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package download fetches the cached XML for every claimable document into
// the source container and records per-document outcomes as numeric codes.
package download

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/private/charset"
	"github.com/IATI/refresher/private/sync2"
)

var (
	// Error is the default download errs class.
	Error = errs.Class("download")

	mon = monkit.Package()
)

// Download error codes stored in document.download_error. Values above 99 are
// HTTP statuses verbatim.
const (
	codeConnection    = 0
	codeTLS           = 1
	codeCharset       = 2
	codeInvalidScheme = 3
	codeNotCached     = 4
	codeNoContent     = 404
)

// maxRetries bounds the per-document fetch attempts.
const maxRetries = 10

// Service downloads documents with bounded parallelism.
type Service struct {
	log         *zap.Logger
	db          pipeline.DB
	store       pipeline.BlobStore
	source      string
	client      *http.Client
	parallelism int
}

// New creates a download service writing into the source container.
func New(log *zap.Logger, db pipeline.DB, store pipeline.BlobStore, sourceContainer string, timeout time.Duration, parallelism int) *Service {
	return &Service{
		log:         log,
		db:          db,
		store:       store,
		source:      sourceContainer,
		client:      &http.Client{Timeout: timeout},
		parallelism: parallelism,
	}
}

// RunOnce downloads every claimable document. With retryErrors it also picks
// up previously errored downloads, except permanently broken URLs.
func (s *Service) RunOnce(ctx context.Context, retryErrors bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	tasks, err := s.db.Documents().DownloadCandidates(ctx, retryErrors)
	if err != nil {
		return err
	}
	s.log.Info("starting download pass",
		zap.Int("documents", len(tasks)), zap.Bool("retry_errors", retryErrors))

	results := make([]error, len(tasks))
	limiter := sync2.NewLimiter(s.parallelism)
	for i, task := range tasks {
		i, task := i, task
		started := limiter.Go(ctx, func() {
			results[i] = s.processOne(ctx, task)
		})
		if !started {
			break
		}
	}
	limiter.Wait()

	failed := 0
	for i, result := range results {
		if result != nil {
			failed++
			s.log.Warn("download failed",
				zap.String("document_id", tasks[i].ID),
				zap.String("hash", tasks[i].Hash),
				zap.Error(result))
		}
	}
	mon.IntVal("download_failed").Observe(int64(failed))
	s.log.Info("download pass finished",
		zap.Int("documents", len(tasks)), zap.Int("failed", failed))
	return ctx.Err()
}

func (s *Service) processOne(ctx context.Context, task pipeline.DownloadTask) (err error) {
	defer mon.Task()(&ctx)(&err)

	docs := s.db.Documents()

	if task.Hash == "" {
		// the upstream service never fetched this document, so there is
		// nothing to download
		return docs.SetDownloadError(ctx, task.ID, codeNoContent)
	}
	if task.BDSCacheURL == nil {
		return docs.SetDownloadError(ctx, task.ID, codeNotCached)
	}
	if u, err := url.Parse(*task.BDSCacheURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return docs.SetDownloadError(ctx, task.ID, codeInvalidScheme)
	}

	body, status, fetchErr := s.fetch(ctx, *task.BDSCacheURL)
	if fetchErr != nil {
		return errs.Combine(fetchErr, docs.SetDownloadError(ctx, task.ID, classify(fetchErr)))
	}
	if status != http.StatusOK {
		err := docs.SetDownloadError(ctx, task.ID, status)
		return errs.Combine(err, s.cleanupSource(ctx, task))
	}

	decoded, ok := charset.DecodeToUTF8(body)
	if !ok {
		s.log.Warn("could not determine charset",
			zap.String("document_id", task.ID), zap.String("hash", task.Hash))
		err := docs.SetDownloadError(ctx, task.ID, codeCharset)
		return errs.Combine(err, s.cleanupSource(ctx, task))
	}

	err = s.store.Upload(ctx, s.source, task.Hash+".xml", decoded,
		map[string]string{objectstore.TagDocumentID: task.ID})
	if err != nil {
		return errs.Combine(err, s.cleanupSource(ctx, task))
	}

	return docs.MarkDownloaded(ctx, task.ID)
}

func (s *Service) fetch(ctx context.Context, target string) (body []byte, status int, err error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval: 300 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
		Clock:           backoff.SystemClock,
		Stop:            backoff.Stop,
	}, maxRetries-1), ctx)

	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = resp.Body.Close() }()

		status = resp.StatusCode
		if status != http.StatusOK {
			// the status is an outcome, not a retryable transport failure
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		body, err = io.ReadAll(resp.Body)
		return Error.Wrap(err)
	}, policy)
	if err != nil {
		return nil, 0, err
	}
	return body, status, nil
}

// cleanupSource removes whatever this pass may have left in the source
// container, so a failed document never leaves a half-written blob behind.
func (s *Service) cleanupSource(ctx context.Context, task pipeline.DownloadTask) error {
	return s.store.Delete(ctx, s.source, []string{task.Hash + ".xml"})
}

// classify maps a transport failure onto its error code.
func classify(err error) int {
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return codeTLS
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return codeTLS
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return codeConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return codeConnection
	}
	return codeConnection
}
