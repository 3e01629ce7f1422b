// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package bds implements the client for the Bulk Data Service indices.
package bds

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/IATI/refresher/pipeline/config"
)

var (
	// Error is the default bds errs class.
	Error = errs.Class("bds")

	mon = monkit.Package()
)

// maxRetries matches the retry budget of the rest of the upstream HTTP calls.
const maxRetries = 10

// DatasetIndex is the catalogue of every registered dataset, produced as one
// atomic unit per Bulk Data Service run.
type DatasetIndex struct {
	IndexCreated int64            `json:"index_created_unix_timestamp"`
	Datasets     []IndexedDataset `json:"datasets"`
}

// IndexedDataset is one dataset entry. URLXML is the service-controlled cache
// copy and is nil when the service has never fetched the dataset.
type IndexedDataset struct {
	ID                    string  `json:"id"`
	ShortName             string  `json:"short_name"`
	Hash                  string  `json:"hash_excluding_generated_timestamp"`
	URLXML                *string `json:"url_xml"`
	SourceURL             string  `json:"source_url"`
	ReportingOrgID        string  `json:"reporting_org_id"`
	ReportingOrgShortName string  `json:"reporting_org_short_name"`
}

// ReportingOrgIndex is the catalogue of registered publishers.
type ReportingOrgIndex struct {
	IndexCreated  int64                 `json:"index_created_unix_timestamp"`
	ReportingOrgs []IndexedReportingOrg `json:"reporting_orgs"`
}

// IndexedReportingOrg is one publisher entry.
type IndexedReportingOrg struct {
	ID                string `json:"id"`
	ShortName         string `json:"short_name"`
	HumanReadableName string `json:"human_readable_name"`
	IATIIdentifier    string `json:"iati_identifier"`
}

// Client fetches the Bulk Data Service indices.
type Client struct {
	datasetIndexURL      string
	reportingOrgIndexURL string
	client               *http.Client
}

// New returns a client for the configured index endpoints.
func New(cfg config.BDSConfig) *Client {
	return &Client{
		datasetIndexURL:      cfg.DatasetIndexURL,
		reportingOrgIndexURL: cfg.ReportingOrgIndexURL,
		client:               &http.Client{Timeout: cfg.Timeout},
	}
}

// DatasetIndex fetches and decodes the dataset index.
func (c *Client) DatasetIndex(ctx context.Context) (index *DatasetIndex, err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := c.get(ctx, c.datasetIndexURL)
	if err != nil {
		return nil, err
	}
	index = &DatasetIndex{}
	if err := json.Unmarshal(body, index); err != nil {
		return nil, Error.Wrap(err)
	}
	return index, nil
}

// ReportingOrgIndex fetches and decodes the reporting-org index.
func (c *Client) ReportingOrgIndex(ctx context.Context) (index *ReportingOrgIndex, err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := c.get(ctx, c.reportingOrgIndexURL)
	if err != nil {
		return nil, err
	}
	index = &ReportingOrgIndex{}
	if err := json.Unmarshal(body, index); err != nil {
		return nil, Error.Wrap(err)
	}
	return index, nil
}

// DatasetIndexETag issues a HEAD request for the dataset index and returns its
// ETag. A missing ETag header is a hard error; the refresh loop depends on it
// to detect new index runs.
func (c *Client) DatasetIndexETag(ctx context.Context) (etag string, err error) {
	defer mon.Task()(&ctx)(&err)

	err = c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.datasetIndexURL, nil)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return Error.New("unexpected status %d from HEAD %s", resp.StatusCode, c.datasetIndexURL)
		}
		etag = resp.Header.Get("ETag")
		return nil
	})
	if err != nil {
		return "", err
	}
	if etag == "" {
		return "", Error.New("the bulk data service must supply an ETag on the dataset index")
	}
	return etag, nil
}

func (c *Client) get(ctx context.Context, url string) (body []byte, err error) {
	err = c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return Error.New("unexpected status %d from GET %s", resp.StatusCode, url)
		}
		body, err = io.ReadAll(resp.Body)
		return Error.Wrap(err)
	})
	return body, err
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval: 300 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
		Clock:           backoff.SystemClock,
		Stop:            backoff.Stop,
	}, maxRetries-1), ctx)
	return backoff.Retry(op, policy)
}
