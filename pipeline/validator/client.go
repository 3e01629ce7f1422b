// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package validator implements clients for the remote schema and full
// validation services. Both take the raw document XML as the request body and
// authenticate with a configurable key header.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/IATI/refresher/pipeline/config"
)

var (
	// Error is the default validator errs class.
	Error = errs.Class("validator")

	mon = monkit.Package()
)

// Report is a full-validation response. The fields the pipeline routes on are
// typed; everything else stays in Raw and is persisted untouched.
type Report struct {
	Valid       *bool            `json:"valid"`
	FileType    string           `json:"fileType"`
	IATIVersion string           `json:"iatiVersion"`
	Activities  []ActivityReport `json:"iati-activities"`

	Raw []byte `json:"-"`
}

// ActivityReport is the per-activity validity entry used by clean_invalid.
type ActivityReport struct {
	Index int  `json:"index"`
	Valid bool `json:"valid"`
}

// ParseReport decodes the routed-on fields, keeping the raw bytes alongside.
func ParseReport(raw []byte) (*Report, error) {
	report := &Report{Raw: raw}
	if err := json.Unmarshal(raw, report); err != nil {
		return nil, Error.Wrap(err)
	}
	return report, nil
}

// SchemaResult is a schema validation response. Valid is nil when the service
// answered with a status the caller should record instead of a verdict.
type SchemaResult struct {
	Status int
	Valid  *bool
}

// FullResult is a full validation response body plus its HTTP status. Statuses
// 400, 413 and 422 still carry a usable report.
type FullResult struct {
	Status int
	Report *Report
}

// ExpectedStatus reports whether a non-200 full validation status is one the
// service uses to describe the document rather than to refuse the request.
func ExpectedStatus(status int) bool {
	return status == http.StatusBadRequest ||
		status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnprocessableEntity
}

type endpoint struct {
	url      string
	keyName  string
	keyValue string
	client   *http.Client
}

// Client talks to both validation services.
type Client struct {
	schema endpoint
	full   endpoint
}

// New returns a client for the configured validation endpoints.
func New(cfg config.ValidateConfig) *Client {
	return &Client{
		schema: endpoint{
			url:      cfg.SchemaValidationURL,
			keyName:  cfg.SchemaValidationKeyName,
			keyValue: cfg.SchemaValidationKeyValue,
			client:   &http.Client{Timeout: cfg.SchemaValidationTimeout},
		},
		full: endpoint{
			url:      cfg.FullValidationURL,
			keyName:  cfg.FullValidationKeyName,
			keyValue: cfg.FullValidationKeyValue,
			client:   &http.Client{Timeout: cfg.FullValidationTimeout},
		},
	}
}

// ValidateSchema posts the document for schema validation. A 4xx/5xx answer
// yields a nil verdict with the status for the caller to record.
func (c *Client) ValidateSchema(ctx context.Context, payload []byte) (_ SchemaResult, err error) {
	defer mon.Task()(&ctx)(&err)

	status, body, err := c.schema.post(ctx, c.schema.url, payload)
	if err != nil {
		return SchemaResult{}, err
	}
	if status >= 400 {
		return SchemaResult{Status: status}, nil
	}

	var verdict struct {
		Valid *bool `json:"valid"`
	}
	if err := json.Unmarshal(body, &verdict); err != nil || verdict.Valid == nil {
		return SchemaResult{}, Error.New("unexpected schema validator response (status %d)", status)
	}
	return SchemaResult{Status: status, Valid: verdict.Valid}, nil
}

// ValidateFull posts the document for full validation. With meta the service
// includes the per-activity validity index needed to clean invalid files. The
// report is nil when the status carries no usable body.
func (c *Client) ValidateFull(ctx context.Context, payload []byte, meta bool) (_ FullResult, err error) {
	defer mon.Task()(&ctx)(&err)

	url := c.full.url
	if meta {
		url += "?meta=true"
	}
	status, body, err := c.full.post(ctx, url, payload)
	if err != nil {
		return FullResult{}, err
	}
	if status != http.StatusOK && !ExpectedStatus(status) {
		return FullResult{Status: status}, nil
	}

	report, err := ParseReport(body)
	if err != nil {
		return FullResult{}, err
	}
	return FullResult{Status: status, Report: report}, nil
}

func (e *endpoint) post(ctx context.Context, url string, payload []byte) (status int, body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/xml")
	if e.keyName != "" {
		req.Header.Set(e.keyName, e.keyValue)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, Error.Wrap(err)
	}
	return resp.StatusCode, body, nil
}
