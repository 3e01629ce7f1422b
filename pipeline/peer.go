// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package pipeline defines the shared state machine that coordinates the
// document processing stages (refresh, download, validate, clean, flatten,
// lakify, solrize). The relational state store is the single source of truth
// for every document's per-stage progress; each stage claims work by stamping
// its start column and hands over to the next stage by stamping its end column.
package pipeline

import (
	"context"
	"time"
)

// DB is the state store used by every stage worker.
//
// architecture: Master Database
type DB interface {
	// Documents gives access to the document aggregate.
	Documents() Documents
	// Publishers gives access to the publisher aggregate.
	Publishers() Publishers
	// Validations gives access to validation reports.
	Validations() Validations

	// MigrateToLatest brings the schema to the version the code expects.
	// Only the refresh entry point migrates; everything else waits.
	MigrateToLatest(ctx context.Context) error
	// CheckVersion blocks until the schema version matches the code.
	CheckVersion(ctx context.Context) error

	Close() error
}

// Documents exposes the document rows and their stage-progress columns.
type Documents interface {
	// Upsert inserts the dataset or, when its hash changed, resets every
	// downstream stage column in a single statement. last_seen and the
	// publisher pointer are always bumped.
	Upsert(ctx context.Context, seen time.Time, dataset Dataset) error
	// HashChanged returns the stored row when the incoming hash differs,
	// nil when the document is new or unchanged.
	HashChanged(ctx context.Context, id, hash string) (*StaleDocument, error)

	// NotSeenAfter lists documents whose last_seen predates t.
	NotSeenAfter(ctx context.Context, t time.Time) ([]StaleDocument, error)
	// FromPublishersNotSeenAfter lists documents owned by publishers whose
	// last_seen predates t.
	FromPublishersNotSeenAfter(ctx context.Context, t time.Time) ([]StaleDocument, error)
	// RemoveNotSeenAfter deletes documents whose last_seen predates t.
	RemoveNotSeenAfter(ctx context.Context, t time.Time) (int64, error)

	// DownloadCandidates lists documents awaiting download. With retryErrors
	// it includes previously errored downloads except permanent URL errors.
	DownloadCandidates(ctx context.Context, retryErrors bool) ([]DownloadTask, error)
	MarkDownloaded(ctx context.Context, id string) error
	// MarkNotDownloaded clears downloaded and the clean columns so the
	// document is fetched and cleaned again.
	MarkNotDownloaded(ctx context.Context, id string) error
	SetDownloadError(ctx context.Context, id string, code int) error

	// Unvalidated lists documents needing a validation report, regeneration
	// requests first, oldest downloads next.
	Unvalidated(ctx context.Context) ([]ValidationTask, error)
	SetSchemaValid(ctx context.Context, id string, valid bool) error
	SetValidationRequest(ctx context.Context, id string) error
	SetValidationAPIError(ctx context.Context, id string, status int) error

	ValidToCopy(ctx context.Context) ([]CleanTask, error)
	InvalidToClean(ctx context.Context) ([]CleanTask, error)
	ResetUnfinishedCleans(ctx context.Context) error
	StartClean(ctx context.Context, id string) error
	CompleteClean(ctx context.Context, id string) error
	SetCleanError(ctx context.Context, id, message string) error

	Unflattened(ctx context.Context) ([]FlattenTask, error)
	ResetUnfinishedFlattens(ctx context.Context) error
	StartFlatten(ctx context.Context, id string) error
	CompleteFlatten(ctx context.Context, id string, activities []byte) error
	SetFlattenError(ctx context.Context, id, message string) error

	Unlakified(ctx context.Context) ([]LakifyTask, error)
	ResetUnfinishedLakifies(ctx context.Context) error
	StartLakify(ctx context.Context, id string) error
	CompleteLakify(ctx context.Context, id string) error
	SetLakifyError(ctx context.Context, id, message string) error

	Unsolrized(ctx context.Context) ([]SolrizeTask, error)
	ResetUnfinishedSolrizes(ctx context.Context) error
	StartSolrize(ctx context.Context, id string) error
	CompleteSolrize(ctx context.Context, id string) error
	SetSolrizeError(ctx context.Context, id, message string) error
	FlattenedActivities(ctx context.Context, id string) ([]byte, error)

	// SendBackToClean clears the lakify and clean columns so both stages
	// re-run; used when a lake or clean blob turned out to be missing.
	SendBackToClean(ctx context.Context, id string) error
	// SendBackToLakify clears the lakify columns only.
	SendBackToLakify(ctx context.Context, id string) error

	Count(ctx context.Context) (int64, error)
	CountToDownload(ctx context.Context) (int64, error)
}

// Publishers exposes the publisher rows.
type Publishers interface {
	Upsert(ctx context.Context, seen time.Time, org ReportingOrg) error
	RemoveNotSeenAfter(ctx context.Context, t time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)

	// BlackFlagDubious stamps black_flag on publishers exceeding threshold
	// schema-invalid documents downloaded within the period.
	BlackFlagDubious(ctx context.Context, threshold int, period time.Duration) error
	RemoveBlackFlag(ctx context.Context, orgID string) error
	UnnotifiedBlackFlags(ctx context.Context) ([]string, error)
	SetBlackFlagNotified(ctx context.Context, orgID string) error
}

// BlobStore is the object store holding the source, clean and lake
// containers. Download returns a not-found error recognisable via the
// implementing package's error class.
type BlobStore interface {
	Upload(ctx context.Context, container, key string, data []byte, tags map[string]string) error
	Download(ctx context.Context, container, key string) ([]byte, error)
	Copy(ctx context.Context, srcContainer, srcKey, dstContainer, dstKey string, tags map[string]string) error
	Delete(ctx context.Context, container string, keys []string) error
	ListPrefix(ctx context.Context, container, prefix string) ([]string, error)
	FindByTag(ctx context.Context, container, prefix, tagKey, tagValue string) ([]string, error)
}

// Validations exposes validation reports.
type Validations interface {
	// UpdateState inserts a validation report and repoints the document at
	// it in one transaction, clearing regenerate_validation_report.
	UpdateState(ctx context.Context, doc ValidationTask, valid bool, report []byte) error
}

// Dataset is one entry of the Bulk Data Service dataset index, mapped onto the
// document row.
type Dataset struct {
	ID            string
	Name          string
	Hash          string
	URL           string
	BDSCacheURL   *string
	PublisherID   string
	PublisherName string
	Modified      time.Time
}

// ReportingOrg is one entry of the Bulk Data Service reporting-org index.
type ReportingOrg struct {
	OrgID          string
	ShortName      string
	Title          string
	IATIIdentifier string
	DatasetCount   int
}

// StaleDocument identifies a document scheduled for cross-store cleanup.
type StaleDocument struct {
	ID   string
	Hash string
}

// DownloadTask is one document awaiting download.
type DownloadTask struct {
	ID          string
	Hash        string
	BDSCacheURL *string
}

// ValidationTask is one document awaiting a validation report.
type ValidationTask struct {
	ID            string
	Hash          string
	URL           string
	Downloaded    time.Time
	Publisher     string
	PublisherName string
	// SchemaValid is nil until the schema validation service has answered.
	SchemaValid  *bool
	BlackFlagged bool
}

// CleanTask is one document awaiting either the valid copy or the invalid
// clean sub-stage. Report carries the current validation report for the
// invalid path; the valid path does not need it.
type CleanTask struct {
	ID     string
	Hash   string
	Report []byte
}

// FlattenTask is one document awaiting flattening.
type FlattenTask struct {
	ID         string
	Hash       string
	Downloaded time.Time
}

// LakifyTask is one document awaiting lakifying.
type LakifyTask struct {
	ID         string
	Hash       string
	Downloaded time.Time
}

// SolrizeTask is one document awaiting search indexing.
type SolrizeTask struct {
	ID   string
	Hash string
}
