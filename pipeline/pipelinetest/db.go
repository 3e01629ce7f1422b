// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package pipelinetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/IATI/refresher/pipeline"
)

// Doc is one in-memory document row.
type Doc struct {
	ID          string
	Hash        string
	URL         string
	Name        string
	BDSCacheURL *string
	PublisherID string

	FirstSeen time.Time
	LastSeen  time.Time
	Modified  time.Time

	Downloaded    *time.Time
	DownloadError *int

	ValidationRequest  *time.Time
	ValidationAPIError *int
	FileSchemaValid    *bool
	Validation         *int
	RegenerateReport   bool

	CleanStart *time.Time
	CleanEnd   *time.Time
	CleanError *string

	FlattenStart        *time.Time
	FlattenEnd          *time.Time
	FlattenError        *string
	FlattenedActivities []byte

	LakifyStart *time.Time
	LakifyEnd   *time.Time
	LakifyError *string

	SolrizeStart   *time.Time
	SolrizeEnd     *time.Time
	SolrizeError   *string
	LastSolrizeEnd *time.Time
	SolrizeReindex bool
}

// Pub is one in-memory publisher row.
type Pub struct {
	OrgID        string
	Name         string
	Title        string
	IATIID       string
	PackageCount int
	LastSeen     time.Time

	BlackFlag         *time.Time
	BlackFlagNotified bool
}

// ValidationRow is one stored validation report.
type ValidationRow struct {
	ID            int
	DocumentID    string
	DocumentHash  string
	Publisher     string
	PublisherName string
	Valid         bool
	Report        []byte
}

// DB is an in-memory pipeline.DB.
type DB struct {
	mu sync.Mutex

	Docs        map[string]*Doc
	Pubs        map[string]*Pub
	Reports     map[int]*ValidationRow
	nextReport  int
	MigrateRuns int
}

var _ pipeline.DB = (*DB)(nil)

// NewDB returns an empty in-memory state store.
func NewDB() *DB {
	return &DB{
		Docs:       make(map[string]*Doc),
		Pubs:       make(map[string]*Pub),
		Reports:    make(map[int]*ValidationRow),
		nextReport: 1,
	}
}

// AddDoc seeds a document row.
func (db *DB) AddDoc(doc *Doc) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.Docs[doc.ID] = doc
}

// AddPub seeds a publisher row.
func (db *DB) AddPub(pub *Pub) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.Pubs[pub.OrgID] = pub
}

// SetReport seeds a validation report and points the document at it.
func (db *DB) SetReport(docID string, valid bool, report any) {
	raw, err := json.Marshal(report)
	if err != nil {
		panic(err)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.nextReport
	db.nextReport++
	db.Reports[id] = &ValidationRow{ID: id, DocumentID: docID, Valid: valid, Report: raw}
	if doc := db.Docs[docID]; doc != nil {
		doc.Validation = &id
	}
}

// Documents implements pipeline.DB.
func (db *DB) Documents() pipeline.Documents { return (*docs)(db) }

// Publishers implements pipeline.DB.
func (db *DB) Publishers() pipeline.Publishers { return (*pubs)(db) }

// Validations implements pipeline.DB.
func (db *DB) Validations() pipeline.Validations { return (*validations)(db) }

// MigrateToLatest implements pipeline.DB.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.MigrateRuns++
	return nil
}

// CheckVersion implements pipeline.DB.
func (db *DB) CheckVersion(ctx context.Context) error { return nil }

// Close implements pipeline.DB.
func (db *DB) Close() error { return nil }

func (db *DB) report(doc *Doc) *ValidationRow {
	if doc.Validation == nil {
		return nil
	}
	return db.Reports[*doc.Validation]
}

func (db *DB) reportField(doc *Doc, field string) (string, bool) {
	row := db.report(doc)
	if row == nil {
		return "", false
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(row.Report, &decoded); err != nil {
		return "", false
	}
	raw, ok := decoded[field]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", true
	}
	return value, true
}

func (db *DB) sortedDocs() []*Doc {
	out := make([]*Doc, 0, len(db.Docs))
	for _, doc := range db.Docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i], out[j]
		switch {
		case di.Downloaded == nil && dj.Downloaded == nil:
			return di.ID < dj.ID
		case di.Downloaded == nil:
			return false
		case dj.Downloaded == nil:
			return true
		case di.Downloaded.Equal(*dj.Downloaded):
			return di.ID < dj.ID
		default:
			return di.Downloaded.Before(*dj.Downloaded)
		}
	})
	return out
}

type docs DB

func (d *docs) db() *DB { return (*DB)(d) }

func (d *docs) Upsert(ctx context.Context, seen time.Time, dataset pipeline.Dataset) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.Docs[dataset.ID]
	if !ok {
		d.Docs[dataset.ID] = &Doc{
			ID:          dataset.ID,
			Hash:        dataset.Hash,
			URL:         dataset.URL,
			Name:        dataset.Name,
			BDSCacheURL: dataset.BDSCacheURL,
			PublisherID: dataset.PublisherID,
			FirstSeen:   seen,
			LastSeen:    seen,
		}
		return nil
	}
	if doc.Hash != dataset.Hash {
		*doc = Doc{
			ID:          doc.ID,
			Hash:        dataset.Hash,
			URL:         dataset.URL,
			Name:        dataset.Name,
			BDSCacheURL: dataset.BDSCacheURL,
			PublisherID: dataset.PublisherID,
			FirstSeen:   doc.FirstSeen,
			Modified:    seen,
		}
	}
	doc.LastSeen = seen
	doc.PublisherID = dataset.PublisherID
	return nil
}

func (d *docs) HashChanged(ctx context.Context, id, hash string) (*pipeline.StaleDocument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.Docs[id]
	if !ok || doc.Hash == hash {
		return nil, nil
	}
	return &pipeline.StaleDocument{ID: doc.ID, Hash: doc.Hash}, nil
}

func (d *docs) NotSeenAfter(ctx context.Context, t time.Time) ([]pipeline.StaleDocument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var stale []pipeline.StaleDocument
	for _, doc := range d.db().sortedDocs() {
		if doc.LastSeen.Before(t) {
			stale = append(stale, pipeline.StaleDocument{ID: doc.ID, Hash: doc.Hash})
		}
	}
	return stale, nil
}

func (d *docs) FromPublishersNotSeenAfter(ctx context.Context, t time.Time) ([]pipeline.StaleDocument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var stale []pipeline.StaleDocument
	for _, doc := range d.db().sortedDocs() {
		pub := d.Pubs[doc.PublisherID]
		if pub != nil && pub.LastSeen.Before(t) {
			stale = append(stale, pipeline.StaleDocument{ID: doc.ID, Hash: doc.Hash})
		}
	}
	return stale, nil
}

func (d *docs) RemoveNotSeenAfter(ctx context.Context, t time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var count int64
	for id, doc := range d.Docs {
		if doc.LastSeen.Before(t) {
			delete(d.Docs, id)
			count++
		}
	}
	return count, nil
}

func (d *docs) DownloadCandidates(ctx context.Context, retryErrors bool) ([]pipeline.DownloadTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var tasks []pipeline.DownloadTask
	for _, doc := range d.db().sortedDocs() {
		if doc.Downloaded != nil {
			continue
		}
		if doc.DownloadError != nil && (!retryErrors || *doc.DownloadError == 3) {
			continue
		}
		tasks = append(tasks, pipeline.DownloadTask{ID: doc.ID, Hash: doc.Hash, BDSCacheURL: doc.BDSCacheURL})
	}
	return tasks, nil
}

func (d *docs) MarkDownloaded(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		now := time.Now()
		doc.Downloaded = &now
		doc.DownloadError = nil
	})
}

func (d *docs) MarkNotDownloaded(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		doc.Downloaded = nil
		doc.CleanStart, doc.CleanEnd, doc.CleanError = nil, nil, nil
	})
}

func (d *docs) SetDownloadError(ctx context.Context, id string, code int) error {
	return d.update(id, func(doc *Doc) {
		doc.Downloaded = nil
		doc.DownloadError = &code
	})
}

func (d *docs) Unvalidated(ctx context.Context) ([]pipeline.ValidationTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var regen, fresh []pipeline.ValidationTask
	for _, doc := range d.db().sortedDocs() {
		if doc.Downloaded == nil || doc.DownloadError != nil || doc.Hash == "" {
			continue
		}
		if doc.Validation != nil && !doc.RegenerateReport {
			continue
		}
		task := pipeline.ValidationTask{
			ID:          doc.ID,
			Hash:        doc.Hash,
			URL:         doc.URL,
			Downloaded:  *doc.Downloaded,
			Publisher:   doc.PublisherID,
			SchemaValid: doc.FileSchemaValid,
		}
		if pub := d.Pubs[doc.PublisherID]; pub != nil {
			task.PublisherName = pub.Name
			task.BlackFlagged = pub.BlackFlag != nil
		}
		if doc.RegenerateReport {
			regen = append(regen, task)
		} else {
			fresh = append(fresh, task)
		}
	}
	return append(regen, fresh...), nil
}

func (d *docs) SetSchemaValid(ctx context.Context, id string, valid bool) error {
	return d.update(id, func(doc *Doc) { doc.FileSchemaValid = &valid })
}

func (d *docs) SetValidationRequest(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		now := time.Now()
		doc.ValidationRequest = &now
	})
}

func (d *docs) SetValidationAPIError(ctx context.Context, id string, status int) error {
	return d.update(id, func(doc *Doc) { doc.ValidationAPIError = &status })
}

func (d *docs) ValidToCopy(ctx context.Context) ([]pipeline.CleanTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var tasks []pipeline.CleanTask
	for _, doc := range d.db().sortedDocs() {
		row := d.db().report(doc)
		if doc.Downloaded == nil || doc.Hash == "" || doc.CleanStart != nil || doc.CleanEnd != nil {
			continue
		}
		fileType, _ := d.db().reportField(doc, "fileType")
		if row == nil || !row.Valid || fileType != "iati-activities" {
			continue
		}
		tasks = append(tasks, pipeline.CleanTask{ID: doc.ID, Hash: doc.Hash})
	}
	return tasks, nil
}

func (d *docs) InvalidToClean(ctx context.Context) ([]pipeline.CleanTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var tasks []pipeline.CleanTask
	for _, doc := range d.db().sortedDocs() {
		pub := d.Pubs[doc.PublisherID]
		if pub != nil && pub.BlackFlag != nil {
			continue
		}
		if doc.Downloaded == nil || doc.Hash == "" ||
			doc.CleanStart != nil || doc.CleanEnd != nil || doc.CleanError != nil {
			continue
		}
		row := d.db().report(doc)
		if row == nil || row.Valid {
			continue
		}
		fileType, _ := d.db().reportField(doc, "fileType")
		version, _ := d.db().reportField(doc, "iatiVersion")
		if fileType != "iati-activities" || version == "" || version[0] == '1' {
			continue
		}
		var decoded map[string]json.RawMessage
		if err := json.Unmarshal(row.Report, &decoded); err != nil {
			continue
		}
		if _, ok := decoded["iati-activities"]; !ok {
			continue
		}
		tasks = append(tasks, pipeline.CleanTask{ID: doc.ID, Hash: doc.Hash, Report: row.Report})
	}
	return tasks, nil
}

func (d *docs) ResetUnfinishedCleans(ctx context.Context) error {
	return d.each(func(doc *Doc) {
		if doc.CleanEnd == nil && doc.CleanError == nil {
			doc.CleanStart = nil
		}
	})
}

func (d *docs) StartClean(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		now := time.Now()
		doc.CleanStart = &now
		doc.CleanError = nil
	})
}

func (d *docs) CompleteClean(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		now := time.Now()
		doc.CleanEnd = &now
		doc.CleanError = nil
	})
}

func (d *docs) SetCleanError(ctx context.Context, id, message string) error {
	return d.update(id, func(doc *Doc) { doc.CleanError = &message })
}

func (d *docs) Unflattened(ctx context.Context) ([]pipeline.FlattenTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var tasks []pipeline.FlattenTask
	for _, doc := range d.db().sortedDocs() {
		if doc.Downloaded == nil || doc.CleanEnd == nil || doc.CleanError != nil || doc.FlattenStart != nil {
			continue
		}
		tasks = append(tasks, pipeline.FlattenTask{ID: doc.ID, Hash: doc.Hash, Downloaded: *doc.Downloaded})
	}
	return tasks, nil
}

func (d *docs) ResetUnfinishedFlattens(ctx context.Context) error {
	return d.each(func(doc *Doc) {
		if doc.FlattenEnd == nil && doc.FlattenError == nil {
			doc.FlattenStart = nil
		}
	})
}

func (d *docs) StartFlatten(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		now := time.Now()
		doc.FlattenStart = &now
		doc.FlattenError = nil
	})
}

func (d *docs) CompleteFlatten(ctx context.Context, id string, activities []byte) error {
	return d.update(id, func(doc *Doc) {
		now := time.Now()
		doc.FlattenEnd = &now
		doc.FlattenedActivities = activities
		doc.FlattenError = nil
	})
}

func (d *docs) SetFlattenError(ctx context.Context, id, message string) error {
	return d.update(id, func(doc *Doc) { doc.FlattenError = &message })
}

func (d *docs) Unlakified(ctx context.Context) ([]pipeline.LakifyTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var tasks []pipeline.LakifyTask
	for _, doc := range d.db().sortedDocs() {
		if doc.Downloaded == nil || doc.CleanEnd == nil || doc.CleanError != nil ||
			doc.LakifyStart != nil || doc.LakifyError != nil {
			continue
		}
		tasks = append(tasks, pipeline.LakifyTask{ID: doc.ID, Hash: doc.Hash, Downloaded: *doc.Downloaded})
	}
	return tasks, nil
}

func (d *docs) ResetUnfinishedLakifies(ctx context.Context) error {
	return d.each(func(doc *Doc) {
		if doc.LakifyEnd == nil && doc.LakifyError == nil {
			doc.LakifyStart = nil
		}
	})
}

func (d *docs) StartLakify(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		now := time.Now()
		doc.LakifyStart = &now
		doc.LakifyError = nil
	})
}

func (d *docs) CompleteLakify(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		now := time.Now()
		doc.LakifyEnd = &now
		doc.LakifyError = nil
	})
}

func (d *docs) SetLakifyError(ctx context.Context, id, message string) error {
	return d.update(id, func(doc *Doc) { doc.LakifyError = &message })
}

func (d *docs) Unsolrized(ctx context.Context) ([]pipeline.SolrizeTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var tasks []pipeline.SolrizeTask
	for _, doc := range d.db().sortedDocs() {
		if doc.Downloaded == nil || doc.Hash == "" ||
			doc.FlattenEnd == nil || doc.LakifyEnd == nil || doc.SolrizeStart != nil {
			continue
		}
		if doc.SolrizeEnd != nil && !doc.SolrizeReindex {
			continue
		}
		if string(doc.FlattenedActivities) == "[]" {
			continue
		}
		version, _ := d.db().reportField(doc, "iatiVersion")
		if version == "" || version[0] == '1' {
			continue
		}
		tasks = append(tasks, pipeline.SolrizeTask{ID: doc.ID, Hash: doc.Hash})
	}
	return tasks, nil
}

func (d *docs) ResetUnfinishedSolrizes(ctx context.Context) error {
	return d.each(func(doc *Doc) {
		if doc.SolrizeEnd == nil && doc.SolrizeError == nil {
			doc.SolrizeStart = nil
		}
	})
}

func (d *docs) StartSolrize(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		now := time.Now()
		doc.SolrizeStart = &now
		doc.SolrizeError = nil
	})
}

func (d *docs) CompleteSolrize(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		now := time.Now()
		doc.SolrizeEnd = &now
		doc.LastSolrizeEnd = &now
		doc.SolrizeError = nil
		doc.SolrizeReindex = false
	})
}

func (d *docs) SetSolrizeError(ctx context.Context, id, message string) error {
	return d.update(id, func(doc *Doc) { doc.SolrizeError = &message })
}

func (d *docs) FlattenedActivities(ctx context.Context, id string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.Docs[id]
	if !ok {
		return nil, nil
	}
	return doc.FlattenedActivities, nil
}

func (d *docs) SendBackToClean(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		doc.CleanStart, doc.CleanEnd, doc.CleanError = nil, nil, nil
		doc.LakifyStart, doc.LakifyEnd, doc.LakifyError = nil, nil, nil
	})
}

func (d *docs) SendBackToLakify(ctx context.Context, id string) error {
	return d.update(id, func(doc *Doc) {
		doc.LakifyStart, doc.LakifyEnd, doc.LakifyError = nil, nil, nil
	})
}

func (d *docs) Count(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.Docs)), nil
}

func (d *docs) CountToDownload(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var count int64
	for _, doc := range d.Docs {
		if doc.Downloaded == nil && doc.DownloadError == nil {
			count++
		}
	}
	return count, nil
}

func (d *docs) update(id string, fn func(*Doc)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if doc, ok := d.Docs[id]; ok {
		fn(doc)
	}
	return nil
}

func (d *docs) each(fn func(*Doc)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, doc := range d.Docs {
		fn(doc)
	}
	return nil
}

type pubs DB

func (p *pubs) Upsert(ctx context.Context, seen time.Time, org pipeline.ReportingOrg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.Pubs[org.OrgID]
	if !ok {
		pub = &Pub{OrgID: org.OrgID}
		p.Pubs[org.OrgID] = pub
	}
	pub.Name = org.ShortName
	pub.Title = org.Title
	pub.IATIID = org.IATIIdentifier
	pub.PackageCount = org.DatasetCount
	pub.LastSeen = seen
	return nil
}

func (p *pubs) RemoveNotSeenAfter(ctx context.Context, t time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var count int64
	for id, pub := range p.Pubs {
		if pub.LastSeen.Before(t) {
			delete(p.Pubs, id)
			count++
			for docID, doc := range p.Docs {
				if doc.PublisherID == id {
					delete(p.Docs, docID)
				}
			}
		}
	}
	return count, nil
}

func (p *pubs) Count(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.Pubs)), nil
}

func (p *pubs) BlackFlagDubious(ctx context.Context, threshold int, period time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-period)
	invalid := make(map[string]int)
	for _, doc := range p.Docs {
		if doc.FileSchemaValid != nil && !*doc.FileSchemaValid &&
			doc.Downloaded != nil && doc.Downloaded.After(cutoff) {
			invalid[doc.PublisherID]++
		}
	}
	for orgID, count := range invalid {
		pub := p.Pubs[orgID]
		if pub != nil && pub.BlackFlag == nil && count > threshold {
			now := time.Now()
			pub.BlackFlag = &now
		}
	}
	return nil
}

func (p *pubs) RemoveBlackFlag(ctx context.Context, orgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.Pubs[orgID]
	if !ok {
		return nil
	}
	pub.BlackFlag = nil
	pub.BlackFlagNotified = false
	for _, doc := range p.Docs {
		if doc.PublisherID == orgID {
			doc.RegenerateReport = true
			doc.FileSchemaValid = nil
			doc.ValidationAPIError = nil
		}
	}
	return nil
}

func (p *pubs) UnnotifiedBlackFlags(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var orgIDs []string
	for id, pub := range p.Pubs {
		if pub.BlackFlag != nil && !pub.BlackFlagNotified {
			orgIDs = append(orgIDs, id)
		}
	}
	sort.Strings(orgIDs)
	return orgIDs, nil
}

func (p *pubs) SetBlackFlagNotified(ctx context.Context, orgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pub, ok := p.Pubs[orgID]; ok {
		pub.BlackFlagNotified = true
	}
	return nil
}

type validations DB

func (v *validations) UpdateState(ctx context.Context, doc pipeline.ValidationTask, valid bool, report []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextReport
	v.nextReport++
	v.Reports[id] = &ValidationRow{
		ID:            id,
		DocumentID:    doc.ID,
		DocumentHash:  doc.Hash,
		Publisher:     doc.Publisher,
		PublisherName: doc.PublisherName,
		Valid:         valid,
		Report:        report,
	}
	if row, ok := v.Docs[doc.ID]; ok {
		row.Validation = &id
		row.RegenerateReport = false
	}
	return nil
}
