// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package validate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/IATI/refresher/pipeline/pipelinetest"
	"github.com/IATI/refresher/pipeline/validate"
	"github.com/IATI/refresher/pipeline/validator"
)

type fakeChecker struct {
	schemaValid  *bool
	schemaStatus int
	fullStatus   int
	fullReport   map[string]any

	schemaCalls int
	fullCalls   int
	fullMeta    bool
}

func (f *fakeChecker) ValidateSchema(ctx context.Context, payload []byte) (validator.SchemaResult, error) {
	f.schemaCalls++
	status := f.schemaStatus
	if status == 0 {
		status = http.StatusOK
	}
	return validator.SchemaResult{Status: status, Valid: f.schemaValid}, nil
}

func (f *fakeChecker) ValidateFull(ctx context.Context, payload []byte, meta bool) (validator.FullResult, error) {
	f.fullCalls++
	f.fullMeta = meta
	status := f.fullStatus
	if status == 0 {
		status = http.StatusOK
	}
	if f.fullReport == nil {
		return validator.FullResult{Status: status}, nil
	}
	raw, err := json.Marshal(f.fullReport)
	if err != nil {
		return validator.FullResult{}, err
	}
	report, err := validator.ParseReport(raw)
	if err != nil {
		return validator.FullResult{}, err
	}
	return validator.FullResult{Status: status, Report: report}, nil
}

func boolptr(b bool) *bool { return &b }

func timeptr(t time.Time) *time.Time { return &t }

func newService(t *testing.T, db *pipelinetest.DB, store *pipelinetest.Store, checker *fakeChecker) *validate.Service {
	return validate.New(zaptest.NewLogger(t), db, store, "source", checker, nil, 2*time.Hour, 2)
}

func TestRunOnce_ValidDocument(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	downloaded := time.Now().Add(-3 * time.Hour)
	db.AddDoc(&pipelinetest.Doc{ID: "doc-1", Hash: "aaa", Downloaded: timeptr(downloaded)})

	store := pipelinetest.NewStore()
	store.Put("source", "aaa.xml", []byte("<iati-activities/>"), nil)

	checker := &fakeChecker{
		schemaValid: boolptr(true),
		fullReport:  map[string]any{"valid": true, "fileType": "iati-activities", "iatiVersion": "2.03"},
	}

	require.NoError(t, newService(t, db, store, checker).RunOnce(ctx))

	require.Equal(t, 1, checker.schemaCalls)
	require.Equal(t, 1, checker.fullCalls)
	require.False(t, checker.fullMeta)

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.FileSchemaValid)
	require.True(t, *doc.FileSchemaValid)
	require.NotNil(t, doc.Validation)
	require.True(t, db.Reports[*doc.Validation].Valid)
}

func TestRunOnce_InvalidDocumentRequestsMeta(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	downloaded := time.Now().Add(-3 * time.Hour)
	db.AddDoc(&pipelinetest.Doc{ID: "doc-1", Hash: "aaa", Downloaded: timeptr(downloaded)})

	store := pipelinetest.NewStore()
	store.Put("source", "aaa.xml", []byte("<bad/>"), nil)

	checker := &fakeChecker{
		schemaValid: boolptr(false),
		fullStatus:  http.StatusUnprocessableEntity,
		fullReport: map[string]any{
			"valid": false, "fileType": "iati-activities", "iatiVersion": "2.03",
			"iati-activities": []map[string]any{{"index": 0, "valid": true}},
		},
	}

	require.NoError(t, newService(t, db, store, checker).RunOnce(ctx))

	require.True(t, checker.fullMeta)
	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.ValidationAPIError)
	require.Equal(t, http.StatusUnprocessableEntity, *doc.ValidationAPIError)
	require.NotNil(t, doc.Validation)
	require.False(t, db.Reports[*doc.Validation].Valid)
}

func TestRunOnce_SkipGates(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	// schema-invalid and downloaded just now: inside the safety period
	db.AddDoc(&pipelinetest.Doc{
		ID: "doc-recent", Hash: "aaa",
		Downloaded:      timeptr(time.Now().Add(-10 * time.Minute)),
		FileSchemaValid: boolptr(false),
	})
	// schema-invalid, old download, black-flagged publisher
	flagged := time.Now()
	db.AddPub(&pipelinetest.Pub{OrgID: "pub-bad", Name: "bad", BlackFlag: &flagged})
	db.AddDoc(&pipelinetest.Doc{
		ID: "doc-flagged", Hash: "bbb", PublisherID: "pub-bad",
		Downloaded:      timeptr(time.Now().Add(-30 * time.Hour)),
		FileSchemaValid: boolptr(false),
	})

	store := pipelinetest.NewStore()
	store.Put("source", "aaa.xml", []byte("<x/>"), nil)
	store.Put("source", "bbb.xml", []byte("<x/>"), nil)

	checker := &fakeChecker{schemaValid: boolptr(false)}
	require.NoError(t, newService(t, db, store, checker).RunOnce(ctx))

	require.Zero(t, checker.schemaCalls)
	require.Zero(t, checker.fullCalls)
}

func TestRunOnce_MissingBlobMarksNotDownloaded(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	cleanEnd := time.Now()
	db.AddDoc(&pipelinetest.Doc{
		ID: "doc-1", Hash: "aaa",
		Downloaded: timeptr(time.Now().Add(-3 * time.Hour)),
		CleanEnd:   &cleanEnd,
	})

	checker := &fakeChecker{schemaValid: boolptr(true)}
	require.NoError(t, newService(t, db, pipelinetest.NewStore(), checker).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.Nil(t, doc.Downloaded)
	require.Nil(t, doc.CleanEnd)
	require.Zero(t, checker.schemaCalls)
}

func TestRunOnce_SchemaServiceErrorSkipsDocument(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	db.AddDoc(&pipelinetest.Doc{ID: "doc-1", Hash: "aaa", Downloaded: timeptr(time.Now().Add(-3 * time.Hour))})

	store := pipelinetest.NewStore()
	store.Put("source", "aaa.xml", []byte("<x/>"), nil)

	checker := &fakeChecker{schemaStatus: http.StatusBadGateway}
	require.NoError(t, newService(t, db, store, checker).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.ValidationAPIError)
	require.Equal(t, http.StatusBadGateway, *doc.ValidationAPIError)
	require.Nil(t, doc.Validation)
	require.Zero(t, checker.fullCalls)
}
