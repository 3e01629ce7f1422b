// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package clean_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/IATI/refresher/pipeline/clean"
	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/pipeline/pipelinetest"
)

func timeptr(t time.Time) *time.Time { return &t }

func newService(t *testing.T, db *pipelinetest.DB, store *pipelinetest.Store) *clean.Service {
	return clean.New(zaptest.NewLogger(t), db, store, "source", "clean", nil, 2)
}

func TestCopyValid(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	db.AddDoc(&pipelinetest.Doc{ID: "doc-1", Hash: "aaa", Downloaded: timeptr(time.Now())})
	db.SetReport("doc-1", true, map[string]any{
		"valid": true, "fileType": "iati-activities", "iatiVersion": "2.03",
	})

	store := pipelinetest.NewStore()
	store.Put("source", "aaa.xml", []byte("<iati-activities/>"), nil)

	require.NoError(t, newService(t, db, store).CopyValid(ctx))

	blob, ok := store.Blob("clean", "aaa.xml")
	require.True(t, ok)
	require.Equal(t, "<iati-activities/>", string(blob.Data))
	require.Equal(t, "doc-1", blob.Tags[objectstore.TagDocumentID])

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.CleanEnd)
	require.Nil(t, doc.CleanError)
}

func TestCopyValid_MissingSourceMarksNotDownloaded(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	db.AddDoc(&pipelinetest.Doc{ID: "doc-1", Hash: "aaa", Downloaded: timeptr(time.Now())})
	db.SetReport("doc-1", true, map[string]any{
		"valid": true, "fileType": "iati-activities", "iatiVersion": "2.03",
	})

	require.NoError(t, newService(t, db, pipelinetest.NewStore()).CopyValid(ctx))

	doc := db.Docs["doc-1"]
	require.Nil(t, doc.Downloaded)
	require.Nil(t, doc.CleanEnd)
	require.Empty(t, db.Docs["doc-1"].CleanError)
}

func TestCleanInvalid_KeepsValidActivities(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	db.AddDoc(&pipelinetest.Doc{ID: "doc-1", Hash: "aaa", Downloaded: timeptr(time.Now())})
	db.SetReport("doc-1", false, map[string]any{
		"valid": false, "fileType": "iati-activities", "iatiVersion": "2.03",
		"iati-activities": []map[string]any{
			{"index": 0, "valid": false},
			{"index": 1, "valid": true},
			{"index": 2, "valid": false},
		},
	})

	store := pipelinetest.NewStore()
	store.Put("source", "aaa.xml", []byte(`<?xml version="1.0" encoding="UTF-8"?>
<iati-activities version="2.03" generated-datetime="2023-06-01T00:00:00Z">
  <iati-activity><iati-identifier>XX-1</iati-identifier></iati-activity>
  <iati-activity><iati-identifier>XX-2</iati-identifier></iati-activity>
  <iati-activity><iati-identifier>XX-3</iati-identifier></iati-activity>
</iati-activities>`), nil)

	require.NoError(t, newService(t, db, store).CleanInvalid(ctx))

	blob, ok := store.Blob("clean", "aaa.xml")
	require.True(t, ok)
	require.Equal(t, "doc-1", blob.Tags[objectstore.TagDocumentID])

	reduced := string(blob.Data)
	require.Contains(t, reduced, "XX-2")
	require.NotContains(t, reduced, "XX-1")
	require.NotContains(t, reduced, "XX-3")
	// root attributes survive the reduction
	require.Contains(t, reduced, `version="2.03"`)
	require.Contains(t, reduced, `generated-datetime="2023-06-01T00:00:00Z"`)
	require.Equal(t, 1, strings.Count(reduced, "<iati-activity>"))

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.CleanEnd)
	require.Nil(t, doc.CleanError)
}

func TestCleanInvalid_NoValidActivities(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	db.AddDoc(&pipelinetest.Doc{ID: "doc-1", Hash: "aaa", Downloaded: timeptr(time.Now())})
	db.SetReport("doc-1", false, map[string]any{
		"valid": false, "fileType": "iati-activities", "iatiVersion": "2.03",
		"iati-activities": []map[string]any{{"index": 0, "valid": false}},
	})

	store := pipelinetest.NewStore()
	store.Put("source", "aaa.xml", []byte("<iati-activities><iati-activity/></iati-activities>"), nil)

	require.NoError(t, newService(t, db, store).CleanInvalid(ctx))

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.CleanError)
	require.Equal(t, "No valid activities", *doc.CleanError)
	require.Nil(t, doc.CleanEnd)
	_, ok := store.Blob("clean", "aaa.xml")
	require.False(t, ok)
}

func TestCleanInvalid_UnparsableSource(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	db.AddDoc(&pipelinetest.Doc{ID: "doc-1", Hash: "aaa", Downloaded: timeptr(time.Now())})
	db.SetReport("doc-1", false, map[string]any{
		"valid": false, "fileType": "iati-activities", "iatiVersion": "2.03",
		"iati-activities": []map[string]any{{"index": 0, "valid": true}},
	})

	store := pipelinetest.NewStore()
	store.Put("source", "aaa.xml", []byte("<iati-organisations/>"), nil)

	require.NoError(t, newService(t, db, store).CleanInvalid(ctx))

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.CleanError)
	require.Nil(t, doc.CleanEnd)
}

func TestCleanInvalid_ErroredDocumentNotReclaimed(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	db.AddDoc(&pipelinetest.Doc{ID: "doc-1", Hash: "aaa", Downloaded: timeptr(time.Now())})
	db.SetReport("doc-1", false, map[string]any{
		"valid": false, "fileType": "iati-activities", "iatiVersion": "2.03",
		"iati-activities": []map[string]any{{"index": 0, "valid": false}},
	})

	store := pipelinetest.NewStore()
	store.Put("source", "aaa.xml", []byte("<iati-activities><iati-activity/></iati-activities>"), nil)

	service := newService(t, db, store)
	require.NoError(t, service.CleanInvalid(ctx))
	require.NotNil(t, db.Docs["doc-1"].CleanError)

	// the stored error keeps the document out of the next pass
	tasks, err := db.Documents().InvalidToClean(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)
}
