// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package flatten_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/IATI/refresher/pipeline/flatten"
	"github.com/IATI/refresher/pipeline/pipelinetest"
)

func timeptr(t time.Time) *time.Time { return &t }

func newService(t *testing.T, db *pipelinetest.DB, store *pipelinetest.Store) *flatten.Service {
	flattener := flatten.NewFlattener([]string{"transaction", "budget"})
	return flatten.New(zaptest.NewLogger(t), db, store, "clean", flattener, nil, 2)
}

func cleanedDoc(db *pipelinetest.DB, id, hash string) {
	now := time.Now()
	db.AddDoc(&pipelinetest.Doc{
		ID: id, Hash: hash,
		Downloaded: timeptr(now.Add(-time.Hour)),
		CleanEnd:   timeptr(now),
	})
}

func TestFlattenRunOnce(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	cleanedDoc(db, "doc-1", "aaa")

	store := pipelinetest.NewStore()
	store.Put("clean", "aaa.xml", []byte(`<iati-activities version="2.03">
		<iati-activity><iati-identifier>XX-1</iati-identifier></iati-activity>
		<iati-activity><iati-identifier>XX-2</iati-identifier></iati-activity>
	</iati-activities>`), nil)

	require.NoError(t, newService(t, db, store).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.FlattenEnd)
	require.Nil(t, doc.FlattenError)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(doc.FlattenedActivities, &records))
	require.Len(t, records, 2)
	require.Equal(t, "XX-1", records[0]["iati_identifier"])
	require.Equal(t, "XX-2", records[1]["iati_identifier"])
	require.Equal(t, "2.03", records[0]["dataset_version"])
}

func TestFlattenRunOnce_NonIATI(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	cleanedDoc(db, "doc-1", "aaa")

	store := pipelinetest.NewStore()
	store.Put("clean", "aaa.xml", []byte(`<iati-organisations/>`), nil)

	require.NoError(t, newService(t, db, store).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.Nil(t, doc.FlattenEnd)
	require.NotNil(t, doc.FlattenError)
	require.Equal(t, "Non-IATI XML", *doc.FlattenError)
}

func TestFlattenRunOnce_MissingBlob(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	cleanedDoc(db, "doc-1", "aaa")

	require.NoError(t, newService(t, db, pipelinetest.NewStore()).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.Nil(t, doc.Downloaded)
	require.Nil(t, doc.CleanEnd)
	require.Nil(t, doc.FlattenEnd)
}
