// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package lakify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/lakify"
	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/pipeline/pipelinetest"
)

func timeptr(t time.Time) *time.Time { return &t }

func newService(t *testing.T, db *pipelinetest.DB, store *pipelinetest.Store) *lakify.Service {
	return lakify.New(zaptest.NewLogger(t), db, store, "clean", "lake", nil, 2)
}

func cleanedDoc(db *pipelinetest.DB, id, hash string) {
	now := time.Now()
	db.AddDoc(&pipelinetest.Doc{
		ID: id, Hash: hash,
		Downloaded: timeptr(now.Add(-time.Hour)),
		CleanEnd:   timeptr(now),
	})
}

func TestLakifyRunOnce(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	cleanedDoc(db, "doc-1", "aaa")

	store := pipelinetest.NewStore()
	store.Put("clean", "aaa.xml", []byte(`<iati-activities version="2.03">
		<iati-activity><iati-identifier>XX-1</iati-identifier><title><narrative>one</narrative></title></iati-activity>
		<iati-activity><iati-identifier>XX-2</iati-identifier></iati-activity>
		<iati-activity><budget/></iati-activity>
	</iati-activities>`), nil)

	require.NoError(t, newService(t, db, store).RunOnce(ctx))

	// one blob pair per identified activity; the identifier-less one is skipped
	hash1 := pipeline.HashForIdentifier("XX-1")
	hash2 := pipeline.HashForIdentifier("XX-2")
	require.ElementsMatch(t, []string{
		"doc-1/" + hash1 + ".xml", "doc-1/" + hash1 + ".json",
		"doc-1/" + hash2 + ".xml", "doc-1/" + hash2 + ".json",
	}, store.Keys("lake"))

	blob, ok := store.Blob("lake", "doc-1/"+hash1+".xml")
	require.True(t, ok)
	require.Contains(t, string(blob.Data), "XX-1")
	require.Equal(t, "aaa", blob.Tags[objectstore.TagDatasetHash])

	blob, ok = store.Blob("lake", "doc-1/"+hash1+".json")
	require.True(t, ok)
	require.Contains(t, string(blob.Data), `"text()":"one"`)

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.LakifyEnd)
	require.Nil(t, doc.LakifyError)
}

func TestLakifyRunOnce_DuplicateIdentifiersOverwrite(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	cleanedDoc(db, "doc-1", "aaa")

	store := pipelinetest.NewStore()
	store.Put("clean", "aaa.xml", []byte(`<iati-activities>
		<iati-activity><iati-identifier>X</iati-identifier><title><narrative>first</narrative></title></iati-activity>
		<iati-activity><iati-identifier>X</iati-identifier><title><narrative>second</narrative></title></iati-activity>
	</iati-activities>`), nil)

	require.NoError(t, newService(t, db, store).RunOnce(ctx))

	hash := pipeline.HashForIdentifier("X")
	require.ElementsMatch(t, []string{
		"doc-1/" + hash + ".xml", "doc-1/" + hash + ".json",
	}, store.Keys("lake"))

	// the later occurrence wins
	blob, _ := store.Blob("lake", "doc-1/"+hash+".xml")
	require.Contains(t, string(blob.Data), "second")
}

func TestLakifyRunOnce_MissingBlobSendsBackToClean(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	cleanedDoc(db, "doc-1", "aaa")

	require.NoError(t, newService(t, db, pipelinetest.NewStore()).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.Nil(t, doc.CleanEnd)
	require.Nil(t, doc.LakifyStart)
	require.Nil(t, doc.LakifyEnd)
}

func TestLakifyRunOnce_UnparsableSendsBackToClean(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	cleanedDoc(db, "doc-1", "aaa")

	store := pipelinetest.NewStore()
	store.Put("clean", "aaa.xml", []byte(`<iati-activities><broken`), nil)

	require.NoError(t, newService(t, db, store).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.Nil(t, doc.CleanEnd)
	require.Nil(t, doc.LakifyEnd)
}
