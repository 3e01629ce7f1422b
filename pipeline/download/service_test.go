// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/pipeline/pipelinetest"
)

func strptr(s string) *string { return &s }

func TestRunOnce(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?><iati-activities/>`))
	})
	mux.HandleFunc("/gone.xml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	db := pipelinetest.NewDB()
	db.AddDoc(&pipelinetest.Doc{ID: "doc-ok", Hash: "aaa", BDSCacheURL: strptr(server.URL + "/ok.xml")})
	db.AddDoc(&pipelinetest.Doc{ID: "doc-gone", Hash: "bbb", BDSCacheURL: strptr(server.URL + "/gone.xml")})
	db.AddDoc(&pipelinetest.Doc{ID: "doc-nocache", Hash: "ccc"})
	db.AddDoc(&pipelinetest.Doc{ID: "doc-nohash", Hash: "", BDSCacheURL: strptr(server.URL + "/ok.xml")})
	db.AddDoc(&pipelinetest.Doc{ID: "doc-badscheme", Hash: "ddd", BDSCacheURL: strptr("ftp://example.org/x.xml")})

	store := pipelinetest.NewStore()
	service := New(zaptest.NewLogger(t), db, store, "source", 5*time.Second, 4)

	require.NoError(t, service.RunOnce(ctx, false))

	ok := db.Docs["doc-ok"]
	require.NotNil(t, ok.Downloaded)
	require.Nil(t, ok.DownloadError)
	blob, found := store.Blob("source", "aaa.xml")
	require.True(t, found)
	require.Contains(t, string(blob.Data), "iati-activities")
	require.Equal(t, "doc-ok", blob.Tags[objectstore.TagDocumentID])

	gone := db.Docs["doc-gone"]
	require.Nil(t, gone.Downloaded)
	require.NotNil(t, gone.DownloadError)
	require.Equal(t, http.StatusGone, *gone.DownloadError)

	require.Equal(t, codeNotCached, *db.Docs["doc-nocache"].DownloadError)
	require.Equal(t, codeNoContent, *db.Docs["doc-nohash"].DownloadError)
	require.Equal(t, codeInvalidScheme, *db.Docs["doc-badscheme"].DownloadError)

	// errored documents are not retried on a regular pass
	tasks, err := db.Documents().DownloadCandidates(ctx, false)
	require.NoError(t, err)
	require.Empty(t, tasks)

	// a retry pass picks them up again, except the broken URL scheme
	tasks, err = db.Documents().DownloadCandidates(ctx, true)
	require.NoError(t, err)
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	require.ElementsMatch(t, []string{"doc-gone", "doc-nocache", "doc-nohash"}, ids)
}
