// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package solr_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IATI/refresher/pipeline/solr"
)

type recordingHandler struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
}

type recordedRequest struct {
	method string
	path   string
	body   []byte
	auth   string
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.requests = append(h.requests, recordedRequest{
		method: r.Method,
		path:   r.URL.Path,
		body:   body,
		auth:   r.Header.Get("Authorization"),
	})
	h.mu.Unlock()
	if h.status != 0 {
		w.WriteHeader(h.status)
	}
}

func TestCore_PingAndAdd(t *testing.T) {
	ctx := context.Background()
	handler := &recordingHandler{}
	server := httptest.NewServer(handler)
	defer server.Close()

	core := solr.New(server.URL, "user", "pass", 10*time.Second).Core("activity")
	require.Equal(t, "activity", core.Name())

	require.NoError(t, core.Ping(ctx))
	require.NoError(t, core.Add(ctx, []map[string]any{{"id": "a--b--0"}}))
	require.NoError(t, core.DeleteByQuery(ctx, "iati_activities_document_id:abc"))

	require.Len(t, handler.requests, 3)
	require.Equal(t, http.MethodGet, handler.requests[0].method)
	require.Equal(t, "/activity_solrize/admin/ping", handler.requests[0].path)
	require.NotEmpty(t, handler.requests[0].auth)

	require.Equal(t, "/activity_solrize/update", handler.requests[1].path)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal(handler.requests[1].body, &docs))
	require.Equal(t, "a--b--0", docs[0]["id"])

	var del map[string]map[string]string
	require.NoError(t, json.Unmarshal(handler.requests[2].body, &del))
	require.Equal(t, "iati_activities_document_id:abc", del["delete"]["query"])
}

func TestCore_ErrorKinds(t *testing.T) {
	ctx := context.Background()

	t.Run("server", func(t *testing.T) {
		server := httptest.NewServer(&recordingHandler{status: http.StatusInternalServerError})
		defer server.Close()

		err := solr.New(server.URL, "", "", time.Second).Core("budget").Add(ctx, nil)
		var op *solr.OpError
		require.ErrorAs(t, err, &op)
		require.Equal(t, solr.KindServer, op.Kind)
		require.Equal(t, http.StatusInternalServerError, op.Status)
		require.True(t, op.Transient())
	})

	t.Run("client", func(t *testing.T) {
		server := httptest.NewServer(&recordingHandler{status: http.StatusBadRequest})
		defer server.Close()

		err := solr.New(server.URL, "", "", time.Second).Core("budget").Add(ctx, nil)
		var op *solr.OpError
		require.ErrorAs(t, err, &op)
		require.Equal(t, solr.KindClient, op.Kind)
		require.False(t, op.Transient())
	})

	t.Run("connection", func(t *testing.T) {
		server := httptest.NewServer(&recordingHandler{})
		server.Close()

		err := solr.New(server.URL, "", "", time.Second).Core("budget").Add(ctx, nil)
		var op *solr.OpError
		require.ErrorAs(t, err, &op)
		require.Equal(t, solr.KindConnection, op.Kind)
		require.True(t, op.Transient())
	})

	t.Run("ping error is typed", func(t *testing.T) {
		server := httptest.NewServer(&recordingHandler{status: http.StatusServiceUnavailable})
		defer server.Close()

		err := solr.New(server.URL, "", "", time.Second).Core("activity").Ping(ctx)
		var ping *solr.PingError
		require.True(t, errors.As(err, &ping))
		require.Equal(t, solr.KindServer, ping.Kind)
	})
}
