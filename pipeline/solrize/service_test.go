// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package solrize

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/pipelinetest"
	"github.com/IATI/refresher/pipeline/solr"
)

type fakeCore struct {
	mu      sync.Mutex
	name    string
	pingErr error
	addErr  error

	added   [][]map[string]any
	deletes []string
}

func (f *fakeCore) Name() string { return f.name }

func (f *fakeCore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeCore) Add(ctx context.Context, docs []map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, docs)
	return nil
}

func (f *fakeCore) DeleteByQuery(ctx context.Context, query string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, query)
	return nil
}

type fakeIndex struct {
	cores map[string]*fakeCore
}

func newFakeIndex(names ...string) *fakeIndex {
	index := &fakeIndex{cores: map[string]*fakeCore{}}
	for _, name := range names {
		index.cores[name] = &fakeCore{name: name}
	}
	return index
}

func (f *fakeIndex) Core(name string) Core { return f.cores[name] }

func timeptr(t time.Time) *time.Time { return &t }

func seedDoc(t *testing.T, db *pipelinetest.DB, id, hash string, activities []map[string]any) {
	now := time.Now()
	serialised, err := json.Marshal(activities)
	require.NoError(t, err)
	db.AddDoc(&pipelinetest.Doc{
		ID: id, Hash: hash,
		Downloaded:          timeptr(now.Add(-time.Hour)),
		FlattenEnd:          timeptr(now),
		LakifyEnd:           timeptr(now),
		FlattenedActivities: serialised,
	})
	db.SetReport(id, true, map[string]any{
		"valid": true, "fileType": "iati-activities", "iatiVersion": "2.03",
	})
}

func newTestService(t *testing.T, db *pipelinetest.DB, store *pipelinetest.Store, index Index) *Service {
	return New(zaptest.NewLogger(t), db, store, "lake", index, nil,
		[]string{"transaction", "budget"}, 500, time.Millisecond, 1)
}

func putLakePair(store *pipelinetest.Store, docID, identifier string) string {
	idHash := pipeline.HashForIdentifier(identifier)
	store.Put("lake", docID+"/"+idHash+".xml", []byte("<iati-activity/>"), nil)
	store.Put("lake", docID+"/"+idHash+".json", []byte(`{"iati-activity":[{}]}`), nil)
	return idHash
}

func TestSolrizeRunOnce(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	seedDoc(t, db, "doc-1", "aaa", []map[string]any{
		{
			"iati_identifier":    "X",
			"title_narrative":    "first",
			"location_point_pos": "1 1",
			"empty_field":        "",
			"transaction_value":  "100",
			"@transaction": []map[string]any{
				{"transaction_value": "100"},
			},
		},
		{"iati_identifier": "X", "title_narrative": "second"},
	})

	store := pipelinetest.NewStore()
	idHash := putLakePair(store, "doc-1", "X")

	index := newFakeIndex("activity", "transaction", "budget")
	require.NoError(t, newTestService(t, db, store, index).RunOnce(ctx))

	activity := index.cores["activity"]
	require.Equal(t, []string{"iati_activities_document_id:doc-1"}, activity.deletes)
	require.Len(t, activity.added, 2)

	first := activity.added[0][0]
	require.Equal(t, "doc-1--"+idHash+"--0", first["id"])
	require.Equal(t, "doc-1", first["iati_activities_document_id"])
	require.Equal(t, "aaa", first["iati_activities_document_hash"])
	require.Equal(t, "<iati-activity/>", first["iati_xml"])
	require.Equal(t, []any{"1.0,1.0"}, first["location_point_latlon"])
	require.NotContains(t, first, "@transaction")
	require.NotContains(t, first, "empty_field")

	// duplicated identifiers keep distinct occurrence indices
	second := activity.added[1][0]
	require.Equal(t, "doc-1--"+idHash+"--1", second["id"])

	// explode children inherit the document fields, not the raw payloads
	transaction := index.cores["transaction"]
	require.Len(t, transaction.added, 1)
	child := transaction.added[0][0]
	require.Equal(t, "100", child["transaction_value"])
	require.Equal(t, "doc-1", child["iati_activities_document_id"])
	require.NotContains(t, child, "iati_xml")
	require.NotContains(t, child, "iati_json")
	require.Len(t, child["id"], 40)

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.SolrizeEnd)
	require.NotNil(t, doc.LastSolrizeEnd)
	require.False(t, doc.SolrizeReindex)
	require.Nil(t, doc.SolrizeError)
}

func TestSolrizeRunOnce_MissingFlattenedActivities(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	now := time.Now()
	db.AddDoc(&pipelinetest.Doc{
		ID: "doc-1", Hash: "aaa",
		Downloaded: timeptr(now), FlattenEnd: timeptr(now), LakifyEnd: timeptr(now),
	})
	db.SetReport("doc-1", true, map[string]any{
		"valid": true, "fileType": "iati-activities", "iatiVersion": "2.03",
	})

	index := newFakeIndex("activity", "transaction", "budget")
	require.NoError(t, newTestService(t, db, pipelinetest.NewStore(), index).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.SolrizeError)
	require.Contains(t, *doc.SolrizeError, "Flattened activities not found")
	require.Nil(t, doc.SolrizeEnd)
}

func TestSolrizeRunOnce_MissingLakeBlobSendsBackToLakify(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	seedDoc(t, db, "doc-1", "aaa", []map[string]any{{"iati_identifier": "X"}})

	index := newFakeIndex("activity", "transaction", "budget")
	require.NoError(t, newTestService(t, db, pipelinetest.NewStore(), index).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.Nil(t, doc.LakifyEnd)
	require.NotNil(t, doc.SolrizeError)
	require.Contains(t, *doc.SolrizeError, "Sending back to Lakify")
}

func TestSolrizeRunOnce_PingFailure(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	seedDoc(t, db, "doc-1", "aaa", []map[string]any{{"iati_identifier": "X"}})

	index := newFakeIndex("activity", "transaction", "budget")
	index.cores["transaction"].pingErr = &solr.PingError{OpError: solr.OpError{
		Kind: solr.KindServer, Status: 503, Op: "PING", Core: "transaction",
		Err: solr.Error.New("unavailable"),
	}}

	require.NoError(t, newTestService(t, db, pipelinetest.NewStore(), index).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.Nil(t, doc.SolrizeStart)
	require.NotNil(t, doc.SolrizeError)
	// the index was never mutated
	require.Empty(t, index.cores["activity"].deletes)
	require.Empty(t, index.cores["activity"].added)
}

func TestSolrizeRunOnce_AddFailureCleansUp(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	seedDoc(t, db, "doc-1", "aaa", []map[string]any{{"iati_identifier": "X"}})

	store := pipelinetest.NewStore()
	putLakePair(store, "doc-1", "X")

	index := newFakeIndex("activity", "transaction", "budget")
	index.cores["activity"].addErr = &solr.OpError{
		Kind: solr.KindServer, Status: 500, Op: "ADD", Core: "activity",
		Err: solr.Error.New("boom"),
	}

	require.NoError(t, newTestService(t, db, store, index).RunOnce(ctx))

	doc := db.Docs["doc-1"]
	require.NotNil(t, doc.SolrizeError)
	require.Nil(t, doc.SolrizeEnd)

	// initial delete plus the atomicity cleanup on every core
	require.Len(t, index.cores["activity"].deletes, 2)
	require.Len(t, index.cores["transaction"].deletes, 2)
	require.Len(t, index.cores["budget"].deletes, 2)
}

func TestValidateLatLon(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want string
		ok   bool
	}{
		{"1 1", "1.0,1.0", true},
		{"-45.5 120.25", "-45.5,120.25", true},
		{"90 180", "90.0,180.0", true},
		{"1 1000", "", false},
		{"91 0", "", false},
		{"1 1 1", "", false},
		{"junk", "", false},
		{"", "", false},
	} {
		got, ok := validateLatLon(tt.in)
		require.Equal(t, tt.ok, ok, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}

func TestExplodeRecords_IdenticalChildrenStayDistinct(t *testing.T) {
	activity := map[string]any{
		"iati_identifier":   "X",
		"transaction_value": "100",
		"id":                "doc--hash--0",
	}
	children, err := explodeRecords("transaction", []map[string]any{
		{"transaction_value": "100"},
		{"transaction_value": "100"},
	}, activity)
	require.NoError(t, err)
	require.Len(t, children, 2)
	// the activity's own transaction_ fields are not inherited
	require.Equal(t, "100", children[0]["transaction_value"])
	require.NotEqual(t, children[0]["id"], children[1]["id"])
}
