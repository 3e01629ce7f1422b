// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package solrize publishes flattened activities into the search index. Each
// document is removed from every core before its new records are added, so a
// querier sees either the old dataset completely or the new one completely.
package solrize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/objectstore"
	"github.com/IATI/refresher/pipeline/solr"
	"github.com/IATI/refresher/private/charset"
	"github.com/IATI/refresher/private/sync2"
)

var (
	// Error is the default solrize errs class.
	Error = errs.Class("solrize")

	mon = monkit.Package()
)

// GaugeSetter receives queue-depth observations. May be nil.
type GaugeSetter interface {
	Set(name string, value float64)
}

// Core is the subset of a search index core the service needs.
type Core interface {
	Name() string
	Ping(ctx context.Context) error
	Add(ctx context.Context, docs []map[string]any) error
	DeleteByQuery(ctx context.Context, query string) error
}

// Index hands out cores by short name.
type Index interface {
	Core(name string) Core
}

// NewIndex adapts a solr client to the Index interface.
func NewIndex(client *solr.Client) Index { return solrIndex{client: client} }

type solrIndex struct{ client *solr.Client }

func (s solrIndex) Core(name string) Core { return s.client.Core(name) }

// Service indexes documents with bounded parallelism.
type Service struct {
	log     *zap.Logger
	db      pipeline.DB
	store   pipeline.BlobStore
	lake    string
	index   Index
	metrics GaugeSetter

	explode     []string
	maxBatch    int
	backoff     time.Duration
	parallelism int
}

// New creates a solrize service reading activity blobs from the lake
// container. backoff is how long to wait after a transient index failure.
func New(log *zap.Logger, db pipeline.DB, store pipeline.BlobStore, lakeContainer string,
	index Index, metrics GaugeSetter, explode []string, maxBatch int,
	backoff time.Duration, parallelism int) *Service {
	return &Service{
		log:         log,
		db:          db,
		store:       store,
		lake:        lakeContainer,
		index:       index,
		metrics:     metrics,
		explode:     explode,
		maxBatch:    maxBatch,
		backoff:     backoff,
		parallelism: parallelism,
	}
}

// RunOnce indexes every document whose flatten and lakify stages are done.
func (s *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.db.Documents().ResetUnfinishedSolrizes(ctx); err != nil {
		return err
	}

	tasks, err := s.db.Documents().Unsolrized(ctx)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Set("datasets_to_solrize", float64(len(tasks)))
	}
	s.log.Info("starting solrize pass", zap.Int("documents", len(tasks)))

	limiter := sync2.NewLimiter(s.parallelism)
	for _, task := range tasks {
		task := task
		started := limiter.Go(ctx, func() {
			if err := s.processOne(ctx, task); err != nil {
				s.log.Warn("solrize failed",
					zap.String("document_id", task.ID),
					zap.String("hash", task.Hash),
					zap.Error(err))
			}
		})
		if !started {
			break
		}
	}
	limiter.Wait()

	s.log.Info("solrize pass finished", zap.Int("documents", len(tasks)))
	return ctx.Err()
}

func (s *Service) processOne(ctx context.Context, task pipeline.SolrizeTask) (err error) {
	defer mon.Task()(&ctx)(&err)

	docs := s.db.Documents()

	serialised, err := docs.FlattenedActivities(ctx, task.ID)
	if err != nil {
		return err
	}
	if len(serialised) == 0 {
		message := fmt.Sprintf("Flattened activities not found for hash: %s and id: %s", task.Hash, task.ID)
		return errs.Combine(Error.New("%s", message), docs.SetSolrizeError(ctx, task.ID, message))
	}
	var activities []map[string]any
	if err := json.Unmarshal(serialised, &activities); err != nil {
		return errs.Combine(Error.Wrap(err),
			docs.SetSolrizeError(ctx, task.ID, "Unreadable flattened activities"))
	}

	cores := make([]Core, 0, len(s.explode)+1)
	cores = append(cores, s.index.Core("activity"))
	for _, name := range s.explode {
		cores = append(cores, s.index.Core(name))
	}

	// probe availability before touching the index
	for _, core := range cores {
		if err := core.Ping(ctx); err != nil {
			if dbErr := docs.SetSolrizeError(ctx, task.ID, err.Error()); dbErr != nil {
				return errs.Combine(err, dbErr)
			}
			s.backoffTransient(ctx, task, err)
			return err
		}
	}

	if err := docs.StartSolrize(ctx, task.ID); err != nil {
		return err
	}

	s.log.Info("removing previous index state",
		zap.String("document_id", task.ID), zap.String("hash", task.Hash))
	query := "iati_activities_document_id:" + task.ID
	for _, core := range cores {
		if err := core.DeleteByQuery(ctx, query); err != nil {
			return s.failIndexOp(ctx, task, cores, err)
		}
	}

	s.log.Info("adding documents",
		zap.String("document_id", task.ID), zap.String("hash", task.Hash),
		zap.Int("activities", len(activities)))

	identifierIndices := map[string]int{}
	activityCore := cores[0]

	for _, activity := range activities {
		identifier, ok := activity["iati_identifier"].(string)
		if !ok || identifier == "" {
			s.log.Warn("activity without a usable iati-identifier, not indexing",
				zap.String("document_id", task.ID), zap.String("hash", task.Hash))
			continue
		}
		idHash := pipeline.HashForIdentifier(identifier)

		if err := s.attachLakeBlobs(ctx, task, activity, idHash); err != nil {
			return err
		}

		activity["iati_activities_document_id"] = task.ID
		activity["iati_activities_document_hash"] = task.Hash
		attachLatLon(activity)

		// the explode sub-lists are indexed separately, never on the activity
		subLists := map[string][]map[string]any{}
		for _, name := range s.explode {
			if subList := subRecords(activity["@"+name]); subList != nil {
				subLists[name] = subList
			}
			delete(activity, "@"+name)
		}

		occurrence := identifierIndices[idHash]
		identifierIndices[idHash] = occurrence + 1
		activity["id"] = fmt.Sprintf("%s--%s--%d", task.ID, idHash, occurrence)

		if err := s.add(ctx, activityCore, []map[string]any{activity}); err != nil {
			return s.failIndexOp(ctx, task, cores, err)
		}

		// the raw payloads are only carried by the activity records
		delete(activity, "iati_xml")
		delete(activity, "iati_json")

		for i, name := range s.explode {
			subList, ok := subLists[name]
			if !ok {
				continue
			}
			children, err := explodeRecords(name, subList, activity)
			if err != nil {
				return errs.Combine(err, docs.SetSolrizeError(ctx, task.ID, "Could not build exploded records"))
			}
			if err := s.add(ctx, cores[i+1], children); err != nil {
				return s.failIndexOp(ctx, task, cores, err)
			}
		}
	}

	s.log.Info("indexed document",
		zap.String("document_id", task.ID), zap.String("hash", task.Hash))
	return docs.CompleteSolrize(ctx, task.ID)
}

// attachLakeBlobs loads the activity's lake blobs into iati_xml and
// iati_json. A missing blob sends the document back to lakify.
func (s *Service) attachLakeBlobs(ctx context.Context, task pipeline.SolrizeTask, activity map[string]any, idHash string) error {
	docs := s.db.Documents()
	for _, ext := range []string{".xml", ".json"} {
		key := task.ID + "/" + idHash + ext
		data, err := s.store.Download(ctx, s.lake, key)
		if err != nil {
			if objectstore.ErrNotFound.Has(err) {
				message := fmt.Sprintf(
					"Could not download activity blob: %s, file hash: %s. Sending back to Lakify.",
					key, task.Hash)
				s.log.Warn("lake blob missing, sending back to lakify",
					zap.String("document_id", task.ID), zap.String("blob", key))
				return errs.Combine(Error.New("%s", message),
					docs.SendBackToLakify(ctx, task.ID),
					docs.SetSolrizeError(ctx, task.ID, message))
			}
			return err
		}
		decoded, ok := charset.DecodeToUTF8(data)
		if !ok {
			message := fmt.Sprintf("Could not identify charset for blob: %s, file hash: %s", key, task.Hash)
			return errs.Combine(Error.New("%s", message),
				docs.SetSolrizeError(ctx, task.ID, message))
		}
		activity["iati_"+ext[1:]] = string(decoded)
	}
	return nil
}

// failIndexOp records the index failure, backs off when it is transient and
// deletes the document's partial state from every core.
func (s *Service) failIndexOp(ctx context.Context, task pipeline.SolrizeTask, cores []Core, opErr error) error {
	docs := s.db.Documents()
	if dbErr := docs.SetSolrizeError(ctx, task.ID, opErr.Error()); dbErr != nil {
		return errs.Combine(opErr, dbErr)
	}
	s.backoffTransient(ctx, task, opErr)

	s.log.Warn("removing partial index state to keep the document atomic",
		zap.String("document_id", task.ID), zap.String("hash", task.Hash))
	query := "iati_activities_document_id:" + task.ID
	for _, core := range cores {
		if err := core.DeleteByQuery(ctx, query); err != nil {
			s.log.Error("failed removing partial index state",
				zap.String("document_id", task.ID),
				zap.String("core", core.Name()),
				zap.Error(err))
		}
	}
	return opErr
}

func (s *Service) backoffTransient(ctx context.Context, task pipeline.SolrizeTask, err error) {
	var op *solr.OpError
	if !errors.As(err, &op) || !op.Transient() {
		return
	}
	s.log.Warn("transient index failure, backing off",
		zap.String("document_id", task.ID), zap.String("hash", task.Hash),
		zap.Duration("backoff", s.backoff), zap.String("kind", string(op.Kind)))
	sync2.Sleep(ctx, s.backoff)
}

// add posts a batch, dropping empty-string fields and chunking at the
// configured maximum.
func (s *Service) add(ctx context.Context, core Core, batch []map[string]any) error {
	cleaned := make([]map[string]any, 0, len(batch))
	for _, doc := range batch {
		cleanDoc := make(map[string]any, len(doc))
		for key, value := range doc {
			if text, isString := value.(string); isString && text == "" {
				continue
			}
			cleanDoc[key] = value
		}
		cleaned = append(cleaned, cleanDoc)
	}

	for start := 0; start < len(cleaned); start += s.maxBatch {
		end := start + s.maxBatch
		if end > len(cleaned) {
			end = len(cleaned)
		}
		if err := core.Add(ctx, cleaned[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// explodeRecords builds the child records for one explode element: every
// non-"<element>_" activity field, overlaid with the child's own fields. The
// child id hashes the serialised record so identical children stay distinct
// by index.
func explodeRecords(element string, subList []map[string]any, activity map[string]any) ([]map[string]any, error) {
	base := make(map[string]any, len(activity))
	for key, value := range activity {
		if strings.HasPrefix(key, element+"_") {
			continue
		}
		base[key] = value
	}

	out := make([]map[string]any, 0, len(subList))
	for idx, child := range subList {
		record := make(map[string]any, len(base)+len(child))
		for key, value := range base {
			record[key] = value
		}
		for key, value := range child {
			record[key] = value
		}
		serialised, err := json.Marshal(record)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		record["id"] = pipeline.HashForIdentifier(string(serialised) + strconv.Itoa(idx))
		out = append(out, record)
	}
	return out, nil
}

// subRecords coerces a decoded "@<element>" value into its record list.
func subRecords(value any) []map[string]any {
	switch list := value.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if record, ok := item.(map[string]any); ok {
				out = append(out, record)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}

// attachLatLon derives the search index point field from location_point_pos,
// dropping coordinates outside the valid range.
func attachLatLon(activity map[string]any) {
	var positions []string
	switch value := activity["location_point_pos"].(type) {
	case string:
		positions = []string{value}
	case []any:
		for _, item := range value {
			if text, ok := item.(string); ok {
				positions = append(positions, text)
			}
		}
	default:
		return
	}

	var latlon []any
	for _, position := range positions {
		if point, ok := validateLatLon(position); ok {
			latlon = append(latlon, point)
		}
	}
	if len(latlon) > 0 {
		activity["location_point_latlon"] = latlon
	}
}

// validateLatLon turns "lat lon" into "lat,lon", rendered the way the
// original indexer did, rejecting out-of-range coordinates.
func validateLatLon(position string) (string, bool) {
	fields := strings.Fields(position)
	if len(fields) != 2 {
		return "", false
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", false
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", false
	}
	return formatFloat(lat) + "," + formatFloat(lon), true
}

// formatFloat renders a coordinate with an explicit decimal part, so "1"
// becomes "1.0".
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
