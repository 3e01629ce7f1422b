// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/IATI/refresher/pipeline"
)

type documents struct {
	db *sql.DB
}

// Upsert inserts the dataset row or, when the stored hash differs, updates it
// and resets every downstream stage column in the same statement. The second
// statement bumps last_seen and ownership unconditionally.
func (d *documents) Upsert(ctx context.Context, seen time.Time, dataset pipeline.Dataset) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document (id, hash, url, bds_cache_url, name, first_seen, last_seen, publisher)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			hash = excluded.hash,
			url = excluded.url,
			bds_cache_url = excluded.bds_cache_url,
			name = excluded.name,
			modified = $6,
			downloaded = NULL,
			download_error = NULL,
			validation_request = NULL,
			validation_api_error = NULL,
			validation = NULL,
			file_schema_valid = NULL,
			clean_start = NULL,
			clean_end = NULL,
			clean_error = NULL,
			flatten_start = NULL,
			flatten_end = NULL,
			flatten_error = NULL,
			flattened_activities = NULL,
			lakify_start = NULL,
			lakify_end = NULL,
			lakify_error = NULL,
			solrize_start = NULL,
			solrize_end = NULL,
			solrize_error = NULL
		WHERE document.hash <> excluded.hash`,
		dataset.ID, dataset.Hash, dataset.URL, dataset.BDSCacheURL, dataset.Name, seen, dataset.PublisherID)
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE document SET last_seen = $2, publisher = $3 WHERE id = $1`,
		dataset.ID, seen, dataset.PublisherID)
	if err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(tx.Commit())
}

// HashChanged returns the stored row when the incoming hash differs.
func (d *documents) HashChanged(ctx context.Context, id, hash string) (_ *pipeline.StaleDocument, err error) {
	defer mon.Task()(&ctx)(&err)

	var stale pipeline.StaleDocument
	err = d.db.QueryRowContext(ctx, `
		SELECT id, hash FROM document WHERE id = $1 AND hash <> $2`,
		id, hash).Scan(&stale.ID, &stale.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &stale, nil
}

func (d *documents) NotSeenAfter(ctx context.Context, t time.Time) (_ []pipeline.StaleDocument, err error) {
	defer mon.Task()(&ctx)(&err)
	return d.staleQuery(ctx, `SELECT id, hash FROM document WHERE last_seen < $1`, t)
}

func (d *documents) FromPublishersNotSeenAfter(ctx context.Context, t time.Time) (_ []pipeline.StaleDocument, err error) {
	defer mon.Task()(&ctx)(&err)
	return d.staleQuery(ctx, `
		SELECT document.id, document.hash FROM document
		LEFT JOIN publisher ON document.publisher = publisher.org_id
		WHERE publisher.last_seen < $1`, t)
}

func (d *documents) staleQuery(ctx context.Context, query string, t time.Time) (stale []pipeline.StaleDocument, err error) {
	rows, err := d.db.QueryContext(ctx, query, t)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var doc pipeline.StaleDocument
		if err := rows.Scan(&doc.ID, &doc.Hash); err != nil {
			return nil, Error.Wrap(err)
		}
		stale = append(stale, doc)
	}
	return stale, Error.Wrap(rows.Err())
}

func (d *documents) RemoveNotSeenAfter(ctx context.Context, t time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := d.db.ExecContext(ctx, `DELETE FROM document WHERE last_seen < $1`, t)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	count, err := result.RowsAffected()
	return count, Error.Wrap(err)
}

func (d *documents) DownloadCandidates(ctx context.Context, retryErrors bool) (_ []pipeline.DownloadTask, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT id, hash, bds_cache_url FROM document WHERE downloaded IS NULL AND download_error IS NULL`
	if retryErrors {
		// download_error 3 marks an invalid URL scheme, which retrying cannot fix
		query = `SELECT id, hash, bds_cache_url FROM document WHERE downloaded IS NULL AND (download_error IS NULL OR download_error <> 3)`
	}

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tasks []pipeline.DownloadTask
	for rows.Next() {
		var task pipeline.DownloadTask
		var cacheURL sql.NullString
		if err := rows.Scan(&task.ID, &task.Hash, &cacheURL); err != nil {
			return nil, Error.Wrap(err)
		}
		if cacheURL.Valid {
			task.BDSCacheURL = &cacheURL.String
		}
		tasks = append(tasks, task)
	}
	return tasks, Error.Wrap(rows.Err())
}

func (d *documents) MarkDownloaded(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET downloaded = now(), download_error = NULL WHERE id = $1`, id)
}

func (d *documents) MarkNotDownloaded(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	// the source blob is gone, so any clean output derived from it is stale too
	return d.exec(ctx, `
		UPDATE document SET
			downloaded = NULL,
			clean_start = NULL, clean_end = NULL, clean_error = NULL
		WHERE id = $1`, id)
}

func (d *documents) SetDownloadError(ctx context.Context, id string, code int) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET downloaded = NULL, download_error = $2 WHERE id = $1`, id, code)
}

func (d *documents) Unvalidated(ctx context.Context) (_ []pipeline.ValidationTask, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := d.db.QueryContext(ctx, `
		SELECT document.id, document.hash, document.url, document.downloaded,
			document.publisher, publisher.name, document.file_schema_valid, publisher.black_flag
		FROM document
		LEFT JOIN publisher ON document.publisher = publisher.org_id
		WHERE downloaded IS NOT NULL AND download_error IS NULL AND document.hash <> ''
			AND (validation IS NULL OR regenerate_validation_report IS TRUE)
		ORDER BY regenerate_validation_report DESC, downloaded`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tasks []pipeline.ValidationTask
	for rows.Next() {
		var task pipeline.ValidationTask
		var schemaValid sql.NullBool
		var blackFlag sql.NullTime
		var publisher, publisherName sql.NullString
		if err := rows.Scan(&task.ID, &task.Hash, &task.URL, &task.Downloaded,
			&publisher, &publisherName, &schemaValid, &blackFlag); err != nil {
			return nil, Error.Wrap(err)
		}
		task.Publisher = publisher.String
		task.PublisherName = publisherName.String
		if schemaValid.Valid {
			task.SchemaValid = &schemaValid.Bool
		}
		task.BlackFlagged = blackFlag.Valid
		tasks = append(tasks, task)
	}
	return tasks, Error.Wrap(rows.Err())
}

func (d *documents) SetSchemaValid(ctx context.Context, id string, valid bool) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET file_schema_valid = $2 WHERE id = $1`, id, valid)
}

func (d *documents) SetValidationRequest(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET validation_request = now() WHERE id = $1`, id)
}

func (d *documents) SetValidationAPIError(ctx context.Context, id string, status int) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET validation_api_error = $2 WHERE id = $1`, id, status)
}

func (d *documents) ValidToCopy(ctx context.Context) (_ []pipeline.CleanTask, err error) {
	defer mon.Task()(&ctx)(&err)
	return d.cleanQuery(ctx, `
		SELECT doc.id, doc.hash
		FROM document AS doc
		LEFT JOIN validation AS val ON doc.validation = val.id
		WHERE doc.downloaded IS NOT NULL
			AND doc.hash <> ''
			AND doc.clean_start IS NULL
			AND doc.clean_end IS NULL
			AND val.valid = true
			AND val.report ->> 'fileType' = 'iati-activities'`)
}

func (d *documents) InvalidToClean(ctx context.Context) (tasks []pipeline.CleanTask, err error) {
	defer mon.Task()(&ctx)(&err)
	rows, err := d.db.QueryContext(ctx, `
		SELECT doc.id, doc.hash, val.report
		FROM document AS doc
		LEFT JOIN validation AS val ON doc.validation = val.id
		LEFT JOIN publisher AS pub ON doc.publisher = pub.org_id
		WHERE pub.black_flag IS NULL
			AND doc.downloaded IS NOT NULL
			AND doc.hash <> ''
			AND doc.clean_start IS NULL
			AND doc.clean_end IS NULL
			AND doc.clean_error IS NULL
			AND val.valid = false
			AND val.report ->> 'fileType' = 'iati-activities'
			AND val.report ? 'iati-activities'
			AND val.report ->> 'iatiVersion' <> ''
			AND val.report ->> 'iatiVersion' NOT LIKE '1%'
		ORDER BY doc.downloaded`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var task pipeline.CleanTask
		if err := rows.Scan(&task.ID, &task.Hash, &task.Report); err != nil {
			return nil, Error.Wrap(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, Error.Wrap(rows.Err())
}

func (d *documents) cleanQuery(ctx context.Context, query string) (tasks []pipeline.CleanTask, err error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var task pipeline.CleanTask
		if err := rows.Scan(&task.ID, &task.Hash); err != nil {
			return nil, Error.Wrap(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, Error.Wrap(rows.Err())
}

func (d *documents) ResetUnfinishedCleans(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET clean_start = NULL WHERE clean_end IS NULL AND clean_error IS NULL`)
}

func (d *documents) StartClean(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET clean_start = now(), clean_error = NULL WHERE id = $1`, id)
}

func (d *documents) CompleteClean(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET clean_end = now(), clean_error = NULL WHERE id = $1`, id)
}

func (d *documents) SetCleanError(ctx context.Context, id, message string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET clean_error = $2 WHERE id = $1`, id, message)
}

func (d *documents) Unflattened(ctx context.Context) (_ []pipeline.FlattenTask, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, hash, downloaded FROM document
		WHERE downloaded IS NOT NULL
			AND clean_end IS NOT NULL
			AND clean_error IS NULL
			AND flatten_start IS NULL
		ORDER BY downloaded`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tasks []pipeline.FlattenTask
	for rows.Next() {
		var task pipeline.FlattenTask
		if err := rows.Scan(&task.ID, &task.Hash, &task.Downloaded); err != nil {
			return nil, Error.Wrap(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, Error.Wrap(rows.Err())
}

func (d *documents) ResetUnfinishedFlattens(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET flatten_start = NULL WHERE flatten_end IS NULL AND flatten_error IS NULL`)
}

func (d *documents) StartFlatten(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET flatten_start = now(), flatten_error = NULL WHERE id = $1`, id)
}

func (d *documents) CompleteFlatten(ctx context.Context, id string, activities []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `
		UPDATE document SET flatten_end = now(), flattened_activities = $2, flatten_error = NULL
		WHERE id = $1`, id, activities)
}

func (d *documents) SetFlattenError(ctx context.Context, id, message string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET flatten_error = $2 WHERE id = $1`, id, message)
}

func (d *documents) Unlakified(ctx context.Context) (_ []pipeline.LakifyTask, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, hash, downloaded FROM document
		WHERE downloaded IS NOT NULL
			AND clean_end IS NOT NULL
			AND clean_error IS NULL
			AND lakify_start IS NULL
			AND lakify_error IS NULL
		ORDER BY downloaded`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tasks []pipeline.LakifyTask
	for rows.Next() {
		var task pipeline.LakifyTask
		if err := rows.Scan(&task.ID, &task.Hash, &task.Downloaded); err != nil {
			return nil, Error.Wrap(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, Error.Wrap(rows.Err())
}

func (d *documents) ResetUnfinishedLakifies(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET lakify_start = NULL WHERE lakify_end IS NULL AND lakify_error IS NULL`)
}

func (d *documents) StartLakify(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET lakify_start = now(), lakify_error = NULL WHERE id = $1`, id)
}

func (d *documents) CompleteLakify(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET lakify_end = now(), lakify_error = NULL WHERE id = $1`, id)
}

func (d *documents) SetLakifyError(ctx context.Context, id, message string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET lakify_error = $2 WHERE id = $1`, id, message)
}

func (d *documents) Unsolrized(ctx context.Context) (_ []pipeline.SolrizeTask, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := d.db.QueryContext(ctx, `
		SELECT doc.id, doc.hash
		FROM document AS doc
		LEFT JOIN validation AS val ON doc.validation = val.id
		WHERE doc.downloaded IS NOT NULL
			AND doc.hash <> ''
			AND doc.flatten_end IS NOT NULL
			AND doc.lakify_end IS NOT NULL
			AND doc.solrize_start IS NULL
			AND (doc.solrize_end IS NULL OR doc.solrize_reindex IS TRUE)
			AND doc.flattened_activities <> '[]'
			AND val.report ->> 'iatiVersion' <> ''
			AND val.report ->> 'iatiVersion' NOT LIKE '1%'
		ORDER BY doc.downloaded`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tasks []pipeline.SolrizeTask
	for rows.Next() {
		var task pipeline.SolrizeTask
		if err := rows.Scan(&task.ID, &task.Hash); err != nil {
			return nil, Error.Wrap(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, Error.Wrap(rows.Err())
}

func (d *documents) ResetUnfinishedSolrizes(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET solrize_start = NULL WHERE solrize_end IS NULL AND solrize_error IS NULL`)
}

func (d *documents) StartSolrize(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET solrize_start = now(), solrize_error = NULL WHERE id = $1`, id)
}

func (d *documents) CompleteSolrize(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `
		UPDATE document SET
			solrize_end = now(),
			last_solrize_end = now(),
			solrize_error = NULL,
			solrize_reindex = false
		WHERE id = $1`, id)
}

func (d *documents) SetSolrizeError(ctx context.Context, id, message string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `UPDATE document SET solrize_error = $2 WHERE id = $1`, id, message)
}

func (d *documents) FlattenedActivities(ctx context.Context, id string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	var activities []byte
	err = d.db.QueryRowContext(ctx, `SELECT flattened_activities FROM document WHERE id = $1`, id).Scan(&activities)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return activities, Error.Wrap(err)
}

func (d *documents) SendBackToClean(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `
		UPDATE document SET
			clean_start = NULL, clean_end = NULL, clean_error = NULL,
			lakify_start = NULL, lakify_end = NULL, lakify_error = NULL
		WHERE id = $1`, id)
}

func (d *documents) SendBackToLakify(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return d.exec(ctx, `
		UPDATE document SET lakify_start = NULL, lakify_end = NULL, lakify_error = NULL
		WHERE id = $1`, id)
}

func (d *documents) Count(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	var count int64
	err = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document`).Scan(&count)
	return count, Error.Wrap(err)
}

func (d *documents) CountToDownload(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	var count int64
	err = d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document WHERE downloaded IS NULL AND download_error IS NULL`).Scan(&count)
	return count, Error.Wrap(err)
}

func (d *documents) exec(ctx context.Context, query string, args ...any) error {
	_, err := d.db.ExecContext(ctx, query, args...)
	return Error.Wrap(err)
}
