// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"github.com/IATI/refresher/pipeline"
)

type publishers struct {
	db *sql.DB
}

func (p *publishers) Upsert(ctx context.Context, seen time.Time, org pipeline.ReportingOrg) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO publisher (org_id, name, title, iati_id, package_count, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id) DO UPDATE SET
			name = excluded.name,
			title = excluded.title,
			iati_id = excluded.iati_id,
			package_count = excluded.package_count,
			last_seen = excluded.last_seen`,
		org.OrgID, org.ShortName, org.Title, org.IATIIdentifier, org.DatasetCount, seen)
	return Error.Wrap(err)
}

// RemoveNotSeenAfter deletes stale publishers. Owned document rows go with
// them through the foreign key cascade.
func (p *publishers) RemoveNotSeenAfter(ctx context.Context, t time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := p.db.ExecContext(ctx, `DELETE FROM publisher WHERE last_seen < $1`, t)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	count, err := result.RowsAffected()
	return count, Error.Wrap(err)
}

func (p *publishers) Count(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	var count int64
	err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM publisher`).Scan(&count)
	return count, Error.Wrap(err)
}

// BlackFlagDubious stamps black_flag on publishers with more than threshold
// schema-invalid documents downloaded within the trailing period. Already
// flagged publishers keep their original stamp.
func (p *publishers) BlackFlagDubious(ctx context.Context, threshold int, period time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = p.db.ExecContext(ctx, `
		UPDATE publisher SET black_flag = now()
		WHERE black_flag IS NULL AND org_id IN (
			SELECT publisher FROM document
			WHERE file_schema_valid = false
				AND downloaded > now() - $2::interval
			GROUP BY publisher
			HAVING COUNT(*) > $1
		)`, threshold, period.String())
	return Error.Wrap(err)
}

func (p *publishers) RemoveBlackFlag(ctx context.Context, orgID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE publisher SET black_flag = NULL, black_flag_notified = NULL
		WHERE org_id = $1`, orgID)
	if err != nil {
		return Error.Wrap(err)
	}

	// force fresh reports so the publisher's documents re-enter the pipeline
	_, err = tx.ExecContext(ctx, `
		UPDATE document SET
			regenerate_validation_report = true,
			file_schema_valid = NULL,
			validation_api_error = NULL
		WHERE publisher = $1`, orgID)
	if err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(tx.Commit())
}

func (p *publishers) UnnotifiedBlackFlags(ctx context.Context) (orgIDs []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := p.db.QueryContext(ctx, `
		SELECT org_id FROM publisher
		WHERE black_flag IS NOT NULL AND black_flag_notified IS NOT TRUE`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, Error.Wrap(err)
		}
		orgIDs = append(orgIDs, orgID)
	}
	return orgIDs, Error.Wrap(rows.Err())
}

func (p *publishers) SetBlackFlagNotified(ctx context.Context, orgID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = p.db.ExecContext(ctx, `
		UPDATE publisher SET black_flag_notified = true WHERE org_id = $1`, orgID)
	return Error.Wrap(err)
}
