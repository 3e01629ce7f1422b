// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"

	"github.com/IATI/refresher/pipeline"
)

type validations struct {
	db *sql.DB
}

// UpdateState stores a validation report and repoints the document at it in
// one transaction. The old report row stays behind for audit; the document
// foreign key is what makes a report current.
func (v *validations) UpdateState(ctx context.Context, doc pipeline.ValidationTask, valid bool, report []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	var reportID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO validation (document_id, document_hash, document_url, publisher, publisher_name, valid, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		doc.ID, doc.Hash, doc.URL, doc.Publisher, doc.PublisherName, valid, report).Scan(&reportID)
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE document SET validation = $2, regenerate_validation_report = false
		WHERE id = $1`, doc.ID, reportID)
	if err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(tx.Commit())
}
