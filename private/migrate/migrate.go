// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package migrate

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default migrate errs class.
	Error = errs.Class("migrate")

	// ErrValidate is when the migration steps are not consistent.
	ErrValidate = errs.Class("migrate validation")
)

// Migration describes a versioned schema and how to step between versions.
//
// The version table holds a single row (number, migration) where number is the
// human readable schema version the code was built against and migration is the
// index of the last applied step. A missing table or row is treated as
// ("0.0.0", -1).
type Migration struct {
	// Table is the name of the version table.
	Table string
	// Number is the schema version the running code expects.
	Number string
	// Steps are ordered migration steps, versions starting at 0.
	Steps []*Step
}

// Step describes a single step in a migration.
type Step struct {
	Version     int
	Description string
	// Up and Down are executed statement by statement inside a single
	// transaction per step.
	Up   []string
	Down []string
}

// TargetVersion returns the migration index the steps lead to.
func (migration *Migration) TargetVersion() int {
	if len(migration.Steps) == 0 {
		return -1
	}
	return migration.Steps[len(migration.Steps)-1].Version
}

// ValidateSteps checks that the steps have consecutive versions starting at 0.
func (migration *Migration) ValidateSteps() error {
	expected := 0
	for _, step := range migration.Steps {
		if step.Version != expected {
			return ErrValidate.New("expected version %d, got %d (%s)", expected, step.Version, step.Description)
		}
		if len(step.Up) == 0 {
			return ErrValidate.New("step %d (%s) has no up statements", step.Version, step.Description)
		}
		expected++
	}
	return nil
}

// CurrentVersion returns the version row, treating an absent table or row as
// ("0.0.0", -1).
func (migration *Migration) CurrentVersion(ctx context.Context, db *sql.DB) (number string, version int, err error) {
	err = db.QueryRowContext(ctx, `SELECT number, migration FROM `+migration.Table+` LIMIT 1`).Scan(&number, &version)
	if err != nil {
		// an undefined table and an empty table both mean a fresh database
		if errors.Is(err, sql.ErrNoRows) || isUndefinedTable(err) {
			return "0.0.0", -1, nil
		}
		return "", 0, Error.Wrap(err)
	}
	return number, version, nil
}

// Run applies the steps required to move the schema from its current migration
// index to the target. Each step runs in its own transaction together with the
// version row update, so a failed step leaves the schema at the previous step.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger, db *sql.DB) error {
	if err := migration.ValidateSteps(); err != nil {
		return err
	}

	number, current, err := migration.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}

	target := migration.TargetVersion()
	if number == migration.Number {
		log.Info("database schema at correct version", zap.String("number", number))
		return nil
	}

	switch {
	case current < target:
		log.Info("upgrading database schema",
			zap.String("from", number), zap.String("to", migration.Number))
		for _, step := range migration.Steps {
			if step.Version <= current {
				continue
			}
			log.Info("applying migration step",
				zap.Int("version", step.Version), zap.String("description", step.Description))
			if err := migration.runStep(ctx, db, step.Up, step.Version); err != nil {
				return Error.New("step %d (%s) failed: %v", step.Version, step.Description, err)
			}
		}
	case current > target:
		log.Info("downgrading database schema",
			zap.String("from", number), zap.String("to", migration.Number))
		for i := len(migration.Steps) - 1; i >= 0; i-- {
			step := migration.Steps[i]
			if step.Version > current || step.Version <= target {
				continue
			}
			log.Info("reverting migration step",
				zap.Int("version", step.Version), zap.String("description", step.Description))
			if err := migration.runStep(ctx, db, step.Down, step.Version-1); err != nil {
				return Error.New("step %d (%s) revert failed: %v", step.Version, step.Description, err)
			}
		}
	}

	return nil
}

func (migration *Migration) runStep(ctx context.Context, db *sql.DB, statements []string, resulting int) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return Error.Wrap(err)
		}
	}

	result, err := tx.ExecContext(ctx, `UPDATE `+migration.Table+` SET number = $1, migration = $2`, migration.Number, resulting)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO `+migration.Table+` (number, migration) VALUES ($1, $2)`, migration.Number, resulting)
		if err != nil {
			return Error.Wrap(err)
		}
	}

	return Error.Wrap(tx.Commit())
}

// isUndefinedTable reports whether err is Postgres' undefined_table error.
func isUndefinedTable(err error) bool {
	type coder interface{ SQLState() string }
	var withCode coder
	if errors.As(err, &withCode) {
		return withCode.SQLState() == "42P01"
	}
	// fall back to the error text for drivers without SQLState
	return err != nil && strings.Contains(err.Error(), "does not exist")
}
