// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package pipelinedb implements the pipeline state store on PostgreSQL.
package pipelinedb

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/config"
)

var (
	// Error is the default pipelinedb errs class.
	Error = errs.Class("pipelinedb")

	mon = monkit.Package()
)

// SchemaNumber is the schema version this code expects. Refresh migrates the
// database to it; every other entry point waits for it.
const SchemaNumber = "2.1.0"

// versionCheckInterval is how long CheckVersion sleeps between attempts.
const versionCheckInterval = time.Minute

// DB implements pipeline.DB on a single PostgreSQL connection pool. Each stage
// process opens one DB and holds it for the process lifetime.
type DB struct {
	log *zap.Logger
	db  *sql.DB

	documents   documents
	publishers  publishers
	validations validations
}

// Open connects to the state store, retrying the initial ping with
// exponential backoff so a freshly scheduled worker survives a database
// restart.
func Open(ctx context.Context, log *zap.Logger, cfg config.DBConfig) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Pass, cfg.Name, cfg.SSLMode,
		int(cfg.ConnectTimeout.Seconds()))

	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	connector.Dialer(&keepaliveDialer{
		Dialer: net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: cfg.KeepaliveInterval,
		},
	})

	db := sql.OpenDB(connector)

	ping := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval: cfg.SleepStart,
		Multiplier:      2,
		MaxInterval:     cfg.SleepMax,
		MaxElapsedTime:  0,
		Clock:           backoff.SystemClock,
		Stop:            backoff.Stop,
	}, ctx)

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		if attempts > cfg.RetryLimit {
			return backoff.Permanent(err)
		}
		log.Warn("error connecting to state store, retrying",
			zap.Int("attempt", attempts), zap.Error(err))
		return err
	}, ping)
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	wrapped := &DB{log: log, db: db}
	wrapped.documents = documents{db: db}
	wrapped.publishers = publishers{db: db}
	wrapped.validations = validations{db: db}
	return wrapped, nil
}

// Documents implements pipeline.DB.
func (db *DB) Documents() pipeline.Documents { return &db.documents }

// Publishers implements pipeline.DB.
func (db *DB) Publishers() pipeline.Publishers { return &db.publishers }

// Validations implements pipeline.DB.
func (db *DB) Validations() pipeline.Validations { return &db.validations }

// Close releases the connection pool.
func (db *DB) Close() error { return Error.Wrap(db.db.Close()) }

// MigrateToLatest brings the schema to the version this code expects,
// upgrading or downgrading one step at a time.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Migration().Run(ctx, db.log.Named("migrate"), db.db)
}

// CheckVersion blocks until the schema version matches the code. It never
// migrates; refresh is the sole migrator.
func (db *DB) CheckVersion(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	migration := Migration()
	for {
		number, _, err := migration.CurrentVersion(ctx, db.db)
		if err != nil {
			return Error.Wrap(err)
		}
		if number == SchemaNumber {
			return nil
		}

		db.log.Info("state store schema version incorrect, sleeping",
			zap.String("have", number), zap.String("want", SchemaNumber))

		select {
		case <-time.After(versionCheckInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// keepaliveDialer adapts net.Dialer to pq.Dialer so TCP keepalives stay
// enabled on long-lived worker connections.
type keepaliveDialer struct {
	net.Dialer
}

func (d keepaliveDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	dialer := d.Dialer
	dialer.Timeout = timeout
	return dialer.Dial(network, address)
}
