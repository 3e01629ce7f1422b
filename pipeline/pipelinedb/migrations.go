// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package pipelinedb

import (
	"github.com/IATI/refresher/private/migrate"
)

// Migration returns the schema steps for the state store. Steps are
// append-only: released steps are never edited, new ones are added and
// SchemaNumber is bumped.
func Migration() *migrate.Migration {
	return &migrate.Migration{
		Table:  "version",
		Number: SchemaNumber,
		Steps: []*migrate.Step{
			{
				Version:     0,
				Description: "initial publisher, document and validation tables",
				Up: []string{
					`CREATE TABLE version (
						number varchar NOT NULL,
						migration integer NOT NULL
					)`,
					`CREATE TABLE publisher (
						org_id varchar PRIMARY KEY,
						name varchar UNIQUE NOT NULL,
						title varchar,
						iati_id varchar,
						package_count integer,
						created timestamp without time zone NOT NULL DEFAULT now(),
						last_seen timestamp without time zone
					)`,
					`CREATE TABLE validation (
						id serial PRIMARY KEY,
						document_id varchar,
						document_hash varchar,
						document_url varchar,
						publisher varchar,
						publisher_name varchar,
						created timestamp without time zone NOT NULL DEFAULT now(),
						valid boolean,
						report jsonb
					)`,
					`CREATE TABLE document (
						id varchar PRIMARY KEY,
						hash varchar NOT NULL DEFAULT '',
						url varchar,
						name varchar,
						publisher varchar REFERENCES publisher (org_id) ON DELETE CASCADE,
						first_seen timestamp without time zone NOT NULL DEFAULT now(),
						last_seen timestamp without time zone,
						modified timestamp without time zone,
						downloaded timestamp without time zone,
						download_error smallint,
						validation_request timestamp without time zone,
						validation_api_error smallint,
						file_schema_valid boolean,
						validation integer REFERENCES validation (id) ON DELETE SET NULL,
						flatten_start timestamp without time zone,
						flatten_end timestamp without time zone,
						flatten_error varchar,
						flattened_activities jsonb,
						lakify_start timestamp without time zone,
						lakify_end timestamp without time zone,
						lakify_error varchar,
						solrize_start timestamp without time zone,
						solrize_end timestamp without time zone,
						solrize_error varchar
					)`,
					`CREATE INDEX document_publisher_idx ON document (publisher)`,
					`CREATE INDEX document_last_seen_idx ON document (last_seen)`,
				},
				Down: []string{
					`DROP TABLE document`,
					`DROP TABLE validation`,
					`DROP TABLE publisher`,
					`DROP TABLE version`,
				},
			},
			{
				Version:     1,
				Description: "publisher black flags",
				Up: []string{
					`ALTER TABLE publisher ADD COLUMN black_flag timestamp without time zone`,
					`ALTER TABLE publisher ADD COLUMN black_flag_notified boolean`,
				},
				Down: []string{
					`ALTER TABLE publisher DROP COLUMN black_flag_notified`,
					`ALTER TABLE publisher DROP COLUMN black_flag`,
				},
			},
			{
				Version:     2,
				Description: "clean stage columns",
				Up: []string{
					`ALTER TABLE document ADD COLUMN clean_start timestamp without time zone`,
					`ALTER TABLE document ADD COLUMN clean_end timestamp without time zone`,
					`ALTER TABLE document ADD COLUMN clean_error varchar`,
				},
				Down: []string{
					`ALTER TABLE document DROP COLUMN clean_error`,
					`ALTER TABLE document DROP COLUMN clean_end`,
					`ALTER TABLE document DROP COLUMN clean_start`,
				},
			},
			{
				Version:     3,
				Description: "validation report regeneration and solrize reindex flags",
				Up: []string{
					`ALTER TABLE document ADD COLUMN regenerate_validation_report boolean NOT NULL DEFAULT false`,
					`ALTER TABLE document ADD COLUMN solrize_reindex boolean NOT NULL DEFAULT false`,
				},
				Down: []string{
					`ALTER TABLE document DROP COLUMN solrize_reindex`,
					`ALTER TABLE document DROP COLUMN regenerate_validation_report`,
				},
			},
			{
				Version:     4,
				Description: "track last successful solrize separately from the current pass",
				Up: []string{
					`ALTER TABLE document ADD COLUMN last_solrize_end timestamp without time zone`,
					`UPDATE document SET last_solrize_end = solrize_end WHERE last_solrize_end IS NULL`,
				},
				Down: []string{
					`ALTER TABLE document DROP COLUMN last_solrize_end`,
				},
			},
			{
				Version:     5,
				Description: "bulk data service cache url",
				Up: []string{
					`ALTER TABLE document ADD COLUMN bds_cache_url varchar`,
				},
				Down: []string{
					`ALTER TABLE document DROP COLUMN bds_cache_url`,
				},
			},
		},
	}
}
