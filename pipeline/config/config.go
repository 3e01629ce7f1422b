// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package config loads the process configuration from the environment.
// Everything is read once at start-up; there is no runtime reconfiguration.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the config errs class.
var Error = errs.Class("config")

// Config is the immutable process configuration, passed through constructors.
type Config struct {
	LogLevel string

	DB       DBConfig
	Storage  StorageConfig
	BDS      BDSConfig
	Notify   NotifyConfig
	Queue    QueueConfig
	Refresh  RefreshConfig
	Validate ValidateConfig
	Clean    CleanConfig
	Flatten  FlattenConfig
	Lakify   LakifyConfig
	Solrize  SolrizeConfig
}

// DBConfig is the state store connection configuration.
type DBConfig struct {
	User    string
	Pass    string
	Host    string
	Port    string
	Name    string
	SSLMode string

	ConnectTimeout    time.Duration
	KeepaliveIdle     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCount    int

	RetryLimit int
	SleepStart time.Duration
	SleepMax   time.Duration
}

// StorageConfig is the object store configuration.
type StorageConfig struct {
	// ConnectionString has the form
	// endpoint=...;accessKey=...;secretKey=...;useSSL=true
	ConnectionString string
	SourceContainer  string
	CleanContainer   string
	LakeContainer    string
}

// BDSConfig points at the Bulk Data Service indices.
type BDSConfig struct {
	DatasetIndexURL      string
	ReportingOrgIndexURL string
	Timeout              time.Duration
}

// NotifyConfig points at the comms hub used for black-flag notifications.
type NotifyConfig struct {
	URL      string
	KeyName  string
	KeyValue string
}

// QueueConfig points at the Redis queue carrying black-flag removals.
type QueueConfig struct {
	// URL is a redis URL; empty disables queue draining.
	URL string
}

// RefreshConfig drives the refresh stage and its service loop.
type RefreshConfig struct {
	LoopInterval         time.Duration
	RetryErrorsAfterLoop int
	Parallelism          int

	PublisherSafetyPercentage int
	DocumentSafetyPercentage  int
	MaxBlobDelete             int

	LimitEnabled         bool
	LimitToReportingOrgs []string
	LimitToDatasets      []string

	MetricsPort int
}

// ValidateConfig drives the validate stage and the safety controller.
type ValidateConfig struct {
	LoopInterval time.Duration
	Parallelism  int

	SchemaValidationURL      string
	SchemaValidationKeyName  string
	SchemaValidationKeyValue string
	SchemaValidationTimeout  time.Duration

	FullValidationURL      string
	FullValidationKeyName  string
	FullValidationKeyValue string
	FullValidationTimeout  time.Duration

	SafetyCheckThreshold int
	SafetyCheckPeriod    time.Duration

	MetricsPort int
}

// CleanConfig drives the two clean sub-stages.
type CleanConfig struct {
	LoopInterval time.Duration
	Parallelism  int
	MetricsPort  int
}

// FlattenConfig drives the flatten stage.
type FlattenConfig struct {
	LoopInterval time.Duration
	Parallelism  int
	MetricsPort  int
}

// LakifyConfig drives the lakify stage.
type LakifyConfig struct {
	LoopInterval time.Duration
	Parallelism  int
	MetricsPort  int
}

// SolrizeConfig drives the solrize stage.
type SolrizeConfig struct {
	LoopInterval time.Duration
	Parallelism  int

	APIURL   string
	User     string
	Password string
	Timeout  time.Duration

	ExplodeElements []string
	MaxBatchLength  int
	Solr500Sleep    time.Duration

	MetricsPort int
}

// Load reads the configuration from environment variables.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_SSL_MODE", "require")
	v.SetDefault("DB_KEEPALIVE_IDLE", 60)
	v.SetDefault("DB_KEEPALIVE_INTERVAL", 15)
	v.SetDefault("DB_KEEPALIVE_COUNT", 5)
	v.SetDefault("BULK_DATA_SERVICE_HTTP_TIMEOUT", 600)
	v.SetDefault("REFRESH_STAGE_LOOP_SLEEP", 60)
	v.SetDefault("LIMIT_ENABLED", "no")
	v.SetDefault("LIMIT_TO_REPORTING_ORGS", "")
	v.SetDefault("LIMIT_TO_DATASETS", "")
	v.SetDefault("SCHEMA_VALIDATOR_API_TIMEOUT", 3600)
	v.SetDefault("VALIDATOR_API_TIMEOUT", 3600)
	v.SetDefault("SOLR_PARALLEL_PROCESSES", 1)
	v.SetDefault("SOLR_500_SLEEP", 900)
	v.SetDefault("SOLR_HTTP_TIMEOUT", 600)

	// these are not expected to change between deployments
	const (
		dbRetryLimit         = 8
		dbSleepStartSeconds  = 5
		dbSleepMaxSeconds    = 60
		dbConnTimeoutSeconds = 5

		refreshParallelism   = 10
		retryErrorsAfterLoop = 30
		publisherSafetyPct   = 50
		documentSafetyPct    = 50
		maxBlobDelete        = 250

		safetyCheckThreshold = 100
		safetyCheckPeriodHrs = 2

		maxBatchLength = 500
	)

	cfg := Config{
		LogLevel: v.GetString("LOG_LEVEL"),
		DB: DBConfig{
			User:              v.GetString("DB_USER"),
			Pass:              v.GetString("DB_PASS"),
			Host:              v.GetString("DB_HOST"),
			Port:              v.GetString("DB_PORT"),
			Name:              v.GetString("DB_NAME"),
			SSLMode:           v.GetString("DB_SSL_MODE"),
			ConnectTimeout:    dbConnTimeoutSeconds * time.Second,
			KeepaliveIdle:     time.Duration(v.GetInt("DB_KEEPALIVE_IDLE")) * time.Second,
			KeepaliveInterval: time.Duration(v.GetInt("DB_KEEPALIVE_INTERVAL")) * time.Second,
			KeepaliveCount:    v.GetInt("DB_KEEPALIVE_COUNT"),
			RetryLimit:        dbRetryLimit,
			SleepStart:        dbSleepStartSeconds * time.Second,
			SleepMax:          dbSleepMaxSeconds * time.Second,
		},
		Storage: StorageConfig{
			ConnectionString: v.GetString("STORAGE_CONNECTION_STRING"),
			SourceContainer:  v.GetString("STORAGE_CONTAINER_SOURCE"),
			CleanContainer:   v.GetString("STORAGE_CONTAINER_CLEAN"),
			LakeContainer:    v.GetString("STORAGE_CONTAINER_LAKE"),
		},
		BDS: BDSConfig{
			DatasetIndexURL:      v.GetString("BULK_DATA_SERVICE_DATASET_INDEX_URL"),
			ReportingOrgIndexURL: v.GetString("BULK_DATA_SERVICE_REPORTING_ORG_INDEX_URL"),
			Timeout:              time.Duration(v.GetInt("BULK_DATA_SERVICE_HTTP_TIMEOUT")) * time.Second,
		},
		Notify: NotifyConfig{
			URL:      v.GetString("COMMSHUB_URL"),
			KeyName:  "x-functions-key",
			KeyValue: v.GetString("COMMSHUB_KEY"),
		},
		Queue: QueueConfig{
			URL: v.GetString("QUEUE_URL"),
		},
		Refresh: RefreshConfig{
			LoopInterval:              time.Duration(v.GetInt("REFRESH_STAGE_LOOP_SLEEP")) * time.Second,
			RetryErrorsAfterLoop:      retryErrorsAfterLoop,
			Parallelism:               refreshParallelism,
			PublisherSafetyPercentage: publisherSafetyPct,
			DocumentSafetyPercentage:  documentSafetyPct,
			MaxBlobDelete:             maxBlobDelete,
			LimitEnabled:              v.GetString("LIMIT_ENABLED") == "yes",
			LimitToReportingOrgs:      splitList(v.GetString("LIMIT_TO_REPORTING_ORGS")),
			LimitToDatasets:           splitList(v.GetString("LIMIT_TO_DATASETS")),
			MetricsPort:               9091,
		},
		Validate: ValidateConfig{
			LoopInterval:             60 * time.Second,
			Parallelism:              1,
			SchemaValidationURL:      v.GetString("SCHEMA_VALIDATION_API_URL"),
			SchemaValidationKeyName:  v.GetString("SCHEMA_VALIDATION_KEY_NAME"),
			SchemaValidationKeyValue: v.GetString("SCHEMA_VALIDATION_KEY_VALUE"),
			SchemaValidationTimeout:  time.Duration(v.GetInt("SCHEMA_VALIDATOR_API_TIMEOUT")) * time.Second,
			FullValidationURL:        v.GetString("VALIDATOR_API_URL"),
			FullValidationKeyName:    v.GetString("VALIDATOR_API_KEY_NAME"),
			FullValidationKeyValue:   v.GetString("VALIDATOR_API_KEY_VALUE"),
			FullValidationTimeout:    time.Duration(v.GetInt("VALIDATOR_API_TIMEOUT")) * time.Second,
			SafetyCheckThreshold:     safetyCheckThreshold,
			SafetyCheckPeriod:        safetyCheckPeriodHrs * time.Hour,
			MetricsPort:              9092,
		},
		Clean: CleanConfig{
			LoopInterval: 60 * time.Second,
			Parallelism:  1,
			MetricsPort:  9093,
		},
		Flatten: FlattenConfig{
			LoopInterval: 60 * time.Second,
			Parallelism:  1,
			MetricsPort:  9094,
		},
		Lakify: LakifyConfig{
			LoopInterval: 60 * time.Second,
			Parallelism:  10,
			MetricsPort:  9095,
		},
		Solrize: SolrizeConfig{
			LoopInterval:    60 * time.Second,
			Parallelism:     v.GetInt("SOLR_PARALLEL_PROCESSES"),
			APIURL:          v.GetString("SOLR_API_URL"),
			User:            v.GetString("SOLR_USER"),
			Password:        v.GetString("SOLR_PASSWORD"),
			Timeout:         time.Duration(v.GetInt("SOLR_HTTP_TIMEOUT")) * time.Second,
			ExplodeElements: []string{"transaction", "budget"},
			MaxBatchLength:  maxBatchLength,
			Solr500Sleep:    time.Duration(v.GetInt("SOLR_500_SLEEP")) * time.Second,
			MetricsPort:     9096,
		},
	}

	if cfg.DB.Host == "" || cfg.DB.Name == "" || cfg.DB.User == "" {
		return Config{}, Error.New("DB_HOST, DB_NAME and DB_USER must be set")
	}

	return cfg, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
