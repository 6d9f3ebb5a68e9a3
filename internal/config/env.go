package config

import (
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable read by LoadEnv.
const EnvPrefix = "TICKPIPE"

// Env carries credentials and 12-factor overrides read from TICKPIPE_*
// variables. Zero values leave the pipeline file untouched.
type Env struct {
	S3Endpoint        string `envconfig:"S3_ENDPOINT"`
	S3AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3SessionToken    string `envconfig:"S3_SESSION_TOKEN"`
	S3Region          string `envconfig:"S3_REGION" default:"us-east-1"`
	S3UseSSL          bool   `envconfig:"S3_USE_SSL" default:"true"`

	LedgerDSN string `envconfig:"LEDGER_DSN"`

	BatchSize        int    `envconfig:"BATCH_SIZE"`
	TransformWorkers int    `envconfig:"TRANSFORM_WORKERS"`
	Workers          int    `envconfig:"WORKERS"`
	MaxPartitions    int    `envconfig:"MAX_PARTITIONS"`
	Compression      string `envconfig:"COMPRESSION"`

	LogLevel       string `envconfig:"LOG_LEVEL"`
	LogFormat      string `envconfig:"LOG_FORMAT"`
	MetricsBackend string `envconfig:"METRICS_BACKEND"`
	PushgatewayURL string `envconfig:"PUSHGATEWAY_URL"`
	DogStatsdAddr  string `envconfig:"DOGSTATSD_ADDR"`
}

// HasS3 reports whether object-store credentials are configured.
func (e Env) HasS3() bool {
	return e.S3Endpoint != "" && e.S3AccessKeyID != "" && e.S3SecretAccessKey != ""
}

// LoadEnv reads TICKPIPE_* variables.
func LoadEnv() (Env, error) {
	var e Env
	err := envconfig.Process(EnvPrefix, &e)
	return e, err
}

// ApplyEnv overrides pipeline values with non-zero environment values.
func (p *Pipeline) ApplyEnv(e Env) {
	p.Runtime.BatchSize = pickInt(e.BatchSize, p.Runtime.BatchSize)
	p.Runtime.TransformWorkers = pickInt(e.TransformWorkers, p.Runtime.TransformWorkers)
	p.Runtime.Workers = pickInt(e.Workers, p.Runtime.Workers)
	p.Sink.MaxPartitions = pickInt(e.MaxPartitions, p.Sink.MaxPartitions)
	if e.Compression != "" {
		p.Sink.Compression = e.Compression
	}
	if e.LedgerDSN != "" {
		p.Ledger.DSN = e.LedgerDSN
	}
}

// pickInt returns a if positive, otherwise b.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
