// Package config loads the top-level process configuration: the S3 bucket
// to watch, the key pattern restricting which leaf directories are treated
// as data-source directories, poll timing, and the optional status-db
// block. The file is YAML; the bucket, key pattern, status-db host and
// status-db password can also be overridden by environment variables
// (S3_BUCKET, S3_KEY_PATTERN, STATUS_DB_HOST, STATUS_DB_PASSWORD).
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/warehouse-loader/internal/template"
)

// PollInterval controls how often a watcher re-checks its target for work.
// The actual wait is Seconds + rand()*RandomSeconds, recomputed on every
// iteration, so that many watchers polling the same bucket don't wake up in
// lockstep.
type PollInterval struct {
	Seconds       int `yaml:"seconds"`
	RandomSeconds int `yaml:"random-seconds"`
}

func (p PollInterval) Duration() time.Duration {
	return time.Duration(p.Seconds) * time.Second
}

func (p PollInterval) Jitter() time.Duration {
	return time.Duration(p.RandomSeconds) * time.Second
}

// S3Config describes the bucket this process watches.
type S3Config struct {
	Bucket       string       `yaml:"bucket"`
	KeyPattern   string       `yaml:"key-pattern"`
	PollInterval PollInterval `yaml:"poll-interval"`
}

func (c *S3Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	if c.KeyPattern == "" {
		return fmt.Errorf("s3.key-pattern is required")
	}
	if _, err := regexp.Compile(c.KeyPattern); err != nil {
		return fmt.Errorf("s3.key-pattern: %w", err)
	}
	if c.PollInterval.Seconds <= 0 {
		return fmt.Errorf("s3.poll-interval.seconds must be greater than 0")
	}
	if c.PollInterval.RandomSeconds < 0 {
		return fmt.Errorf("s3.poll-interval.random-seconds must not be negative")
	}
	return nil
}

// StatusDBConfig holds connection parameters for the lifecycle-status
// table. A nil *StatusDBConfig on Config disables status stamping
// globally, matching a data source whose descriptor never sets
// add-status? to true.
type StatusDBConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	Schema   string `yaml:"schema"`
	Table    string `yaml:"table"`
}

func (c *StatusDBConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("status-db.host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("status-db.database is required")
	}
	if c.Username == "" {
		return fmt.Errorf("status-db.username is required")
	}
	return nil
}

// Config is the top-level process configuration loaded from the YAML
// config file and overridden by environment variables.
type Config struct {
	S3       S3Config        `yaml:"s3"`
	StatusDB *StatusDBConfig `yaml:"status-db"`
}

// Validate checks the loaded config for required fields, following the
// rest of the codebase's Config.Validate convention.
func (c *Config) Validate() error {
	if err := c.S3.validate(); err != nil {
		return err
	}
	if c.StatusDB != nil {
		if err := c.StatusDB.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads and parses the YAML config file at path, applies environment
// variable overrides, expands {{NAME}} placeholders against the process
// environment, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	// Expand {{NAME}} placeholders against the process environment before
	// the rest of the process ever sees the raw value, the same way
	// descriptor fields are expanded at load time.
	if err := template.ExpandAll(&cfg.S3.Bucket, &cfg.S3.KeyPattern); err != nil {
		return nil, err
	}
	if cfg.StatusDB != nil {
		if err := template.ExpandAll(
			&cfg.StatusDB.Host, &cfg.StatusDB.Database, &cfg.StatusDB.Username,
			&cfg.StatusDB.Password, &cfg.StatusDB.Schema, &cfg.StatusDB.Table,
		); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := os.Getenv("S3_KEY_PATTERN"); v != "" {
		cfg.S3.KeyPattern = v
	}
	if cfg.StatusDB == nil {
		return
	}
	if v := os.Getenv("STATUS_DB_HOST"); v != "" {
		cfg.StatusDB.Host = v
	}
	if v := os.Getenv("STATUS_DB_PASSWORD"); v != "" {
		cfg.StatusDB.Password = v
	}
}

// IsProd reports whether STAGE is set to "prod". Every stage other than
// prod, including an unset STAGE, gets the pprof and expvar debug routes on
// the health listener; the health listener itself runs in every stage.
func IsProd() bool {
	return os.Getenv("STAGE") == "prod"
}

// IAMRole returns the value of BLUESHIFT_S3_IAM_ROLE and whether it was
// set, switching the COPY statement's auth clause between IAM_ROLE and
// static CREDENTIALS.
func IAMRole() (string, bool) {
	v := os.Getenv("BLUESHIFT_S3_IAM_ROLE")
	return v, v != ""
}
