package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidroman0O/orca/errors"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "ORCA_"

// Load reads a YAML or JSON file on top of Default, then applies environment
// overrides and validates the result. An empty path loads only the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to read config file")
		}

		switch ext := filepath.Ext(path); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to parse YAML config")
			}
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to parse JSON config")
			}
		default:
			return nil, errors.Newf(errors.ErrConfiguration, "unsupported config file format: %s", ext)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ORCA_* variables
func (c *Config) ApplyEnv() error {
	var err error

	s := &c.Scheduler
	if s.Workers, err = envInt("SCHEDULER_WORKERS", s.Workers); err != nil {
		return err
	}
	if s.MaxSystemRetries, err = envInt("SCHEDULER_MAX_SYSTEM_RETRIES", s.MaxSystemRetries); err != nil {
		return err
	}
	if s.DefaultBackoff, err = envDuration("SCHEDULER_DEFAULT_BACKOFF", s.DefaultBackoff); err != nil {
		return err
	}
	if raw, ok := lookup("SCHEDULER_PASS_THROUGH"); ok {
		s.PassThroughStatuses = splitList(raw)
	}

	c.Logging.Level = envString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envString("LOG_FORMAT", c.Logging.Format)

	p := &c.Persistence
	p.Driver = envString("PERSISTENCE_DRIVER", p.Driver)
	p.Postgres.URL = envString("DATABASE_URL", p.Postgres.URL)
	if p.Postgres.MaxOpenConns, err = envInt("DATABASE_MAX_OPEN_CONNS", p.Postgres.MaxOpenConns); err != nil {
		return err
	}
	if p.Postgres.MaxIdleConns, err = envInt("DATABASE_MAX_IDLE_CONNS", p.Postgres.MaxIdleConns); err != nil {
		return err
	}
	if p.Postgres.PingTimeout, err = envDuration("DATABASE_PING_TIMEOUT", p.Postgres.PingTimeout); err != nil {
		return err
	}

	a := &c.Archive
	if a.Enabled, err = envBool("ARCHIVE_ENABLED", a.Enabled); err != nil {
		return err
	}
	a.Endpoint = envString("MINIO_ENDPOINT", a.Endpoint)
	a.AccessKey = envString("MINIO_ACCESS_KEY", a.AccessKey)
	a.SecretKey = envString("MINIO_SECRET_KEY", a.SecretKey)
	a.Region = envString("MINIO_REGION", a.Region)
	a.Bucket = envString("MINIO_BUCKET", a.Bucket)
	if a.UseSSL, err = envBool("MINIO_USE_SSL", a.UseSSL); err != nil {
		return err
	}
	return nil
}

func lookup(key string) (string, bool) {
	return os.LookupEnv(EnvPrefix + key)
}

func envString(key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	if v, ok := lookup(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrConfiguration, fmt.Sprintf("parse %s%s", EnvPrefix, key))
		}
		return i, nil
	}
	return def, nil
}

func envBool(key string, def bool) (bool, error) {
	if v, ok := lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, errors.Wrap(err, errors.ErrConfiguration, fmt.Sprintf("parse %s%s", EnvPrefix, key))
		}
		return b, nil
	}
	return def, nil
}

func envDuration(key string, def Duration) (Duration, error) {
	if v, ok := lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrConfiguration, fmt.Sprintf("parse %s%s", EnvPrefix, key))
		}
		return Duration(d), nil
	}
	return def, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
