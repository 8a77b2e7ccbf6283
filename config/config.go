// Package config loads the process configuration.
//
// Configuration is TOML, decoded strictly: unknown keys are an error,
// not a warning, so misspelled options cannot silently revert to
// defaults. Environment variables override file values using the
// RODEPUSH_ prefix with section and key upper-cased and joined by
// underscores (RODEPUSH_SERVER_PORT overrides server.port).
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/panicfrog/rodepush"
)

// EnvPrefix is the documented environment-override prefix.
const EnvPrefix = "RODEPUSH_"

// Config is the full recognized option set. It is loaded once at
// startup and read-only afterwards.
type Config struct {
	Server      Server      `toml:"server"`
	Database    Database    `toml:"database"`
	Storage     Storage     `toml:"storage"`
	Cache       Cache       `toml:"cache"`
	Diff        Diff        `toml:"diff"`
	Compression Compression `toml:"compression"`
	Logging     Logging     `toml:"logging"`
}

type Server struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Workers int    `toml:"workers"`
	// UploadTimeoutSeconds bounds an upload body read.
	UploadTimeoutSeconds int `toml:"upload_timeout_seconds"`
	// MaxUploadBytes rejects larger bodies with 413.
	MaxUploadBytes int64 `toml:"max_upload_bytes"`
}

type Database struct {
	URL                 string `toml:"url"`
	MaxConnections      int    `toml:"max_connections"`
	QueryTimeoutSeconds int    `toml:"query_timeout_seconds"`
}

type Storage struct {
	Type     string `toml:"type"` // filesystem | s3 | gcs
	BasePath string `toml:"base_path"`
	Bucket   string `toml:"bucket"`
	Endpoint string `toml:"endpoint"`
	Region   string `toml:"region"`
	// AccessKey and SecretKey authenticate the s3 backend.
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

type Cache struct {
	Type       string `toml:"type"` // memory | redis
	URL        string `toml:"url"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

type Diff struct {
	DeltaThreshold float64 `toml:"delta_threshold"`
	MaxInFlight    int     `toml:"max_in_flight"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	// BudgetBytes bounds on-disk diff usage; the sweeper evicts
	// least-recently-served packages past it. Zero disables eviction.
	BudgetBytes int64 `toml:"budget_bytes"`
	// SweepIntervalSeconds paces the eviction sweeper.
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

type Compression struct {
	Codec string `toml:"codec"` // zstd | deflate | brotli
	Level int    `toml:"level"`
}

type Logging struct {
	Level  string `toml:"level"`  // trace | debug | info | warn | error
	Format string `toml:"format"` // text | json
}

// Default returns the configuration used when the file omits a value.
func Default() Config {
	return Config{
		Server: Server{
			Host:                 "127.0.0.1",
			Port:                 8080,
			Workers:              runtime.NumCPU(),
			UploadTimeoutSeconds: 300,
			MaxUploadBytes:       1 << 30,
		},
		Database: Database{
			MaxConnections:      16,
			QueryTimeoutSeconds: 5,
		},
		Storage: Storage{
			Type:     "filesystem",
			BasePath: "./data",
		},
		Cache: Cache{
			Type:       "memory",
			TTLSeconds: 300,
		},
		Diff: Diff{
			DeltaThreshold:       0.7,
			MaxInFlight:          runtime.NumCPU(),
			TimeoutSeconds:       600,
			SweepIntervalSeconds: 60,
		},
		Compression: Compression{
			Codec: "zstd",
			Level: 3,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file, applies environment overrides, and
// validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "parsing configuration", Inner: err}
		}
		if undec := md.Undecoded(); len(undec) != 0 {
			keys := make([]string, len(undec))
			for i, k := range undec {
				keys[i] = k.String()
			}
			return cfg, &rodepush.Error{
				Kind:    rodepush.ErrValidation,
				Message: "unknown configuration keys: " + strings.Join(keys, ", "),
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays RODEPUSH_* variables onto the configuration.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	num := func(p *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*p = n
			return nil
		}
	}
	num64 := func(p *int64) func(string) error {
		return func(v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			*p = n
			return nil
		}
	}
	flt := func(p *float64) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			*p = f
			return nil
		}
	}

	setters := map[string]func(string) error{
		"SERVER_HOST":                    str(&c.Server.Host),
		"SERVER_PORT":                    num(&c.Server.Port),
		"SERVER_WORKERS":                 num(&c.Server.Workers),
		"SERVER_UPLOAD_TIMEOUT_SECONDS":  num(&c.Server.UploadTimeoutSeconds),
		"SERVER_MAX_UPLOAD_BYTES":        num64(&c.Server.MaxUploadBytes),
		"DATABASE_URL":                   str(&c.Database.URL),
		"DATABASE_MAX_CONNECTIONS":       num(&c.Database.MaxConnections),
		"DATABASE_QUERY_TIMEOUT_SECONDS": num(&c.Database.QueryTimeoutSeconds),
		"STORAGE_TYPE":                   str(&c.Storage.Type),
		"STORAGE_BASE_PATH":              str(&c.Storage.BasePath),
		"STORAGE_BUCKET":                 str(&c.Storage.Bucket),
		"STORAGE_ENDPOINT":               str(&c.Storage.Endpoint),
		"STORAGE_REGION":                 str(&c.Storage.Region),
		"STORAGE_ACCESS_KEY":             str(&c.Storage.AccessKey),
		"STORAGE_SECRET_KEY":             str(&c.Storage.SecretKey),
		"CACHE_TYPE":                     str(&c.Cache.Type),
		"CACHE_URL":                      str(&c.Cache.URL),
		"CACHE_TTL_SECONDS":              num(&c.Cache.TTLSeconds),
		"DIFF_DELTA_THRESHOLD":           flt(&c.Diff.DeltaThreshold),
		"DIFF_MAX_IN_FLIGHT":             num(&c.Diff.MaxInFlight),
		"DIFF_TIMEOUT_SECONDS":           num(&c.Diff.TimeoutSeconds),
		"DIFF_BUDGET_BYTES":              num64(&c.Diff.BudgetBytes),
		"DIFF_SWEEP_INTERVAL_SECONDS":    num(&c.Diff.SweepIntervalSeconds),
		"COMPRESSION_CODEC":              str(&c.Compression.Codec),
		"COMPRESSION_LEVEL":              num(&c.Compression.Level),
		"LOGGING_LEVEL":                  str(&c.Logging.Level),
		"LOGGING_FORMAT":                 str(&c.Logging.Format),
	}
	for suffix, set := range setters {
		v, ok := lookup(EnvPrefix + suffix)
		if !ok {
			continue
		}
		if err := set(v); err != nil {
			return &rodepush.Error{
				Kind:    rodepush.ErrValidation,
				Message: fmt.Sprintf("invalid %s%s: %q", EnvPrefix, suffix, v),
				Inner:   err,
			}
		}
	}
	return nil
}

// Validate checks enums and ranges.
func (c *Config) Validate() error {
	bad := func(msg string) error {
		return &rodepush.Error{Kind: rodepush.ErrValidation, Message: msg}
	}
	switch c.Storage.Type {
	case "filesystem", "s3", "gcs":
	default:
		return bad(fmt.Sprintf("storage.type %q not one of filesystem, s3, gcs", c.Storage.Type))
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return bad(fmt.Sprintf("cache.type %q not one of memory, redis", c.Cache.Type))
	}
	if c.Cache.Type == "redis" && c.Cache.URL == "" {
		return bad("cache.url required for cache.type redis")
	}
	if _, err := rodepush.ParseCodec(c.Compression.Codec); err != nil {
		return err
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return bad(fmt.Sprintf("logging.level %q unrecognized", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return bad(fmt.Sprintf("logging.format %q not one of text, json", c.Logging.Format))
	}
	if t := c.Diff.DeltaThreshold; t < 0 || t > 1 {
		return bad(fmt.Sprintf("diff.delta_threshold %v outside [0,1]", t))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return bad(fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	return nil
}

// QueryTimeout is database.query_timeout_seconds as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Database.QueryTimeoutSeconds) * time.Second
}

// UploadTimeout is server.upload_timeout_seconds as a duration.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Server.UploadTimeoutSeconds) * time.Second
}

// DiffTimeout is diff.timeout_seconds as a duration.
func (c *Config) DiffTimeout() time.Duration {
	return time.Duration(c.Diff.TimeoutSeconds) * time.Second
}

// CacheTTL is cache.ttl_seconds as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
