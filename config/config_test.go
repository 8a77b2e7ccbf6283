package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/panicfrog/rodepush"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rodepush.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load("testdata/example.toml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Type != "filesystem" || cfg.Diff.BudgetBytes == 0 {
		t.Errorf("example config: %+v", cfg)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Compression.Codec != "zstd" || cfg.Diff.DeltaThreshold != 0.7 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, `
[server]
host = "0.0.0.0"
port = 9000

[database]
url = "postgres://localhost/rodepush"

[diff]
delta_threshold = 0.5

[logging]
format = "json"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9000 {
		t.Errorf("server: %+v", cfg.Server)
	}
	if cfg.Diff.DeltaThreshold != 0.5 {
		t.Errorf("threshold: %v", cfg.Diff.DeltaThreshold)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format: %v", cfg.Logging.Format)
	}
	// Unset keys keep defaults.
	if cfg.Compression.Codec != "zstd" {
		t.Errorf("codec: %v", cfg.Compression.Codec)
	}
}

func TestUnknownKeyIsError(t *testing.T) {
	p := writeFile(t, `
[server]
prot = 9000
`)
	_, err := Load(p)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, rodepush.ErrValidation) {
		t.Errorf("wrong kind: %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"RODEPUSH_SERVER_PORT":       "7777",
		"RODEPUSH_COMPRESSION_CODEC": "brotli",
	}
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7777 || cfg.Compression.Codec != "brotli" {
		t.Errorf("override failed: %+v", cfg)
	}

	err = cfg.applyEnv(func(k string) (string, bool) {
		if k == "RODEPUSH_SERVER_PORT" {
			return "not-a-number", true
		}
		return "", false
	})
	if err == nil {
		t.Error("expected error for malformed override")
	}
}

func TestValidate(t *testing.T) {
	tt := []struct {
		name   string
		mutate func(*Config)
	}{
		{"BadStorage", func(c *Config) { c.Storage.Type = "tape" }},
		{"BadCache", func(c *Config) { c.Cache.Type = "memcached" }},
		{"RedisNoURL", func(c *Config) { c.Cache.Type = "redis" }},
		{"BadCodec", func(c *Config) { c.Compression.Codec = "lzma" }},
		{"BadLevel", func(c *Config) { c.Logging.Level = "verbose" }},
		{"BadFormat", func(c *Config) { c.Logging.Format = "xml" }},
		{"BadThreshold", func(c *Config) { c.Diff.DeltaThreshold = 1.5 }},
		{"BadPort", func(c *Config) { c.Server.Port = -1 }},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
