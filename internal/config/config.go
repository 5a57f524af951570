package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Sinks  []string `validate:"dive,oneof=sqlite"`
	Sink   SinkConfig
	HTTP   HTTPConfig
	Source SourceConfig
}

type SinkConfig struct {
	SQLite SQLiteConfig
}

type SQLiteConfig struct {
	Path   string `validate:"required"`
	Tuning bool
}

type HTTPConfig struct {
	Addr           string `validate:"required"`
	CORSOrigins    []string
	RateRPS        int   `validate:"gte=0"`
	RateBurst      int   `validate:"gte=0"`
	Metrics        bool
	AccessLog      bool
	UploadMaxBytes int64 `validate:"min=1024"`
}

type SourceConfig struct {
	Path  string
	Watch bool
}

const (
	defaultSQLitePath     = ":memory:"
	defaultHTTPAddr       = ":8765"
	defaultRateRPS        = 20
	defaultRateBurst      = 40
	defaultUploadMaxBytes = 32 << 20
)

func Load() Config {
	cfg := Config{}

	raw := strings.TrimSpace(os.Getenv("CHATLENS_SINKS"))
	if raw == "" {
		raw = "sqlite"
	}
	if strings.EqualFold(raw, "none") {
		cfg.Sinks = nil
	} else {
		cfg.Sinks = splitList(raw)
	}

	cfg.Sink.SQLite.Path = strings.TrimSpace(os.Getenv("CHATLENS_SQLITE_PATH"))
	if cfg.Sink.SQLite.Path == "" {
		cfg.Sink.SQLite.Path = defaultSQLitePath
	}
	cfg.Sink.SQLite.Tuning = readBool("CHATLENS_SQLITE_TUNING", false)

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("CHATLENS_HTTP_ADDR"))
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = defaultHTTPAddr
	}
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("CHATLENS_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt("CHATLENS_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("CHATLENS_HTTP_RATE_BURST", defaultRateBurst)
	cfg.HTTP.Metrics = readBool("CHATLENS_HTTP_METRICS", true)
	cfg.HTTP.AccessLog = readBool("CHATLENS_HTTP_ACCESS_LOG", true)
	cfg.HTTP.UploadMaxBytes = int64(readInt("CHATLENS_UPLOAD_MAX_BYTES", defaultUploadMaxBytes))

	cfg.Source.Path = strings.TrimSpace(os.Getenv("CHATLENS_SOURCE_PATH"))
	cfg.Source.Watch = readBool("CHATLENS_SOURCE_WATCH", true)

	return cfg
}

// Validate checks value ranges after env and flag overrides are applied.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) HasSink(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range c.Sinks {
		if strings.ToLower(strings.TrimSpace(s)) == name {
			return true
		}
	}
	return false
}

type Summary struct {
	Sinks          []string `json:"sinks"`
	SQLitePath     string   `json:"sqlite_path"`
	SQLiteTuning   bool     `json:"sqlite_tuning"`
	HTTPAddr       string   `json:"http_addr"`
	CORSOrigins    int      `json:"cors_origins"`
	UploadMaxBytes int64    `json:"upload_max_bytes"`
	SourcePath     string   `json:"source_path,omitempty"`
	SourceWatch    bool     `json:"source_watch"`
}

func (c Config) Summary() Summary {
	return Summary{
		Sinks:          append([]string(nil), c.Sinks...),
		SQLitePath:     c.Sink.SQLite.Path,
		SQLiteTuning:   c.Sink.SQLite.Tuning,
		HTTPAddr:       c.HTTP.Addr,
		CORSOrigins:    len(c.HTTP.CORSOrigins),
		UploadMaxBytes: c.HTTP.UploadMaxBytes,
		SourcePath:     c.Source.Path,
		SourceWatch:    c.Source.Watch,
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

// Snapshot is the full config as served on /config.
func (c Config) Snapshot() map[string]any {
	return map[string]any{
		"sinks": append([]string(nil), c.Sinks...),
		"sink": map[string]any{
			"sqlite_path":   c.Sink.SQLite.Path,
			"sqlite_tuning": c.Sink.SQLite.Tuning,
		},
		"http": map[string]any{
			"addr":             c.HTTP.Addr,
			"cors_origins":     append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":         c.HTTP.RateRPS,
			"rate_burst":       c.HTTP.RateBurst,
			"metrics":          c.HTTP.Metrics,
			"access_log":       c.HTTP.AccessLog,
			"upload_max_bytes": c.HTTP.UploadMaxBytes,
		},
		"source": map[string]any{
			"path":  c.Source.Path,
			"watch": c.Source.Watch,
		},
	}
}

func (c Config) SnapshotJSON() []byte {
	data, _ := json.MarshalIndent(c.Snapshot(), "", "  ")
	return data
}
