// Package config loads service configuration from an optional YAML file and
// INSIGHT_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: INSIGHT_UPSTREAM__MODEL sets upstream.model.
const EnvPrefix = "INSIGHT_"

// DefaultPath is read when no explicit path is given. It may be absent.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Storage   StorageConfig   `koanf:"storage"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Admission AdmissionConfig `koanf:"admission"`
	Cache     CacheConfig     `koanf:"cache"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Callers   []CallerConfig  `koanf:"callers"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// TrustedProxies lists peer addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are honoured. Empty trusts no forwarding headers.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses become
// single-host prefixes.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, entry := range s.TrustedProxies {
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type StorageConfig struct {
	Type string `koanf:"type"` // memory, sqlite, badger
	Path string `koanf:"path"`
}

type UpstreamConfig struct {
	BaseURL             string        `koanf:"base_url"`
	Model               string        `koanf:"model"`
	Credentials         []string      `koanf:"credentials"`
	MaxCycles           int           `koanf:"max_cycles"`
	MaxTransientRetries int           `koanf:"max_transient_retries"`
	BaseDelay           time.Duration `koanf:"base_delay"`
	CallTimeout         time.Duration `koanf:"call_timeout"`
}

type AdmissionConfig struct {
	Enabled            bool           `koanf:"enabled"`
	RateLimitPerMinute int            `koanf:"rate_limit_per_minute"`
	DailyLimits        map[string]int `koanf:"daily_limits"` // tier -> limit; negative is unlimited
	FailClosed         bool           `koanf:"fail_closed"`
}

type CacheConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	PurgeInterval time.Duration `koanf:"purge_interval"`
}

type PipelineConfig struct {
	QualityThreshold float64 `koanf:"quality_threshold"`
	MaxInputTokens   int     `koanf:"max_input_tokens"`
}

type CallerConfig struct {
	ID      string `koanf:"id"`
	Tier    string `koanf:"tier"`
	KeyHash string `koanf:"key_hash"`
}

type TelemetryConfig struct {
	Tracing     bool    `koanf:"tracing"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio"` // fraction of runs traced
}

var defaults = map[string]any{
	"server.port":                       8080,
	"server.request_timeout":            "120s",
	"server.shutdown_timeout":           "10s",
	"log.level":                         "info",
	"storage.type":                      "memory",
	"upstream.model":                    "gpt-4o-mini",
	"upstream.max_cycles":               2,
	"upstream.max_transient_retries":    2,
	"upstream.base_delay":               "500ms",
	"upstream.call_timeout":             "25s",
	"admission.enabled":                 true,
	"admission.rate_limit_per_minute":   120,
	"admission.daily_limits.standard":   50,
	"admission.daily_limits.premium":    -1,
	"cache.ttl":                         "24h",
	"cache.purge_interval":              "10m",
	"pipeline.quality_threshold":        0.3,
	"pipeline.max_input_tokens":         1500,
	"telemetry.service_name":            "insight-pipeline",
	"telemetry.sample_ratio":            1.0,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath (if present) and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads path and the environment. An empty path reads DefaultPath
// and tolerates its absence; an explicit path must exist.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	optional := path == ""
	if optional {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !optional || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Environment variables override file config
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Upstream.Credentials = expandCredentials(cfg.Upstream.Credentials)
	cfg.Server.TrustedProxies = expandCredentials(cfg.Server.TrustedProxies)
	for i := range cfg.Callers {
		cfg.Callers[i].KeyHash = substituteEnvVars(cfg.Callers[i].KeyHash)
	}

	return &cfg, nil
}

// expandCredentials substitutes ${VAR} references, splits comma-separated
// lists (the form env overrides arrive in) and drops empties. It also
// normalizes other string lists such as trusted proxies.
func expandCredentials(in []string) []string {
	var out []string
	for _, c := range in {
		for _, part := range strings.Split(substituteEnvVars(c), ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Type {
	case "memory":
	case "sqlite", "badger":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for %s storage", c.Storage.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	if len(c.Upstream.Credentials) == 0 {
		errs = append(errs, errors.New("upstream.credentials must list at least one key"))
	}
	if c.Upstream.MaxCycles < 1 {
		errs = append(errs, errors.New("upstream.max_cycles must be at least 1"))
	}
	if t := c.Pipeline.QualityThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("pipeline.quality_threshold %v outside [0,1]", t))
	}
	for i, caller := range c.Callers {
		if caller.ID == "" || caller.KeyHash == "" {
			errs = append(errs, fmt.Errorf("callers[%d] requires id and key_hash", i))
		}
	}
	return errors.Join(errs...)
}
