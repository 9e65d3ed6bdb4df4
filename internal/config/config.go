package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr        string
	DatabaseURL string

	// Per-target-environment DQ thresholds, plus the fallback applied when an
	// environment has no explicit entry.
	DqThresholds       map[string]float64
	DqDefaultThreshold float64

	// Waiver policy: roles allowed to attach waivers, and the expiry horizon
	// used when a gate does not bound waivers itself.
	WaiverAllowedRoles []string
	WaiverMaxDays      uint

	// Legacy fail-open for unrecognized gate types; off unless explicitly set.
	AllowUnknownGateTypes bool
	// Treat an empty scope.routes list as match-all instead of match-none.
	MatchAllOnEmptyRoutes bool

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	// Static actor->roles assignments for deployments without a token issuer,
	// e.g. "alice=Data Steward|Platform Admin;bob=Data Steward".
	StaticRoles map[string][]string
	// PEM file with public keys trusted to sign actor bearer tokens.
	TokenKeysFile string

	AllowDebugActor bool
}

const (
	defaultAddr          = ":8074"
	defaultDqThreshold   = 90
	defaultWaiverMaxDays = 14
	defaultKafkaTopic    = "govern.audit"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:                  getEnv("GOVERN_ADDR", defaultAddr),
		DatabaseURL:           firstNonEmpty(os.Getenv("GOVERN_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		DqDefaultThreshold:    getFloat("GOVERN_DQ_DEFAULT_THRESHOLD", defaultDqThreshold),
		WaiverMaxDays:         uint(getInt("GOVERN_WAIVER_MAX_DAYS", defaultWaiverMaxDays)),
		AllowUnknownGateTypes: getBool("GOVERN_ALLOW_UNKNOWN_GATE_TYPES", false),
		MatchAllOnEmptyRoutes: getBool("GOVERN_MATCH_ALL_ON_EMPTY_ROUTES", false),
		KafkaTopic:            getEnv("GOVERN_KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:              os.Getenv("GOVERN_S3_AUDIT_BUCKET"),
		S3Prefix:              getEnv("GOVERN_S3_AUDIT_PREFIX", "audit"),
		TokenKeysFile:         os.Getenv("GOVERN_TOKEN_KEYS_FILE"),
		AllowDebugActor:       getBool("GOVERN_ALLOW_DEBUG_ACTOR", false),
	}

	var err error
	cfg.DqThresholds, err = parseThresholds(os.Getenv("GOVERN_DQ_THRESHOLDS"))
	if err != nil {
		return Config{}, err
	}
	cfg.WaiverAllowedRoles = splitList(getEnv("GOVERN_WAIVER_ROLES", "Data Steward|Platform Admin"), "|")
	if brokers := os.Getenv("GOVERN_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers, ",")
	}
	cfg.StaticRoles = parseRoleAssignments(os.Getenv("GOVERN_STATIC_ROLES"))

	nodeEnv := os.Getenv("NODE_ENV")
	if nodeEnv == "production" {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL or GOVERN_DATABASE_URL required in production")
		}
		if cfg.AllowDebugActor {
			return Config{}, fmt.Errorf("GOVERN_ALLOW_DEBUG_ACTOR=true is forbidden in production")
		}
	}
	return cfg, nil
}

// ThresholdFor returns the DQ threshold for a target environment.
func (c Config) ThresholdFor(env string) float64 {
	if t, ok := c.DqThresholds[env]; ok {
		return t
	}
	return c.DqDefaultThreshold
}

// parseThresholds parses "publish=95,prod=97" style assignments.
func parseThresholds(raw string) (map[string]float64, error) {
	out := map[string]float64{}
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("GOVERN_DQ_THRESHOLDS: malformed entry %q", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("GOVERN_DQ_THRESHOLDS: bad threshold in %q: %w", pair, err)
		}
		out[strings.TrimSpace(parts[0])] = v
	}
	return out, nil
}

// parseRoleAssignments parses "alice=Role A|Role B;bob=Role A".
func parseRoleAssignments(raw string) map[string][]string {
	out := map[string][]string{}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = splitList(parts[1], "|")
	}
	return out
}

func splitList(raw, sep string) []string {
	var out []string
	for _, v := range strings.Split(raw, sep) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
