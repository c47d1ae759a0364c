// Package config loads and validates engine configuration from environment
// variables, for deployments that prefer env-driven setup over explicit
// functional options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds engine-wide tunables sourced from the environment.
type Config struct {
	// Lock settings.
	LockTimeout    time.Duration
	LockStaleGrace time.Duration

	// WAL settings.
	WALInitialSizeBytes int64
	WALBatchSyncInterval time.Duration

	// Commit / checkpoint settings.
	CheckpointOccupancyPercent int
	InstantIndex               bool

	// Ticket / capacity settings.
	TicketPrivateKeyPath string // Path to Ed25519 private key PEM file.
	TicketPublicKeyPath  string // Path to Ed25519 public key PEM file.
	DefaultCapacityBytes int64

	// Index settings.
	VectorEnabled       bool
	VectorDimensions    int
	VectorKind          string // "flat" or "pq"
	SketchEnabled       bool
	SketchHammingThreshold int
	TemporalEnabled     bool
	VisualEnabled       bool
	GraphEnabled        bool

	// Query settings.
	DefaultTopK         int
	DefaultSnippetChars int
	ACLMode             string // "audit" or "enforce"
	RRFConstantK        int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults. Returns an error if any environment variable contains an
// unparseable value. Missing variables use sensible defaults; only
// malformed values are rejected.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		TicketPrivateKeyPath: envStr("MEMVID_TICKET_PRIVATE_KEY", ""),
		TicketPublicKeyPath:  envStr("MEMVID_TICKET_PUBLIC_KEY", ""),
		VectorKind:           envStr("MEMVID_VECTOR_KIND", "flat"),
		ACLMode:              envStr("MEMVID_ACL_MODE", "enforce"),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "memvid"),
		LogLevel:             envStr("MEMVID_LOG_LEVEL", "info"),
	}

	// Integer fields.
	cfg.CheckpointOccupancyPercent, errs = collectInt(errs, "MEMVID_CHECKPOINT_OCCUPANCY_PERCENT", 75)
	cfg.VectorDimensions, errs = collectInt(errs, "MEMVID_VECTOR_DIMENSIONS", 0)
	cfg.SketchHammingThreshold, errs = collectInt(errs, "MEMVID_SKETCH_HAMMING_THRESHOLD", 32)
	cfg.DefaultTopK, errs = collectInt(errs, "MEMVID_DEFAULT_TOP_K", 10)
	cfg.DefaultSnippetChars, errs = collectInt(errs, "MEMVID_DEFAULT_SNIPPET_CHARS", 240)
	cfg.RRFConstantK, errs = collectInt(errs, "MEMVID_RRF_CONSTANT_K", 60)

	var walInitial, capacity int
	walInitial, errs = collectInt(errs, "MEMVID_WAL_INITIAL_SIZE_BYTES", 4*1024*1024)
	cfg.WALInitialSizeBytes = int64(walInitial)
	capacity, errs = collectInt(errs, "MEMVID_DEFAULT_CAPACITY_BYTES", 512*1024*1024)
	cfg.DefaultCapacityBytes = int64(capacity)

	// Boolean fields.
	cfg.VectorEnabled, errs = collectBool(errs, "MEMVID_VECTOR_ENABLED", false)
	cfg.SketchEnabled, errs = collectBool(errs, "MEMVID_SKETCH_ENABLED", true)
	cfg.TemporalEnabled, errs = collectBool(errs, "MEMVID_TEMPORAL_ENABLED", false)
	cfg.VisualEnabled, errs = collectBool(errs, "MEMVID_VISUAL_ENABLED", false)
	cfg.GraphEnabled, errs = collectBool(errs, "MEMVID_GRAPH_ENABLED", false)
	cfg.InstantIndex, errs = collectBool(errs, "MEMVID_INSTANT_INDEX", true)

	// Duration fields.
	cfg.LockTimeout, errs = collectDuration(errs, "MEMVID_LOCK_TIMEOUT", 250*time.Millisecond)
	cfg.LockStaleGrace, errs = collectDuration(errs, "MEMVID_LOCK_STALE_GRACE", 10*time.Second)
	cfg.WALBatchSyncInterval, errs = collectDuration(errs, "MEMVID_WAL_BATCH_SYNC_INTERVAL", 10*time.Millisecond)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectBool parses a bool env var, appending any error to the accumulator.
func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectDuration parses a duration env var, appending any error to the
// accumulator.
func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// Validate checks that configuration is internally consistent.
func (c Config) Validate() error {
	var errs []error

	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("config: MEMVID_LOCK_TIMEOUT must be positive"))
	}
	if c.LockStaleGrace <= 0 {
		errs = append(errs, errors.New("config: MEMVID_LOCK_STALE_GRACE must be positive"))
	}
	if c.WALInitialSizeBytes <= 0 {
		errs = append(errs, errors.New("config: MEMVID_WAL_INITIAL_SIZE_BYTES must be positive"))
	}
	if c.CheckpointOccupancyPercent < 1 || c.CheckpointOccupancyPercent > 100 {
		errs = append(errs, errors.New("config: MEMVID_CHECKPOINT_OCCUPANCY_PERCENT must be between 1 and 100"))
	}
	if c.DefaultCapacityBytes <= 0 {
		errs = append(errs, errors.New("config: MEMVID_DEFAULT_CAPACITY_BYTES must be positive"))
	}
	if c.VectorEnabled && c.VectorDimensions <= 0 {
		errs = append(errs, errors.New("config: MEMVID_VECTOR_DIMENSIONS must be positive when vector search is enabled"))
	}
	if c.VectorKind != "flat" && c.VectorKind != "pq" {
		errs = append(errs, fmt.Errorf("config: MEMVID_VECTOR_KIND %q must be \"flat\" or \"pq\"", c.VectorKind))
	}
	if c.SketchHammingThreshold < 0 || c.SketchHammingThreshold > 64 {
		errs = append(errs, errors.New("config: MEMVID_SKETCH_HAMMING_THRESHOLD must be between 0 and 64"))
	}
	if c.DefaultTopK <= 0 {
		errs = append(errs, errors.New("config: MEMVID_DEFAULT_TOP_K must be positive"))
	}
	if c.DefaultSnippetChars <= 0 {
		errs = append(errs, errors.New("config: MEMVID_DEFAULT_SNIPPET_CHARS must be positive"))
	}
	if c.RRFConstantK <= 0 {
		errs = append(errs, errors.New("config: MEMVID_RRF_CONSTANT_K must be positive"))
	}
	if c.ACLMode != "audit" && c.ACLMode != "enforce" {
		errs = append(errs, fmt.Errorf("config: MEMVID_ACL_MODE %q must be \"audit\" or \"enforce\"", c.ACLMode))
	}
	if c.TicketPrivateKeyPath != "" {
		if err := validateKeyFile(c.TicketPrivateKeyPath, "MEMVID_TICKET_PRIVATE_KEY"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.TicketPublicKeyPath != "" {
		if err := validateKeyFile(c.TicketPublicKeyPath, "MEMVID_TICKET_PUBLIC_KEY"); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// validateKeyFile checks that a key file exists, is readable, is non-empty,
// and has restrictive permissions (owner-only on Unix).
func validateKeyFile(path, envVar string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: %s %q: %w", envVar, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s %q is a directory, expected a file", envVar, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("config: %s %q is empty", envVar, path)
	}
	perm := info.Mode().Perm()
	if perm&0o077 != 0 {
		return fmt.Errorf("config: %s %q has overly permissive mode %04o (expected 0600 or stricter)", envVar, path, perm)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
