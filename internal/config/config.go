// Package config loads the daemon's YAML configuration (SPEC_FULL §10.3):
// listen address, chunk-size table, window and deadline tuning, retry
// schedule, registry caps, admission rate limits, reassembly memory cap,
// and the conversion worker's wall-clock cap.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/filexfer/core/internal/validation"
)

// ChunkSizes holds chunk-size tier settings (spec §4.3). They are loaded and
// validated, but flowcontrol's chunk sizing uses its own built-in tiers and
// does not read them.
type ChunkSizes struct {
	Small  int `yaml:"small_bytes"`  // used below SmallCeilingBytes
	Medium int `yaml:"medium_bytes"` // used below MediumCeilingBytes
	Large  int `yaml:"large_bytes"`  // used at or above MediumCeilingBytes

	SmallCeilingBytes  uint64 `yaml:"small_ceiling_bytes"`
	MediumCeilingBytes uint64 `yaml:"medium_ceiling_bytes"`

	MinBytes uint64 `yaml:"min_bytes"`
	MaxBytes uint64 `yaml:"max_bytes"`
}

// RetrySchedule holds exponential backoff settings (spec §4.3). They are
// loaded and validated, but flowcontrol.RetrySchedule uses its own built-in
// constants and does not read them.
type RetrySchedule struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxRetries   int           `yaml:"max_retries"`
}

// RegistryLimits overrides the Session Registry's concurrency caps (spec §4.6).
type RegistryLimits struct {
	Global      int           `yaml:"global"`
	PerPeer     int           `yaml:"per_peer"`
	PerRole     int           `yaml:"per_role"`
	GracePeriod time.Duration `yaml:"grace_period"`
	SweepSpec   string        `yaml:"sweep_spec"`
}

// Admission controls the Receiver Engine's intake policy (spec §4.4).
type Admission struct {
	MaxFileSizeBytes    uint64   `yaml:"max_file_size_bytes"`
	AcceptedSourceTypes []string `yaml:"accepted_source_types"`
	RateLimitPerSecond  float64  `yaml:"rate_limit_per_second"`
	RateLimitBurst      int      `yaml:"rate_limit_burst"`
}

// Storage controls reassembly memory bounds and on-disk locations.
type Storage struct {
	ReassemblyMemoryCapBytes uint64 `yaml:"reassembly_memory_cap_bytes"`
	SpillDirectory           string `yaml:"spill_directory"`
	OutputDirectory          string `yaml:"output_directory"`
}

// Conversion bounds the Conversion Worker contract (spec §6).
type Conversion struct {
	WallClockCap time.Duration `yaml:"wall_clock_cap"`
}

// Config is the top-level daemon configuration.
type Config struct {
	ListenAddress string `yaml:"listen_address"`
	KeysDirectory string `yaml:"keys_directory"`

	WindowSize      int           `yaml:"window_size"`
	AckDeadline     time.Duration `yaml:"ack_deadline"`
	OverallDeadline time.Duration `yaml:"overall_deadline"`

	ChunkSizes ChunkSizes     `yaml:"chunk_sizes"`
	Retry      RetrySchedule  `yaml:"retry"`
	Registry   RegistryLimits `yaml:"registry"`
	Admission  Admission      `yaml:"admission"`
	Storage    Storage        `yaml:"storage"`
	Conversion Conversion     `yaml:"conversion"`
}

// Default returns the configuration matching the spec's stated defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		ListenAddress: ":4433",
		KeysDirectory: homeDir + "/.filexfer",

		WindowSize:      3,
		AckDeadline:     30 * time.Second,
		OverallDeadline: 10 * time.Minute,

		ChunkSizes: ChunkSizes{
			Small:              64 * 1024,
			Medium:             1024 * 1024,
			Large:              4 * 1024 * 1024,
			SmallCeilingBytes:  10 * 1024 * 1024,
			MediumCeilingBytes: 100 * 1024 * 1024,
			MinBytes:           64 * 1024,
			MaxBytes:           10 * 1024 * 1024,
		},
		Retry: RetrySchedule{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			MaxRetries:   3,
		},
		Registry: RegistryLimits{
			Global:      32,
			PerPeer:     5,
			PerRole:     32,
			GracePeriod: 60 * time.Second,
			SweepSpec:   "*/10 * * * * *",
		},
		Admission: Admission{
			MaxFileSizeBytes:    100 * 1024 * 1024,
			AcceptedSourceTypes: []string{"txt", "pdf", "unknown"},
			RateLimitPerSecond:  10,
			RateLimitBurst:      20,
		},
		Storage: Storage{
			ReassemblyMemoryCapBytes: 16 * 1024 * 1024,
			SpillDirectory:           os.TempDir() + "/filexfer-spill",
			OutputDirectory:          homeDir + "/.filexfer/received",
		},
		Conversion: Conversion{
			WallClockCap: 5 * time.Minute,
		},
	}
}

// Load reads and parses a YAML configuration file, applying it on top of
// Default() so a partial file only overrides what it sets.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate range-checks the loaded configuration.
func (c *Config) Validate() error {
	if err := validation.ValidateAddr(c.ListenAddress); err != nil {
		return fmt.Errorf("listen_address: %w", err)
	}
	if err := validation.ValidateRangeInt(c.WindowSize, 1, 32); err != nil {
		return fmt.Errorf("window_size: %w", err)
	}
	if err := validation.ValidateRangeInt(c.Registry.Global, 1, 1<<20); err != nil {
		return fmt.Errorf("registry.global: %w", err)
	}
	if err := validation.ValidateRangeInt(c.Registry.PerPeer, 1, c.Registry.Global); err != nil {
		return fmt.Errorf("registry.per_peer: %w", err)
	}
	if c.ChunkSizes.MinBytes > c.ChunkSizes.MaxBytes {
		return fmt.Errorf("chunk_sizes: min_bytes %d exceeds max_bytes %d", c.ChunkSizes.MinBytes, c.ChunkSizes.MaxBytes)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries: must be non-negative")
	}
	if c.Storage.OutputDirectory == "" {
		return fmt.Errorf("storage.output_directory: must not be empty")
	}
	return nil
}
