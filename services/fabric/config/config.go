// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads fabric configuration from defaults, a YAML or JSON
// file and FABRIC_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFabric/pkg/logging"
	"github.com/AleutianAI/AleutianFabric/services/fabric/cache"
	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
)

// Config contains all fabric configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Corpus contains feature discovery settings.
	Corpus CorpusConfig `json:"corpus" yaml:"corpus"`

	// Cache contains binary cache settings.
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Sections overrides the section hierarchy declared by otext.
	Sections SectionsConfig `json:"sections" yaml:"sections"`

	// Format contains text decoding settings.
	Format FormatConfig `json:"format" yaml:"format"`

	// Logging contains logger settings.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Telemetry contains trace and metric exporter settings.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// CorpusConfig contains feature discovery settings.
type CorpusConfig struct {
	Extension string `json:"extension" yaml:"extension"`
	Watch     bool   `json:"watch" yaml:"watch"`
}

// CacheConfig contains binary cache settings.
type CacheConfig struct {
	Dir              string `json:"dir" yaml:"dir"`
	CompressionLevel int    `json:"compression_level" yaml:"compression_level"`
	Catalog          bool   `json:"catalog" yaml:"catalog"`
}

// SectionsConfig names the three section types, coarsest first, and the
// features labelling them. Empty slices defer to the otext metadata.
type SectionsConfig struct {
	Types    []string `json:"types" yaml:"types"`
	Features []string `json:"features" yaml:"features"`
}

// FormatConfig contains text decoding settings.
type FormatConfig struct {
	ErrorCutoff int `json:"error_cutoff" yaml:"error_cutoff"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
	Dir   string `json:"dir" yaml:"dir"`
}

// TelemetryConfig contains trace and metric exporter settings.
type TelemetryConfig struct {
	// Exporter is one of "none", "stdout", "otlp" or "prometheus".
	Exporter    string `json:"exporter" yaml:"exporter"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Corpus: CorpusConfig{
			Extension: feature.Extension,
		},
		Cache: CacheConfig{
			Dir:              cache.DefaultDir,
			CompressionLevel: cache.DefaultCompressionLevel,
		},
		Format: FormatConfig{
			ErrorCutoff: feature.DefaultErrorCutoff,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "aleutian-fabric",
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - path: Path to a YAML or JSON config file. Empty or missing means defaults.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file is unreadable or invalid, or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("load config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) error {
	if v := os.Getenv("FABRIC_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("FABRIC_COMPRESSION_LEVEL"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FABRIC_COMPRESSION_LEVEL: %w", err)
		}
		cfg.Cache.CompressionLevel = i
	}
	if v := os.Getenv("FABRIC_CATALOG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FABRIC_CATALOG: %w", err)
		}
		cfg.Cache.Catalog = b
	}
	if v := os.Getenv("FABRIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FABRIC_SECTION_TYPES"); v != "" {
		cfg.Sections.Types = splitList(v)
	}
	if v := os.Getenv("FABRIC_SECTION_FEATURES"); v != "" {
		cfg.Sections.Features = splitList(v)
	}
	if v := os.Getenv("FABRIC_ERROR_CUTOFF"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FABRIC_ERROR_CUTOFF: %w", err)
		}
		cfg.Format.ErrorCutoff = i
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the configuration is valid.
//
// Outputs:
//   - error: Non-nil if configuration is invalid.
func (c Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must not be empty")
	}
	if c.Cache.CompressionLevel < 1 || c.Cache.CompressionLevel > 9 {
		return fmt.Errorf("cache.compression_level must be between 1 and 9")
	}
	if c.Format.ErrorCutoff < 1 {
		return fmt.Errorf("format.error_cutoff must be >= 1")
	}
	if !strings.HasPrefix(c.Corpus.Extension, ".") {
		return fmt.Errorf("corpus.extension must start with a dot")
	}
	if n := len(c.Sections.Types); n != 0 && n != 3 {
		return fmt.Errorf("sections.types must name exactly 3 types, got %d", n)
	}
	if n := len(c.Sections.Features); n != 0 && n != 3 {
		return fmt.Errorf("sections.features must name exactly 3 features, got %d", n)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp", "prometheus":
	default:
		return fmt.Errorf("telemetry.exporter %q is not one of none, stdout, otlp, prometheus", c.Telemetry.Exporter)
	}
	return nil
}

// LoggerConfig converts the logging section into a logging.Config.
func (c Config) LoggerConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: "fabric",
		JSON:    c.Logging.JSON,
	}
}
