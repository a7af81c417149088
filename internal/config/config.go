// Package config loads spopagentd's TOML configuration, following
// internal/config/config.go's LoadXConfig/Validate/default-then-override
// shape in the lineage codebase.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// AuditKind selects which audit backend, if any, EngineConfig wires up.
type AuditKind string

const (
	AuditNone  AuditKind = ""
	AuditKafka AuditKind = "kafka"
	AuditMongo AuditKind = "mongo"
)

// EngineConfig maps directly onto the engine builder surface plus the
// ambient additions the lineage's own configs carry: an admin listen
// address and audit sink selection. It has no TLS settings.
type EngineConfig struct {
	Port         int    `toml:"port"`
	MaxFrameSize uint32 `toml:"max_frame_size"`
	IdleTimeout  string `toml:"idle_timeout"`
	Pipelining   bool   `toml:"pipelining"`
	DrainTimeout string `toml:"drain_timeout"`

	AdminAddr string `toml:"admin_addr"`

	Audit AuditConfig `toml:"audit"`

	LogLevel string `toml:"log_level"`
}

// AuditConfig selects and configures the optional audit sink.
type AuditConfig struct {
	Kind AuditKind `toml:"kind"`

	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`

	MongoURI        string `toml:"mongo_uri"`
	MongoDatabase   string `toml:"mongo_database"`
	MongoCollection string `toml:"mongo_collection"`
}

// DefaultEngineConfig seeds the fields a bare TOML file may omit,
// mirroring LoadGhostConfig's default-then-override pattern. Port is
// seeded as well for configs built in code; LoadEngineConfig still
// rejects a file that does not set port.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Port:         12345,
		MaxFrameSize: 16384,
		IdleTimeout:  "30s",
		Pipelining:   true,
		DrainTimeout: "5s",
		AdminAddr:    ":9500",
		LogLevel:     "info",
	}
}

// LoadEngineConfig reads path, requires it to set port, applies
// defaults for anything else left unset, and validates the result.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if !md.IsDefined("port") {
		return EngineConfig{}, fmt.Errorf("engine config: port is required")
	}
	if err := ValidateEngineConfig(cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// ValidateEngineConfig enforces the fields the engine cannot start
// without.
func ValidateEngineConfig(cfg EngineConfig) error {
	if cfg.Port <= 0 {
		return fmt.Errorf("engine config: port is required")
	}
	switch cfg.Audit.Kind {
	case AuditNone:
	case AuditKafka:
		if len(cfg.Audit.KafkaBrokers) == 0 {
			return fmt.Errorf("engine config: audit.kafka_brokers required when audit.kind is kafka")
		}
		if strings.TrimSpace(cfg.Audit.KafkaTopic) == "" {
			return fmt.Errorf("engine config: audit.kafka_topic required when audit.kind is kafka")
		}
	case AuditMongo:
		if strings.TrimSpace(cfg.Audit.MongoURI) == "" {
			return fmt.Errorf("engine config: audit.mongo_uri required when audit.kind is mongo")
		}
	default:
		return fmt.Errorf("engine config: unknown audit.kind %q", cfg.Audit.Kind)
	}
	return nil
}
