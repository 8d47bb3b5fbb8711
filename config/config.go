// Package config loads the node configuration relevant to slot
// migration and watches it for live updates.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/supriza/kvrocks/pkg/log"
)

// migration types
const (
	MigrateTypeRedisCommand = "redis-command"
	MigrateTypeRawKeyValue  = "raw-key-value"
)

// defaults, matching the server's shipped configuration
const (
	DefaultMigrateSpeed     = 4096
	DefaultPipelineSize     = 16
	DefaultSequenceGap      = 10000
	DefaultBatchSizeKB      = 16
	DefaultBatchRateLimitMB = 0 // unlimited
)

// MigrateConfig tunes the slot migration core. BatchSizeKB and
// BatchRateLimitMB may change while a migration runs; the sender applies
// them at the next flush.
type MigrateConfig struct {
	Type             string `toml:"type"`
	Speed            int    `toml:"migrate_speed"`
	PipelineSize     int    `toml:"pipeline_size"`
	SequenceGap      int    `toml:"sequence_gap"`
	BatchSizeKB      int    `toml:"migrate_batch_size_kb"`
	BatchRateLimitMB int    `toml:"migrate_batch_rate_limit_mb"`
	DstPassword      string `toml:"dst_password"`
}

// SetDefault fills unset fields.
func (m *MigrateConfig) SetDefault() {
	if m.Type == "" {
		m.Type = MigrateTypeRedisCommand
	}
	if m.Speed <= 0 {
		m.Speed = DefaultMigrateSpeed
	}
	if m.PipelineSize <= 0 {
		m.PipelineSize = DefaultPipelineSize
	}
	if m.SequenceGap <= 0 {
		m.SequenceGap = DefaultSequenceGap
	}
	if m.BatchSizeKB <= 0 {
		m.BatchSizeKB = DefaultBatchSizeKB
	}
	if m.BatchRateLimitMB < 0 {
		m.BatchRateLimitMB = DefaultBatchRateLimitMB
	}
}

// Validate validate config field value.
func (m *MigrateConfig) Validate() error {
	switch m.Type {
	case MigrateTypeRedisCommand, MigrateTypeRawKeyValue:
	default:
		return errors.Errorf("unsupported migration type %q", m.Type)
	}
	return nil
}

// Config is the node config file.
type Config struct {
	*log.Config
	Migrate *MigrateConfig `toml:"migrate"`
}

// NewConfig returns a config with defaults applied.
func NewConfig() *Config {
	c := &Config{Config: &log.Config{}, Migrate: &MigrateConfig{}}
	c.Migrate.SetDefault()
	return c
}

// LoadFromFile load from file.
func (c *Config) LoadFromFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return errors.Wrapf(err, "Load From File:%s", path)
	}
	if c.Config == nil {
		c.Config = &log.Config{}
	}
	if c.Migrate == nil {
		c.Migrate = &MigrateConfig{}
	}
	c.Migrate.SetDefault()
	return c.Migrate.Validate()
}
