package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
stdout = true

[migrate]
type = "raw-key-value"
migrate_speed = 1024
pipeline_size = 8
migrate_batch_size_kb = 32
`

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestMigrateConfigDefaults(t *testing.T) {
	m := &MigrateConfig{}
	m.SetDefault()
	assert.Equal(t, MigrateTypeRedisCommand, m.Type)
	assert.Equal(t, DefaultMigrateSpeed, m.Speed)
	assert.Equal(t, DefaultPipelineSize, m.PipelineSize)
	assert.Equal(t, DefaultSequenceGap, m.SequenceGap)
	assert.Equal(t, DefaultBatchSizeKB, m.BatchSizeKB)
	assert.NoError(t, m.Validate())
}

func TestMigrateConfigValidate(t *testing.T) {
	m := &MigrateConfig{Type: "smoke-signals"}
	assert.Error(t, m.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, testConfig)
	c := NewConfig()
	require.NoError(t, c.LoadFromFile(path))
	assert.True(t, c.Stdout)
	assert.Equal(t, MigrateTypeRawKeyValue, c.Migrate.Type)
	assert.Equal(t, 1024, c.Migrate.Speed)
	assert.Equal(t, 8, c.Migrate.PipelineSize)
	assert.Equal(t, 32, c.Migrate.BatchSizeKB)
	// unset fields fall back to defaults
	assert.Equal(t, DefaultSequenceGap, c.Migrate.SequenceGap)
}

func TestLoadFromFileMissing(t *testing.T) {
	c := NewConfig()
	assert.Error(t, c.LoadFromFile("/nonexistent/node.toml"))
}

func TestWatcherDeliversReload(t *testing.T) {
	path := writeConfig(t, testConfig)
	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(testConfig+"\nmigrate_batch_rate_limit_mb = 4\n"), 0644))

	select {
	case c := <-w.C:
		assert.Equal(t, MigrateTypeRawKeyValue, c.Migrate.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("no config reload delivered")
	}
}
