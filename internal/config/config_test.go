package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
	assert.Equal(t, "file", cfg.EventStore.Driver)
}

func TestLoad_BaseFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(base, []byte(`
listen_addr: "0.0.0.0:9443"
event_store:
  driver: dynamodb
  dynamodb:
    table_name: tokentap-events
    region: us-west-2
`), 0o644))

	cfg, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9443", cfg.ListenAddr)
	assert.Equal(t, "dynamodb", cfg.EventStore.Driver)
	assert.Equal(t, "tokentap-events", cfg.EventStore.DynamoDB.TableName)
}

func TestLoad_EnvironmentOverlayMerges(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(base, []byte(`
listen_addr: "127.0.0.1:8443"
event_store:
  driver: file
  file:
    path: data/events.jsonl
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "staging.yaml"), []byte(`
listen_addr: "0.0.0.0:8443"
`), 0o644))

	t.Setenv("TOKENTAP_ENV", "staging")
	cfg, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8443", cfg.ListenAddr)
	// Unset in overlay, inherited from base.
	assert.Equal(t, "data/events.jsonl", cfg.EventStore.File.Path)
}

func TestValidate_RejectsUnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.EventStore.Driver = "mongo"
	assert.Error(t, cfg.Validate())
}

func TestValidate_FillsSinkDefaultsWhenZero(t *testing.T) {
	cfg := Default()
	cfg.Sink.Workers = 0
	cfg.Sink.QueueCapacity = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Sink.Workers)
	assert.Equal(t, 4096, cfg.Sink.QueueCapacity)
}
