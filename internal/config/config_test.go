package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/server"
)

func TestLoadOverridesDefaults(t *testing.T) {
	in := strings.NewReader(`
listen_addr: "0.0.0.0:9090"
auth_token: "secret"
max_message_size: 2097152
write_timeout: 5s
client_buffer: 64
log_level: debug
`)
	cfg, err := Load(in)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, "secret", cfg.AuthToken)
	assert.Equal(t, int64(2097152), cfg.MaxMessageSize)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 64, cfg.ClientBuffer)
	assert.Equal(t, log.LevelDebug, cfg.LogLevel)
}

func TestLoadEmptyYieldsDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, server.DefaultConfig(), cfg)
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(`auth_token: "secret"`))
	require.NoError(t, err)

	def := server.DefaultConfig()
	assert.Equal(t, "secret", cfg.AuthToken)
	assert.Equal(t, def.ListenAddr, cfg.ListenAddr)
	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, def.LogLevel, cfg.LogLevel)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(strings.NewReader("listen_addr: [unterminated"))
	assert.Error(t, err)
}

func TestLoadPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`listen_addr: "127.0.0.1:7070"`), 0o600))

	cfg, err := LoadPath(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7070", cfg.ListenAddr)

	_, err = LoadPath(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	cfg, err = LoadPath("")
	require.NoError(t, err)
	assert.Equal(t, server.DefaultConfig(), cfg)
}
