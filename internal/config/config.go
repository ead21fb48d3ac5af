// Package config loads the relay server configuration from YAML.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/server"
)

// File is the on-disk YAML shape.
type File struct {
	ListenAddr     string        `yaml:"listen_addr"`
	AuthToken      string        `yaml:"auth_token"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ClientBuffer   int           `yaml:"client_buffer"`
	LogLevel       string        `yaml:"log_level"`
}

// Load reads a YAML config, filling anything unset from the server
// defaults.
func Load(r io.Reader) (server.Config, error) {
	var f File
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return server.Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := server.DefaultConfig()
	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}
	cfg.AuthToken = f.AuthToken
	if f.MaxMessageSize > 0 {
		cfg.MaxMessageSize = f.MaxMessageSize
	}
	if f.WriteTimeout > 0 {
		cfg.WriteTimeout = f.WriteTimeout
	}
	if f.ClientBuffer > 0 {
		cfg.ClientBuffer = f.ClientBuffer
	}
	if f.LogLevel != "" {
		cfg.LogLevel = log.ParseLevel(f.LogLevel)
	}
	return cfg, nil
}

// LoadPath loads a YAML config file; an empty path yields defaults.
func LoadPath(path string) (server.Config, error) {
	if path == "" {
		return server.DefaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return server.Config{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}
