package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
jwt_secret: test-secret
vault:
  passphrase: pw
servers:
  - host: indexer-1.example.net
    port: 50002
    tls: true
  - host: indexer-2.example.net
    port: 50001
`

func TestLoad(t *testing.T) {
	t.Run("minimal config with defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig))
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.ListenAddr)
		assert.Equal(t, 2, cfg.Pool.MinSessions)
		assert.Equal(t, 2, cfg.Policy.Quorum)
		assert.Equal(t, "0.005", cfg.Policy.Tolerance)
		assert.Equal(t, time.Hour, cfg.Policy.ExpiryWindow)

		descs := cfg.ServerDescriptors()
		require.Len(t, descs, 2)
		assert.Equal(t, "indexer-1.example.net:50002", descs[0].Addr())
		assert.True(t, descs[0].UseTLS)
		assert.False(t, descs[1].UseTLS)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig+`
listen_addr: ":9090"
policy:
  quorum: 3
  expiry_window: 30m
`))
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.ListenAddr)
		assert.Equal(t, 3, cfg.Policy.Quorum)
		assert.Equal(t, 30*time.Minute, cfg.Policy.ExpiryWindow)
	})

	t.Run("missing passphrase is rejected", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
jwt_secret: s
servers:
  - host: h
    port: 1
`))
		assert.ErrorContains(t, err, "passphrase")
	})

	t.Run("missing servers are rejected", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
jwt_secret: s
vault:
  passphrase: pw
`))
		assert.ErrorContains(t, err, "server")
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := Load("/no/such/config.yaml")
		assert.Error(t, err)
	})
}
