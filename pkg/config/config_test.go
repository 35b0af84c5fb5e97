package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTerminal(t *testing.T) {
	path := writeConfig(t, `
terminal_id: terminal-7
system_name: werkstatt-waedenswil
key_slot: 3
request_timeout: 2s
authority:
  address: 192.168.1.10:47810
  secret: super-secret
machine:
  id: lasercutter-1
  required_permissions: [lasercutter]
  usage_timeout: 4h
`)

	cfg, err := LoadTerminal(path)
	require.NoError(t, err)
	assert.Equal(t, "terminal-7", cfg.TerminalID)
	assert.Equal(t, uint8(3), cfg.KeySlot)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "192.168.1.10:47810", cfg.Authority.Address)
	assert.Equal(t, []string{"lasercutter"}, cfg.Machine.RequiredPermissions)
	assert.Equal(t, 4*time.Hour, cfg.Machine.UsageTimeout)
	assert.Equal(t, DefaultHistoryPath, cfg.HistoryPath)
}

func TestLoadTerminalValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing terminal id", `
system_name: x
authority: {secret: s}
machine: {id: m}
`},
		{"missing secret", `
terminal_id: t
system_name: x
machine: {id: m}
`},
		{"bad key slot", `
terminal_id: t
system_name: x
key_slot: 5
authority: {secret: s}
machine: {id: m}
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadTerminal(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadAuthority(t *testing.T) {
	path := writeConfig(t, `
system_name: werkstatt-waedenswil
secret: super-secret
master_secret: "00112233445566778899aabbccddeeff"
advertise: true
`)

	cfg, err := LoadAuthority(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddress, cfg.Listen)
	assert.Equal(t, DefaultDatabasePath, cfg.DatabasePath)
	assert.True(t, cfg.Advertise)

	key, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), key[0])
	assert.Equal(t, byte(0xFF), key[15])
}

func TestLoadAuthorityBadMasterSecret(t *testing.T) {
	for _, secret := range []string{"not-hex", "0011", ""} {
		_, err := LoadAuthority(writeConfig(t, `
system_name: x
secret: s
master_secret: "`+secret+`"
`))
		assert.Error(t, err, "master_secret %q", secret)
	}
}
