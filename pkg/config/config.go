// Package config loads the YAML configuration files of the terminal
// and the authority daemon.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/dna"
)

// Defaults.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultHistoryPath    = "usage-history.cbor"
	DefaultDatabasePath   = "authority.db"
	DefaultListenAddress  = ":47810"
)

// Terminal is the configuration of one terminal.
type Terminal struct {
	// TerminalID identifies this terminal in logs.
	TerminalID string `yaml:"terminal_id"`

	// SystemName must match the authority's deployment name; it also
	// selects the authority during discovery.
	SystemName string `yaml:"system_name"`

	// Authority is the backend endpoint.
	Authority Endpoint `yaml:"authority"`

	// Machine describes the machine this terminal controls.
	Machine Machine `yaml:"machine"`

	// KeySlot is the tag key slot used for authentication (0-4).
	KeySlot uint8 `yaml:"key_slot"`

	// RequestTimeout bounds each backend round trip.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// HistoryPath is the usage history file.
	HistoryPath string `yaml:"history_path"`
}

// Endpoint is the terminal's view of the authority.
type Endpoint struct {
	// Address is "host:port". Empty means discover via mDNS.
	Address string `yaml:"address"`

	// Secret is the pre-shared tunnel secret.
	Secret string `yaml:"secret"`
}

// Machine is the per-machine section.
type Machine struct {
	ID                  string        `yaml:"id"`
	RequiredPermissions []string      `yaml:"required_permissions"`
	UsageTimeout        time.Duration `yaml:"usage_timeout"`
}

// LoadTerminal reads and validates a terminal configuration file.
func LoadTerminal(path string) (*Terminal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Terminal
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks required fields and fills defaults.
func (c *Terminal) Validate() error {
	if c.TerminalID == "" {
		return fmt.Errorf("terminal_id must not be empty")
	}
	if c.SystemName == "" {
		return fmt.Errorf("system_name must not be empty")
	}
	if c.Authority.Secret == "" {
		return fmt.Errorf("authority.secret must not be empty")
	}
	if c.Machine.ID == "" {
		return fmt.Errorf("machine.id must not be empty")
	}
	if c.KeySlot > 4 {
		return fmt.Errorf("key_slot must be 0-4, got %d", c.KeySlot)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HistoryPath == "" {
		c.HistoryPath = DefaultHistoryPath
	}
	return nil
}

// Authority is the configuration of the authority daemon.
type Authority struct {
	// SystemName identifies the deployment; it salts the tag key
	// diversification and is advertised via mDNS.
	SystemName string `yaml:"system_name"`

	// Listen is the TCP listen address.
	Listen string `yaml:"listen"`

	// Secret is the pre-shared tunnel secret terminals connect with.
	Secret string `yaml:"secret"`

	// MasterSecret is the hex-encoded 16-byte key diversification
	// master secret.
	MasterSecret string `yaml:"master_secret"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	// Advertise enables mDNS announcement.
	Advertise bool `yaml:"advertise"`
}

// LoadAuthority reads and validates an authority configuration file.
func LoadAuthority(path string) (*Authority, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Authority
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks required fields and fills defaults.
func (c *Authority) Validate() error {
	if c.SystemName == "" {
		return fmt.Errorf("system_name must not be empty")
	}
	if c.Secret == "" {
		return fmt.Errorf("secret must not be empty")
	}
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	if c.Listen == "" {
		c.Listen = DefaultListenAddress
	}
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	return nil
}

// MasterKey decodes the master secret.
func (c *Authority) MasterKey() ([]byte, error) {
	key, err := hex.DecodeString(c.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("master_secret is not valid hex: %w", err)
	}
	if len(key) != dna.KeySize {
		return nil, fmt.Errorf("master_secret must be %d bytes, got %d", dna.KeySize, len(key))
	}
	return key, nil
}
