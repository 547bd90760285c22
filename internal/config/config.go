// Package config loads the TOML configuration shared by the vault and
// sandman binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "72h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for toml.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full configuration file.
type Config struct {
	Vault    VaultConfig    `toml:"vault"`
	Sweep    SweepConfig    `toml:"sweep"`
	Persist  PersistConfig  `toml:"persist"`
	Identity IdentityConfig `toml:"identity"`
	Mail     MailConfig     `toml:"mail"`
	Drain    DrainConfig    `toml:"drain"`
}

// VaultConfig covers vault construction and validation.
type VaultConfig struct {
	// MinOwners is the minimum number of registered owners each vault's
	// group must have before a sweep will touch it.
	MinOwners int `toml:"min_owners"`
}

// SweepConfig covers the lifecycle thresholds.
type SweepConfig struct {
	DeletionThreshold Duration   `toml:"deletion_threshold"`
	LimboThreshold    Duration   `toml:"limbo_threshold"`
	WarningLeads      []Duration `toml:"warning_leads"`
	RestatWindow      Duration   `toml:"restat_window"`

	// SnapshotFreshness is the window after which a stat snapshot is
	// reported stale.
	SnapshotFreshness Duration `toml:"snapshot_freshness"`

	// RateLimit caps destructive filesystem operations per second.
	// Zero means unpaced.
	RateLimit float64 `toml:"rate_limit"`

	// LogFile receives a rotated JSON copy of the sweep log.
	LogFile string `toml:"log_file"`
}

// PersistConfig locates the embedded database.
type PersistConfig struct {
	Database string `toml:"database"`
}

// IdentityConfig covers uid/gid resolution.
type IdentityConfig struct {
	// EmailDomain synthesizes stakeholder addresses as <user>@<domain>.
	EmailDomain string `toml:"email_domain"`

	// Owners maps gid (as a string key, TOML-style) to the uids registered
	// as owners of that group's data.
	Owners map[string][]uint32 `toml:"owners"`
}

// OwnerMap converts the string-keyed TOML table to numeric gids.
func (c IdentityConfig) OwnerMap() (map[uint32][]uint32, error) {
	owners := make(map[uint32][]uint32, len(c.Owners))
	for key, uids := range c.Owners {
		gid, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("identity.owners key %q: %w", key, err)
		}
		owners[uint32(gid)] = uids
	}
	return owners, nil
}

// MailConfig covers notification delivery.
type MailConfig struct {
	SMTP      string `toml:"smtp"`
	From      string `toml:"from"`
	MaxInline int    `toml:"max_inline"`
}

// DrainConfig covers the downstream handler.
type DrainConfig struct {
	Handler string `toml:"handler"`

	// MinBytes is the queue size below which draining is deferred.
	MinBytes int64 `toml:"min_bytes"`
}

// Path returns the default config file location.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "vault", "config.toml")
}

// statePath is the default database location.
func statePath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "vault", "sandman.db")
}

// Load reads the config at path, or the default location when path is
// empty. A missing file yields the defaults with no error.
func Load(path string) (Config, error) {
	cfg := Config{
		Vault: VaultConfig{MinOwners: 1},
		Sweep: SweepConfig{
			DeletionThreshold: Duration(90 * 24 * time.Hour),
			LimboThreshold:    Duration(14 * 24 * time.Hour),
			WarningLeads:      []Duration{Duration(72 * time.Hour), Duration(240 * time.Hour)},
			RestatWindow:      Duration(36 * time.Hour),
			SnapshotFreshness: Duration(24 * time.Hour),
		},
		Persist: PersistConfig{Database: statePath()},
		Mail:    MailConfig{MaxInline: 50},
	}

	if path == "" {
		path = Path()
		if path == "" {
			return cfg, nil
		}
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Leads converts the configured warning leads to time.Durations.
func (c SweepConfig) Leads() []time.Duration {
	leads := make([]time.Duration, len(c.WarningLeads))
	for i, d := range c.WarningLeads {
		leads[i] = d.Std()
	}
	return leads
}
