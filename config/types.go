package config

import "github.com/mezonai/combinedb/db"

// BlockVaultConfig configures the archive client.
type BlockVaultConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	QueueSize int    `yaml:"queue_size"`
}

// DatabaseConfig holds the configuration from database.yml
type DatabaseConfig struct {
	BackingStore  string         `yaml:"backing_store"`
	Store         db.StoreConfig `yaml:"store"`
	SnapshotDir   string         `yaml:"snapshot_dir"`
	KeepSnapshots int            `yaml:"keep_snapshots"`
	// SnapshotPublicKey is a minisign public key; when set, imported and
	// proposed snapshots need a valid detached signature.
	SnapshotPublicKey string           `yaml:"snapshot_public_key"`
	BlockVault        BlockVaultConfig `yaml:"blockvault"`
	MetricsAddr       string           `yaml:"metrics_addr"`
}

// ConfigFile is the top-level structure for database.yml
type ConfigFile struct {
	Database DatabaseConfig `yaml:"database"`
}
