package config

import (
	"fmt"
	"os"

	"github.com/mezonai/combinedb/db"
	"github.com/mezonai/combinedb/kv"
	"github.com/mezonai/combinedb/logx"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

const logCategory = "CONFIG"

const (
	DefaultSnapshotDir   = "./snapshots"
	DefaultKeepSnapshots = 3
)

// DefaultDatabaseConfig is a hybrid database on leveldb under ./data.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		BackingStore: "rocksdb",
		Store: db.StoreConfig{
			Type:            db.LevelDBStoreType,
			Directory:       "./data",
			CreateIfMissing: true,
		},
		SnapshotDir:   DefaultSnapshotDir,
		KeepSnapshots: DefaultKeepSnapshots,
	}
}

// LoadDatabaseConfig reads and parses database.yml. Unset fields keep the
// values of DefaultDatabaseConfig.
func LoadDatabaseConfig(path string) (*DatabaseConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database config: %w", err)
	}
	defer file.Close()

	cfgFile := ConfigFile{Database: *DefaultDatabaseConfig()}
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfgFile); err != nil {
		return nil, fmt.Errorf("decode database config %s: %w", path, err)
	}
	cfg := &cfgFile.Database
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logx.Info(logCategory, "loaded ", path, ": backing store ", cfg.BackingStore,
		", ", cfg.Store.Type, " store at ", cfg.Store.Directory, ", blockvault enabled ", cfg.BlockVault.Enabled)
	return cfg, nil
}

func (c *DatabaseConfig) Validate() error {
	switch c.BackingStore {
	case "chainbase", "rocksdb":
	default:
		return fmt.Errorf("backing_store must be chainbase or rocksdb, got %q", c.BackingStore)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.KeepSnapshots < 0 {
		return fmt.Errorf("keep_snapshots cannot be negative")
	}
	if c.BlockVault.Enabled && c.BlockVault.DSN == "" {
		return fmt.Errorf("blockvault.dsn is required when the block vault is enabled")
	}
	return nil
}

// KVLimitsConfig is the [kv] section of the tuning file.
type KVLimitsConfig struct {
	kv.Limits
}

// LoadKVLimitsConfig reads kv limits from an .ini file. Keys missing from
// the [kv] section keep their defaults.
func LoadKVLimitsConfig(path string) (*KVLimitsConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load kv config: %w", err)
	}
	kvCfg := &KVLimitsConfig{Limits: kv.DefaultLimits()}
	if err := cfg.Section("kv").MapTo(&kvCfg.Limits); err != nil {
		return nil, fmt.Errorf("map [kv] section: %w", err)
	}
	if err := kvCfg.Validate(); err != nil {
		return nil, err
	}
	return kvCfg, nil
}
