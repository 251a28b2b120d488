package db

import (
	"fmt"
)

// StoreType represents the type of ordered store implementation
type StoreType string

const (
	// LevelDBStoreType uses the LevelDB implementation
	LevelDBStoreType StoreType = "leveldb"

	// RocksDBStoreType uses the RocksDB implementation
	RocksDBStoreType StoreType = "rocksdb"

	// BoltStoreType keeps the whole keyspace in a single bbolt file
	BoltStoreType StoreType = "bolt"

	// MemoryStoreType keeps a LevelDB instance on memory storage, for tests and tools
	MemoryStoreType StoreType = "memory"
)

// RocksDBOptions tunes the RocksDB provider
type RocksDBOptions struct {
	CreateIfMissing bool
	Threads         int
	MaxOpenFiles    int
}

// StoreConfig holds configuration for creating provider instances
type StoreConfig struct {
	// Type specifies which store implementation to use
	Type StoreType `json:"type" yaml:"type"`

	// Directory is the database directory path (for file-based databases)
	Directory string `json:"directory" yaml:"directory"`

	CreateIfMissing bool `json:"create_if_missing" yaml:"create_if_missing"`
	Threads         int  `json:"threads" yaml:"threads"`
	MaxOpenFiles    int  `json:"max_open_files" yaml:"max_open_files"`
}

// Validate validates the store configuration
func (sc *StoreConfig) Validate() error {
	if sc.Type == "" {
		return fmt.Errorf("store type cannot be empty")
	}

	switch sc.Type {
	case LevelDBStoreType, RocksDBStoreType, BoltStoreType:
		if sc.Directory == "" {
			return fmt.Errorf("directory cannot be empty")
		}
		return nil
	case MemoryStoreType:
		return nil
	default:
		return fmt.Errorf("unsupported store type: %s", sc.Type)
	}
}

// CreateProvider creates a database provider based on the configuration
func CreateProvider(config *StoreConfig) (IterableProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	switch config.Type {
	case LevelDBStoreType:
		return NewLevelDBProvider(config.Directory, LevelDBOptions{
			CreateIfMissing: config.CreateIfMissing,
			MaxOpenFiles:    config.MaxOpenFiles,
		})

	case RocksDBStoreType:
		return NewRocksDBProvider(config.Directory, RocksDBOptions{
			CreateIfMissing: config.CreateIfMissing,
			Threads:         config.Threads,
			MaxOpenFiles:    config.MaxOpenFiles,
		})

	case BoltStoreType:
		return NewBoltProvider(config.Directory, BoltOptions{
			CreateIfMissing: config.CreateIfMissing,
		})

	case MemoryStoreType:
		return NewMemLevelDBProvider()

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
