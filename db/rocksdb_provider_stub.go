//go:build !rocksdb
// +build !rocksdb

package db

import "fmt"

// NewRocksDBProvider creates a stub that returns an error when rocksdb is not available
func NewRocksDBProvider(directory string, options RocksDBOptions) (IterableProvider, error) {
	return nil, fmt.Errorf("RocksDB support not compiled in. Build with -tags rocksdb to enable RocksDB support")
}
