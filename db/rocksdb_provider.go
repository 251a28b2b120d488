//go:build rocksdb
// +build rocksdb

package db

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/linxGnu/grocksdb"
)

// RocksDBProvider implements IterableProvider for RocksDB
type RocksDBProvider struct {
	once sync.Once
	db   *grocksdb.DB
	ro   *grocksdb.ReadOptions
	wo   *grocksdb.WriteOptions
}

// NewRocksDBProvider creates a new RocksDB provider
func NewRocksDBProvider(directory string, options RocksDBOptions) (IterableProvider, error) {
	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(options.CreateIfMissing)
	if options.Threads > 0 {
		opts.IncreaseParallelism(options.Threads)
	}
	if options.MaxOpenFiles != 0 {
		opts.SetMaxOpenFiles(options.MaxOpenFiles)
	}

	db, err := grocksdb.OpenDb(opts, directory)
	if err != nil {
		return nil, fmt.Errorf("failed to open RocksDB: %w", err)
	}

	return &RocksDBProvider{
		db: db,
		ro: grocksdb.NewDefaultReadOptions(),
		wo: grocksdb.NewDefaultWriteOptions(),
	}, nil
}

// Get retrieves a value by key
func (p *RocksDBProvider) Get(key []byte) ([]byte, error) {
	value, err := p.db.Get(p.ro, key)
	if err != nil {
		return nil, err
	}
	defer value.Free()

	if !value.Exists() {
		return nil, nil // Return nil for not found, consistent with interface
	}

	// Copy the data since we're freeing the slice
	data := value.Data()
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// GetBatch retrieves multiple values by keys in a single operation
func (p *RocksDBProvider) GetBatch(keys [][]byte) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, err := p.Get(key)
		if err != nil {
			return nil, err
		}
		if value != nil {
			result[string(key)] = value
		}
	}
	return result, nil
}

// Put stores a key-value pair
func (p *RocksDBProvider) Put(key, value []byte) error {
	return p.db.Put(p.wo, key, value)
}

// Delete removes a key-value pair
func (p *RocksDBProvider) Delete(key []byte) error {
	return p.db.Delete(p.wo, key)
}

// Has checks if a key exists
func (p *RocksDBProvider) Has(key []byte) (bool, error) {
	value, err := p.Get(key)
	if err != nil {
		return false, err
	}
	return value != nil, nil
}

// Close closes the database connection
func (p *RocksDBProvider) Close() error {
	p.once.Do(func() {
		p.ro.Destroy()
		p.wo.Destroy()
		p.db.Close()
	})
	return nil
}

// Batch creates a new batch for atomic operations
func (p *RocksDBProvider) Batch() DatabaseBatch {
	return &RocksDBBatch{
		batch:    grocksdb.NewWriteBatch(),
		provider: p,
	}
}

// IteratePrefix implements IterableProvider for RocksDB
func (p *RocksDBProvider) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	it := p.NewIterator(prefix, PrefixUpperBound(prefix))
	defer it.Release()

	for it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

// NewIterator returns an iterator over [start, limit)
func (p *RocksDBProvider) NewIterator(start, limit []byte) Iterator {
	return &rocksIterator{
		it:    p.db.NewIterator(p.ro),
		start: start,
		limit: limit,
	}
}

// Flush forces memtables to disk
func (p *RocksDBProvider) Flush() error {
	fo := grocksdb.NewDefaultFlushOptions()
	defer fo.Destroy()
	fo.SetWait(true)
	return p.db.Flush(fo)
}

type rocksIterator struct {
	it      *grocksdb.Iterator
	start   []byte
	limit   []byte
	started bool
	key     []byte
	value   []byte
}

func (r *rocksIterator) Next() bool {
	if !r.started {
		r.started = true
		if r.start == nil {
			r.it.SeekToFirst()
		} else {
			r.it.Seek(r.start)
		}
	} else {
		r.it.Next()
	}
	if !r.it.Valid() {
		r.key, r.value = nil, nil
		return false
	}
	k := r.it.Key()
	v := r.it.Value()
	r.key = append(r.key[:0], k.Data()...)
	r.value = append(r.value[:0], v.Data()...)
	k.Free()
	v.Free()
	if r.limit != nil && bytes.Compare(r.key, r.limit) >= 0 {
		r.key, r.value = nil, nil
		return false
	}
	return true
}

func (r *rocksIterator) Key() []byte   { return r.key }
func (r *rocksIterator) Value() []byte { return r.value }
func (r *rocksIterator) Release()      { r.it.Close() }
func (r *rocksIterator) Error() error  { return r.it.Err() }

// RocksDBBatch implements DatabaseBatch for RocksDB
type RocksDBBatch struct {
	batch    *grocksdb.WriteBatch
	provider *RocksDBProvider
}

// Put adds a key-value pair to the batch
func (b *RocksDBBatch) Put(key, value []byte) {
	b.batch.Put(key, value)
}

// Delete adds a deletion to the batch
func (b *RocksDBBatch) Delete(key []byte) {
	b.batch.Delete(key)
}

// Len returns the number of queued operations
func (b *RocksDBBatch) Len() int {
	return b.batch.Count()
}

// Write commits all operations in the batch
func (b *RocksDBBatch) Write() error {
	return b.provider.db.Write(b.provider.wo, b.batch)
}

// Reset clears the batch
func (b *RocksDBBatch) Reset() {
	b.batch.Clear()
}

// Close releases batch resources
func (b *RocksDBBatch) Close() {
	b.batch.Destroy()
}
