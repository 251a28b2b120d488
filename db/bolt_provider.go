package db

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltFileName = "state.bolt"

var boltBucket = []byte("combinedb")

// boltIteratorChunk bounds how many rows an iterator reads per read transaction.
const boltIteratorChunk = 256

// BoltProvider implements IterableProvider on a single bbolt file. Commits
// skip fsync; Flush syncs the file.
type BoltProvider struct {
	once sync.Once
	db   *bolt.DB
}

// BoltOptions tunes the bbolt provider
type BoltOptions struct {
	CreateIfMissing bool
}

// NewBoltProvider opens directory/state.bolt
func NewBoltProvider(directory string, options BoltOptions) (IterableProvider, error) {
	path := filepath.Join(directory, boltFileName)
	if options.CreateIfMissing {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bolt directory: %w", err)
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, NoSync: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bolt bucket: %w", err)
	}
	return &BoltProvider{db: db}, nil
}

func lookup(b *bolt.Bucket, key []byte) []byte {
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Get retrieves a value by key
func (p *BoltProvider) Get(key []byte) ([]byte, error) {
	var value []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		value = lookup(tx.Bucket(boltBucket), key)
		return nil
	})
	return value, err
}

// GetBatch reads every key in one read transaction
func (p *BoltProvider) GetBatch(keys [][]byte) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		for _, key := range keys {
			if v := lookup(b, key); v != nil {
				result[string(key)] = v
			}
		}
		return nil
	})
	return result, err
}

func nonNil(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	return value
}

// Put stores a key-value pair
func (p *BoltProvider) Put(key, value []byte) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, nonNil(value))
	})
}

// Delete removes a key-value pair
func (p *BoltProvider) Delete(key []byte) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

// Has checks if a key exists
func (p *BoltProvider) Has(key []byte) (bool, error) {
	v, err := p.Get(key)
	return v != nil, err
}

// Close closes the bolt file
func (p *BoltProvider) Close() error {
	var err error
	p.once.Do(func() {
		err = p.db.Close()
	})
	return err
}

// Batch returns a batch applied in one read-write transaction
func (p *BoltProvider) Batch() DatabaseBatch {
	return &BoltBatch{db: p.db}
}

// IteratePrefix iterates over all key-value pairs with the given prefix
func (p *BoltProvider) IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error {
	it := p.NewIterator(prefix, PrefixUpperBound(prefix))
	defer it.Release()
	for it.Next() {
		if !callback(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

// NewIterator returns an iterator over [start, limit). It reads in chunks,
// each in its own read transaction, so writes made while iterating never
// wait on it. Rows written behind the current chunk may or may not be seen.
func (p *BoltProvider) NewIterator(start, limit []byte) Iterator {
	return &boltIterator{db: p.db, next: start, limit: limit, pos: -1}
}

// Flush syncs the bolt file to disk
func (p *BoltProvider) Flush() error {
	return p.db.Sync()
}

type boltIterator struct {
	db     *bolt.DB
	next   []byte
	limit  []byte
	keys   [][]byte
	values [][]byte
	pos    int
	done   bool
	err    error
}

func (it *boltIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	if it.pos < len(it.keys) {
		return true
	}
	if it.done {
		return false
	}
	it.err = it.fill()
	it.pos = 0
	return it.err == nil && len(it.keys) > 0
}

func (it *boltIterator) fill() error {
	it.keys, it.values = it.keys[:0], it.values[:0]
	return it.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		var k, v []byte
		if it.next == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(it.next)
		}
		for ; k != nil; k, v = c.Next() {
			if it.limit != nil && bytes.Compare(k, it.limit) >= 0 {
				it.done = true
				return nil
			}
			if len(it.keys) == boltIteratorChunk {
				it.next = bytes.Clone(k)
				return nil
			}
			it.keys = append(it.keys, bytes.Clone(k))
			it.values = append(it.values, nonNil(bytes.Clone(v)))
		}
		it.done = true
		return nil
	})
}

func (it *boltIterator) Key() []byte   { return it.keys[it.pos] }
func (it *boltIterator) Value() []byte { return it.values[it.pos] }
func (it *boltIterator) Error() error  { return it.err }

func (it *boltIterator) Release() {
	it.keys, it.values = nil, nil
	it.done = true
}

// BoltBatch implements DatabaseBatch for bbolt
type BoltBatch struct {
	db  *bolt.DB
	ops []batchOp
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Put adds a key-value pair to the batch
func (b *BoltBatch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: bytes.Clone(key), value: nonNil(bytes.Clone(value))})
}

// Delete adds a deletion to the batch
func (b *BoltBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: bytes.Clone(key), delete: true})
}

// Len returns the number of queued operations
func (b *BoltBatch) Len() int {
	return len(b.ops)
}

// Write applies every queued operation in one transaction
func (b *BoltBatch) Write() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range b.ops {
			var err error
			if op.delete {
				err = bucket.Delete(op.key)
			} else {
				err = bucket.Put(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Reset clears the batch
func (b *BoltBatch) Reset() {
	b.ops = b.ops[:0]
}

// Close releases batch resources
func (b *BoltBatch) Close() {
	b.ops = nil
}
