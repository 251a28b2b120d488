package db

// DatabaseProvider abstracts the low-level database operations
// so the undo stack and the kv contexts work with different ordered backends
// without knowing the specific implementation details
type DatabaseProvider interface {
	// Get retrieves a value by key. It returns nil when the key is absent;
	// a present key always yields a non-nil slice, even for an empty value
	Get(key []byte) ([]byte, error)

	// GetBatch retrieves multiple values by keys in a single operation
	GetBatch(keys [][]byte) (map[string][]byte, error)

	// Put stores a key-value pair
	Put(key, value []byte) error

	// Delete removes a key-value pair
	Delete(key []byte) error

	// Has checks if a key exists
	Has(key []byte) (bool, error)

	// Close closes the database connection
	Close() error

	// Batch returns a new batch for atomic operations
	Batch() DatabaseBatch
}

// IterableProvider extends DatabaseProvider with ordered iteration and durability
type IterableProvider interface {
	DatabaseProvider

	// IteratePrefix iterates over all key-value pairs with the given prefix in ascending key order
	// The callback function should return false to stop iteration
	IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error

	// NewIterator returns an iterator over [start, limit) in ascending key order.
	// A nil limit means no upper bound
	NewIterator(start, limit []byte) Iterator

	// Flush forces previously written data to durable storage
	Flush() error
}

// Iterator walks keys in ascending byte order. Key and Value are only valid
// until the next call to Next; callers copy what they keep
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// DatabaseBatch provides atomic batch operations
type DatabaseBatch interface {
	// Put adds a key-value pair to the batch
	Put(key, value []byte)

	// Delete adds a deletion to the batch
	Delete(key []byte)

	// Len returns the number of queued operations
	Len() int

	// Write commits all operations in the batch
	Write() error

	// Reset clears the batch
	Reset()

	// Close releases batch resources
	Close()
}

// PrefixUpperBound returns the smallest key greater than every key starting with prefix,
// or nil when no such key exists (empty prefix or all 0xff bytes)
func PrefixUpperBound(prefix []byte) []byte {
	limit := make([]byte, len(prefix))
	copy(limit, prefix)
	for i := len(limit) - 1; i >= 0; i-- {
		if limit[i] < 0xff {
			limit[i]++
			return limit[:i+1]
		}
	}
	return nil
}
