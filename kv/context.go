// Package kv implements the per-contract key-value view used during contract
// execution. Every key is scoped to the receiving account, every byte stored is
// charged to a payer through a ResourceManager, and configured limits bound
// key size, value size and the number of open iterators.
package kv

import (
	"errors"
	"fmt"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/monitoring"
)

var (
	ErrKeyTooLarge      = errors.New("key too large")
	ErrValueTooLarge    = errors.New("value too large")
	ErrTooManyIterators = errors.New("too many open iterators")
	ErrInsufficientRAM  = errors.New("insufficient ram")
	ErrCorruptRow       = errors.New("corrupt kv row")
)

// RowOverhead is the fixed number of bytes billed per row on top of key and value.
const RowOverhead = 112

// BillableSize is what a row costs its payer.
func BillableSize(key, value []byte) int64 {
	return int64(len(key)) + int64(len(value)) + RowOverhead
}

// Limits bound what a single context accepts.
type Limits struct {
	MaxKeySize   uint32 `json:"max_key_size" yaml:"max_key_size" ini:"max_key_size" msgpack:"max_key_size"`
	MaxValueSize uint32 `json:"max_value_size" yaml:"max_value_size" ini:"max_value_size" msgpack:"max_value_size"`
	MaxIterators uint32 `json:"max_iterators" yaml:"max_iterators" ini:"max_iterators" msgpack:"max_iterators"`
}

// DefaultLimits mirrors the limits a fresh chain starts with.
func DefaultLimits() Limits {
	return Limits{
		MaxKeySize:   1024,
		MaxValueSize: 256 * 1024,
		MaxIterators: 1024,
	}
}

func (l Limits) Validate() error {
	if l.MaxKeySize == 0 || l.MaxValueSize == 0 || l.MaxIterators == 0 {
		return fmt.Errorf("kv limits must be positive: %+v", l)
	}
	return nil
}

// ResourceManager charges storage to accounts. A positive delta that would
// exceed the payer's quota returns an error wrapping ErrInsufficientRAM and
// changes nothing; negative deltas are refunds.
type ResourceManager interface {
	UpdateUsage(payer common.Name, delta int64) error
}

// Context is the view a contract gets of its own key-value rows.
type Context interface {
	Receiver() common.Name
	// Get returns the value stored under key and whether it exists.
	Get(key []byte) ([]byte, bool, error)
	// Set stores value under key billed to payer and returns the usage delta
	// charged to payer.
	Set(key, value []byte, payer common.Name) (int64, error)
	// Erase removes key and returns the usage delta refunded to its payer.
	Erase(key []byte) (int64, error)
	// Iterate opens an iterator over the keys starting with prefix.
	Iterate(prefix []byte) (Iterator, error)
}

// Iterator walks a contract's rows in ascending key order. Keys are returned
// without the account scope.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Payer() common.Name
	Error() error
	Close()
}

// limiter holds the checks shared by both context implementations.
type limiter struct {
	limits        Limits
	openIterators uint32
}

func (l *limiter) checkKey(key []byte) error {
	if uint32(len(key)) > l.limits.MaxKeySize {
		monitoring.RecordKVLimitRejection("key_size")
		return fmt.Errorf("%d > %d: %w", len(key), l.limits.MaxKeySize, ErrKeyTooLarge)
	}
	return nil
}

func (l *limiter) checkValue(value []byte) error {
	if uint32(len(value)) > l.limits.MaxValueSize {
		monitoring.RecordKVLimitRejection("value_size")
		return fmt.Errorf("%d > %d: %w", len(value), l.limits.MaxValueSize, ErrValueTooLarge)
	}
	return nil
}

func (l *limiter) acquireIterator() error {
	if l.openIterators >= l.limits.MaxIterators {
		monitoring.RecordKVLimitRejection("iterators")
		return fmt.Errorf("%d open: %w", l.openIterators, ErrTooManyIterators)
	}
	l.openIterators++
	return nil
}

func (l *limiter) releaseIterator() {
	if l.openIterators > 0 {
		l.openIterators--
	}
}

// charge bills a write that replaces (oldPayer, oldSize) with (payer, newSize).
// The new payer is charged before the old one is refunded, so a rejected
// charge leaves every account untouched.
func charge(rm ResourceManager, payer common.Name, newSize int64, oldPayer common.Name, oldSize int64, existed bool) (int64, error) {
	if existed && oldPayer == payer {
		delta := newSize - oldSize
		if delta == 0 {
			return 0, nil
		}
		if err := rm.UpdateUsage(payer, delta); err != nil {
			return 0, err
		}
		return delta, nil
	}
	if err := rm.UpdateUsage(payer, newSize); err != nil {
		return 0, err
	}
	if existed {
		if err := rm.UpdateUsage(oldPayer, -oldSize); err != nil {
			return 0, fmt.Errorf("refund %s: %w", oldPayer, err)
		}
	}
	return newSize, nil
}

// uncharge reverses a successful charge after the write it billed failed.
func uncharge(rm ResourceManager, payer common.Name, newSize int64, oldPayer common.Name, oldSize int64, existed bool, cause error) error {
	var err error
	if existed && oldPayer == payer {
		if delta := newSize - oldSize; delta != 0 {
			err = rm.UpdateUsage(payer, -delta)
		}
	} else {
		err = rm.UpdateUsage(payer, -newSize)
		if existed && err == nil {
			err = rm.UpdateUsage(oldPayer, oldSize)
		}
	}
	if err != nil {
		return errors.Join(cause, fmt.Errorf("reverse charge: %w", err))
	}
	return cause
}
