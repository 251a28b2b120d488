package kv

import (
	"bytes"
	"fmt"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/db"
	"github.com/mezonai/combinedb/monitoring"
)

// ContractPrefix returns the reserved prefix of all contract rows in the ordered store.
func ContractPrefix() []byte { return []byte{db.PrefixContractKV} }

// UndoPrefix returns the reserved prefix of the undo stack.
func UndoPrefix() []byte { return []byte{db.PrefixUndo} }

// MetaPrefix returns the reserved prefix of bookkeeping keys such as the flush marker.
func MetaPrefix() []byte { return []byte{db.PrefixMeta} }

// AccountPrefix returns the prefix of every row owned by account.
func AccountPrefix(account common.Name) []byte {
	return append(ContractPrefix(), account.Bytes()...)
}

// ContractKey builds the store key of a contract row. Because every key starts
// with the contract prefix and the account, contract keys never land in another region.
func ContractKey(account common.Name, key []byte) []byte {
	return append(AccountPrefix(account), key...)
}

// SplitContractKey reverses ContractKey.
func SplitContractKey(storeKey []byte) (common.Name, []byte, error) {
	if len(storeKey) < 9 || storeKey[0] != db.PrefixContractKV {
		return 0, nil, fmt.Errorf("%x: %w", storeKey, ErrCorruptRow)
	}
	account, err := common.NameFromBytes(storeKey[1:9])
	if err != nil {
		return 0, nil, err
	}
	return account, storeKey[9:], nil
}

// EncodeStoreValue prefixes value with its payer.
func EncodeStoreValue(payer common.Name, value []byte) []byte {
	out := make([]byte, 0, 8+len(value))
	out = append(out, payer.Bytes()...)
	return append(out, value...)
}

// DecodeStoreValue splits a stored value into payer and data.
func DecodeStoreValue(raw []byte) (common.Name, []byte, error) {
	if len(raw) < 8 {
		return 0, nil, fmt.Errorf("value of %d bytes: %w", len(raw), ErrCorruptRow)
	}
	payer, err := common.NameFromBytes(raw)
	if err != nil {
		return 0, nil, err
	}
	return payer, raw[8:], nil
}

// Writer is the write path of the ordered store. The undo stack implements it,
// which is what makes contract writes reversible.
type Writer interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewIterator(start, limit []byte) db.Iterator
}

// StoreContext keeps contract rows in the ordered key-value store.
type StoreContext struct {
	limiter
	store    Writer
	receiver common.Name
	rm       ResourceManager
}

func NewStoreContext(store Writer, receiver common.Name, rm ResourceManager, limits Limits) *StoreContext {
	return &StoreContext{
		limiter:  limiter{limits: limits},
		store:    store,
		receiver: receiver,
		rm:       rm,
	}
}

func (c *StoreContext) Receiver() common.Name { return c.receiver }

func (c *StoreContext) Get(key []byte) ([]byte, bool, error) {
	if err := c.checkKey(key); err != nil {
		return nil, false, err
	}
	raw, err := c.store.Get(ContractKey(c.receiver, key))
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}
	_, value, err := DecodeStoreValue(raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *StoreContext) Set(key, value []byte, payer common.Name) (int64, error) {
	if err := c.checkKey(key); err != nil {
		return 0, err
	}
	if err := c.checkValue(value); err != nil {
		return 0, err
	}

	storeKey := ContractKey(c.receiver, key)
	raw, err := c.store.Get(storeKey)
	if err != nil {
		return 0, fmt.Errorf("kv set: %w", err)
	}
	var (
		oldPayer common.Name
		oldSize  int64
	)
	existed := raw != nil
	if existed {
		p, oldValue, err := DecodeStoreValue(raw)
		if err != nil {
			return 0, err
		}
		oldPayer, oldSize = p, BillableSize(key, oldValue)
	}

	newSize := BillableSize(key, value)
	delta, err := charge(c.rm, payer, newSize, oldPayer, oldSize, existed)
	if err != nil {
		return 0, err
	}
	if err := c.store.Put(storeKey, EncodeStoreValue(payer, value)); err != nil {
		return 0, uncharge(c.rm, payer, newSize, oldPayer, oldSize, existed, fmt.Errorf("kv set: %w", err))
	}
	monitoring.AddKVBytesWritten(len(key) + len(value))
	return delta, nil
}

func (c *StoreContext) Erase(key []byte) (int64, error) {
	if err := c.checkKey(key); err != nil {
		return 0, err
	}
	storeKey := ContractKey(c.receiver, key)
	raw, err := c.store.Get(storeKey)
	if err != nil {
		return 0, fmt.Errorf("kv erase: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	payer, value, err := DecodeStoreValue(raw)
	if err != nil {
		return 0, err
	}
	size := BillableSize(key, value)
	if err := c.rm.UpdateUsage(payer, -size); err != nil {
		return 0, err
	}
	if err := c.store.Delete(storeKey); err != nil {
		return 0, uncharge(c.rm, payer, 0, payer, size, true, fmt.Errorf("kv erase: %w", err))
	}
	return -size, nil
}

func (c *StoreContext) Iterate(prefix []byte) (Iterator, error) {
	if err := c.checkKey(prefix); err != nil {
		return nil, err
	}
	if err := c.acquireIterator(); err != nil {
		return nil, err
	}
	start := ContractKey(c.receiver, prefix)
	limit := db.PrefixUpperBound(start)
	return &storeIterator{
		it:     c.store.NewIterator(start, limit),
		prefix: start,
		scope:  len(AccountPrefix(c.receiver)),
		owner:  &c.limiter,
	}, nil
}

type storeIterator struct {
	it     db.Iterator
	prefix []byte
	scope  int
	owner  *limiter
	key    []byte
	value  []byte
	payer  common.Name
	err    error
	closed bool
}

func (i *storeIterator) Next() bool {
	if i.closed || i.err != nil {
		return false
	}
	if !i.it.Next() {
		return false
	}
	k := i.it.Key()
	if !bytes.HasPrefix(k, i.prefix) {
		return false
	}
	payer, value, err := DecodeStoreValue(i.it.Value())
	if err != nil {
		i.err = err
		return false
	}
	i.key = bytes.Clone(k[i.scope:])
	i.value = bytes.Clone(value)
	i.payer = payer
	return true
}

func (i *storeIterator) Key() []byte        { return i.key }
func (i *storeIterator) Value() []byte      { return i.value }
func (i *storeIterator) Payer() common.Name { return i.payer }

func (i *storeIterator) Error() error {
	if i.err != nil {
		return i.err
	}
	return i.it.Error()
}

func (i *storeIterator) Close() {
	if i.closed {
		return
	}
	i.closed = true
	i.it.Release()
	i.owner.releaseIterator()
}

// HasContractRows reports whether the ordered store holds any contract row.
func HasContractRows(provider db.IterableProvider) (bool, error) {
	found := false
	err := provider.IteratePrefix(ContractPrefix(), func(_, _ []byte) bool {
		found = true
		return false
	})
	return found, err
}
