package kv

import (
	"bytes"
	"fmt"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/db"
	"github.com/mezonai/combinedb/monitoring"
	"github.com/mezonai/combinedb/objectstore"
)

// ObjectTableName is the name of the object-store table holding contract rows.
const ObjectTableName = "kv_object"

// ByKeyIndex orders kv_object rows by (contract, key), the same order the
// ordered store keeps contract rows in.
const ByKeyIndex = "by_key"

// Object is one contract row kept in the object store.
type Object struct {
	objectstore.Base `msgpack:",inline"`
	Contract         common.Name `msgpack:"contract"`
	Key              []byte      `msgpack:"key"`
	Value            []byte      `msgpack:"value"`
	Payer            common.Name `msgpack:"payer"`
}

func objectKey(contract common.Name, key []byte) string {
	return string(append(contract.Bytes(), key...))
}

// NewObjectTable creates the kv_object table, indexed by (contract, key).
func NewObjectTable() *objectstore.Table[Object] {
	return objectstore.NewTable[Object](ObjectTableName,
		objectstore.WithUniqueIndex(ByKeyIndex, func(o *Object) string {
			return objectKey(o.Contract, o.Key)
		}),
	)
}

// ObjectContext keeps contract rows in the kv_object table, which puts them
// under the object store's undo sessions.
type ObjectContext struct {
	limiter
	table    *objectstore.Table[Object]
	receiver common.Name
	rm       ResourceManager
}

func NewObjectContext(table *objectstore.Table[Object], receiver common.Name, rm ResourceManager, limits Limits) *ObjectContext {
	return &ObjectContext{
		limiter:  limiter{limits: limits},
		table:    table,
		receiver: receiver,
		rm:       rm,
	}
}

func (c *ObjectContext) Receiver() common.Name { return c.receiver }

func (c *ObjectContext) find(key []byte) (Object, bool, error) {
	row, ok, err := c.table.FindBy(ByKeyIndex, objectKey(c.receiver, key))
	if err != nil {
		return Object{}, false, fmt.Errorf("kv lookup: %w", err)
	}
	return row, ok, nil
}

func (c *ObjectContext) Get(key []byte) ([]byte, bool, error) {
	if err := c.checkKey(key); err != nil {
		return nil, false, err
	}
	row, ok, err := c.find(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return bytes.Clone(row.Value), true, nil
}

func (c *ObjectContext) Set(key, value []byte, payer common.Name) (int64, error) {
	if err := c.checkKey(key); err != nil {
		return 0, err
	}
	if err := c.checkValue(value); err != nil {
		return 0, err
	}
	row, existed, err := c.find(key)
	if err != nil {
		return 0, err
	}

	var oldSize int64
	if existed {
		oldSize = BillableSize(key, row.Value)
	}
	newSize := BillableSize(key, value)
	delta, err := charge(c.rm, payer, newSize, row.Payer, oldSize, existed)
	if err != nil {
		return 0, err
	}

	stored := bytes.Clone(value)
	if stored == nil {
		stored = []byte{}
	}
	if existed {
		err = c.table.Modify(row.ID, func(o *Object) {
			o.Value = stored
			o.Payer = payer
		})
	} else {
		_, err = c.table.Emplace(func(o *Object) {
			o.Contract = c.receiver
			o.Key = bytes.Clone(key)
			o.Value = stored
			o.Payer = payer
		})
	}
	if err != nil {
		return 0, uncharge(c.rm, payer, newSize, row.Payer, oldSize, existed, fmt.Errorf("kv set: %w", err))
	}
	monitoring.AddKVBytesWritten(len(key) + len(value))
	return delta, nil
}

func (c *ObjectContext) Erase(key []byte) (int64, error) {
	if err := c.checkKey(key); err != nil {
		return 0, err
	}
	row, ok, err := c.find(key)
	if err != nil || !ok {
		return 0, err
	}
	size := BillableSize(key, row.Value)
	if err := c.rm.UpdateUsage(row.Payer, -size); err != nil {
		return 0, err
	}
	if err := c.table.Remove(row.ID); err != nil {
		return 0, uncharge(c.rm, row.Payer, 0, row.Payer, size, true, fmt.Errorf("kv erase: %w", err))
	}
	return -size, nil
}

// Iterate collects the matching rows when opened, so later writes through the
// context do not show up in an open iterator.
func (c *ObjectContext) Iterate(prefix []byte) (Iterator, error) {
	if err := c.checkKey(prefix); err != nil {
		return nil, err
	}
	if err := c.acquireIterator(); err != nil {
		return nil, err
	}
	lower := objectKey(c.receiver, prefix)
	upper := string(db.PrefixUpperBound([]byte(lower)))

	var rows []Object
	err := c.table.WalkIndex(ByKeyIndex, lower, upper, func(o Object) bool {
		if o.Contract != c.receiver || !bytes.HasPrefix(o.Key, prefix) {
			return false
		}
		rows = append(rows, o)
		return true
	})
	if err != nil {
		c.releaseIterator()
		return nil, err
	}
	return &objectIterator{rows: rows, pos: -1, owner: &c.limiter}, nil
}

type objectIterator struct {
	rows   []Object
	pos    int
	owner  *limiter
	closed bool
}

func (i *objectIterator) Next() bool {
	if i.closed || i.pos+1 >= len(i.rows) {
		return false
	}
	i.pos++
	return true
}

func (i *objectIterator) Key() []byte        { return bytes.Clone(i.rows[i.pos].Key) }
func (i *objectIterator) Value() []byte      { return bytes.Clone(i.rows[i.pos].Value) }
func (i *objectIterator) Payer() common.Name { return i.rows[i.pos].Payer }
func (i *objectIterator) Error() error       { return nil }

func (i *objectIterator) Close() {
	if i.closed {
		return
	}
	i.closed = true
	i.rows = nil
	i.owner.releaseIterator()
}
