package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/kv"
	"github.com/mezonai/combinedb/objectstore"
	"github.com/mezonai/combinedb/snapshot"
)

// BackingStoreType selects where contract key-value rows live.
type BackingStoreType string

const (
	// BackingStoreChainbase keeps contract rows in the in-memory object store.
	BackingStoreChainbase BackingStoreType = "chainbase"
	// BackingStoreRocksDB keeps contract rows in the ordered key-value store.
	BackingStoreRocksDB BackingStoreType = "rocksdb"
)

func ParseBackingStore(s string) (BackingStoreType, error) {
	switch b := BackingStoreType(strings.ToLower(strings.TrimSpace(s))); b {
	case BackingStoreChainbase, BackingStoreRocksDB:
		return b, nil
	case "":
		return BackingStoreChainbase, nil
	default:
		return "", fmt.Errorf("unknown backing store %q", s)
	}
}

// Table names. Registration order below is also the order tables appear in snapshots.
const (
	TableDatabaseHeader        = "database_header"
	TableGlobalProperty        = "global_property"
	TableDynamicGlobalProperty = "dynamic_global_property"
	TableAccount               = "account"
	TableAccountMetadata       = "account_metadata"
	TableCode                  = "code"
	TableBlockSummary          = "block_summary"
	TableKVDBConfig            = "kv_db_config"
	TableResourceUsage         = "resource_usage"
	TablePermission            = "permission"
)

// DatabaseHeaderVersion is the layout version written into new headers.
const DatabaseHeaderVersion = 1

type DatabaseHeader struct {
	objectstore.Base
	Version      uint32           `msgpack:"version"`
	BackingStore BackingStoreType `msgpack:"backing_store"`
}

type ChainConfig struct {
	MaxBlockNetUsage       uint64 `msgpack:"max_block_net_usage"`
	MaxBlockCPUUsage       uint32 `msgpack:"max_block_cpu_usage"`
	MaxTransactionLifetime uint32 `msgpack:"max_transaction_lifetime"`
}

type GlobalProperty struct {
	objectstore.Base
	ChainID       []byte      `msgpack:"chain_id,omitempty"`
	Configuration ChainConfig `msgpack:"configuration"`
}

type DynamicGlobalProperty struct {
	objectstore.Base
	GlobalActionSequence uint64 `msgpack:"global_action_sequence"`
}

type Account struct {
	objectstore.Base
	Name         common.Name `msgpack:"name"`
	CreationDate uint32      `msgpack:"creation_date"`
	Privileged   bool        `msgpack:"privileged"`
}

type AccountMetadata struct {
	objectstore.Base
	Name         common.Name `msgpack:"name"`
	RecvSequence uint64      `msgpack:"recv_sequence"`
	AuthSequence uint64      `msgpack:"auth_sequence"`
	CodeSequence uint32      `msgpack:"code_sequence"`
	CodeHash     []byte      `msgpack:"code_hash"`
	VMType       uint8       `msgpack:"vm_type"`
}

type Code struct {
	objectstore.Base
	CodeHash []byte `msgpack:"code_hash"`
	Code     []byte `msgpack:"code"`
	RefCount uint64 `msgpack:"ref_count"`
}

type BlockSummary struct {
	objectstore.Base
	BlockID []byte `msgpack:"block_id"`
}

type KVDBConfig struct {
	objectstore.Base
	Limits kv.Limits `msgpack:"limits"`
}

type ResourceUsage struct {
	objectstore.Base
	Owner    common.Name `msgpack:"owner"`
	RAMUsage int64       `msgpack:"ram_usage"`
	// RAMQuota below zero means unlimited.
	RAMQuota int64 `msgpack:"ram_quota"`
}

type Permission struct {
	objectstore.Base
	Owner     common.Name    `msgpack:"owner"`
	Name      common.Name    `msgpack:"name"`
	Parent    objectstore.ID `msgpack:"parent"`
	Threshold uint32         `msgpack:"threshold"`
	Keys      []string       `msgpack:"keys"`
}

// GenesisState is the chain's initial configuration. Legacy snapshots carry it
// in a section of its own.
type GenesisState struct {
	InitialTimestamp     uint32      `msgpack:"initial_timestamp"`
	InitialKey           string      `msgpack:"initial_key"`
	InitialConfiguration ChainConfig `msgpack:"initial_configuration"`
}

// ChainID is the hash of the encoded genesis state.
func (g *GenesisState) ChainID() ([]byte, error) {
	raw, err := snapshot.EncodeRow(g)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// first returns the row with the lowest id of a singleton table.
func first[T any](t *objectstore.Table[T]) (T, bool) {
	var (
		out   T
		found bool
	)
	t.Walk(func(row T) bool {
		out, found = row, true
		return false
	})
	return out, found
}

func nameKey(n common.Name) string { return string(n.Bytes()) }

// Tables holds the typed handles of every built-in table.
type Tables struct {
	Header                *objectstore.Table[DatabaseHeader]
	GlobalProperty        *objectstore.Table[GlobalProperty]
	DynamicGlobalProperty *objectstore.Table[DynamicGlobalProperty]
	Account               *objectstore.Table[Account]
	AccountMetadata       *objectstore.Table[AccountMetadata]
	Code                  *objectstore.Table[Code]
	BlockSummary          *objectstore.Table[BlockSummary]
	KVDBConfig            *objectstore.Table[KVDBConfig]
	ResourceUsage         *objectstore.Table[ResourceUsage]
	Permission            *objectstore.Table[Permission]
	KV                    *objectstore.Table[kv.Object]
}

func newTables() *Tables {
	return &Tables{
		Header:                objectstore.NewTable[DatabaseHeader](TableDatabaseHeader),
		GlobalProperty:        objectstore.NewTable[GlobalProperty](TableGlobalProperty),
		DynamicGlobalProperty: objectstore.NewTable[DynamicGlobalProperty](TableDynamicGlobalProperty),
		Account: objectstore.NewTable[Account](TableAccount,
			objectstore.WithUniqueIndex("by_name", func(a *Account) string { return nameKey(a.Name) })),
		AccountMetadata: objectstore.NewTable[AccountMetadata](TableAccountMetadata,
			objectstore.WithUniqueIndex("by_name", func(a *AccountMetadata) string { return nameKey(a.Name) })),
		Code: objectstore.NewTable[Code](TableCode,
			objectstore.WithUniqueIndex("by_code_hash", func(c *Code) string { return hex.EncodeToString(c.CodeHash) })),
		BlockSummary: objectstore.NewTable[BlockSummary](TableBlockSummary),
		KVDBConfig:   objectstore.NewTable[KVDBConfig](TableKVDBConfig),
		ResourceUsage: objectstore.NewTable[ResourceUsage](TableResourceUsage,
			objectstore.WithUniqueIndex("by_owner", func(r *ResourceUsage) string { return nameKey(r.Owner) })),
		Permission: objectstore.NewTable[Permission](TablePermission,
			objectstore.WithUniqueIndex("by_owner_name", func(p *Permission) string {
				return nameKey(p.Owner) + nameKey(p.Name)
			})),
		KV: kv.NewObjectTable(),
	}
}

// all returns every table in registration order.
func (t *Tables) all() []objectstore.AnyTable {
	return []objectstore.AnyTable{
		t.Header,
		t.GlobalProperty,
		t.DynamicGlobalProperty,
		t.Account,
		t.AccountMetadata,
		t.Code,
		t.BlockSummary,
		t.KVDBConfig,
		t.ResourceUsage,
		t.Permission,
		t.KV,
	}
}

// core returns the tables the combined database snapshots itself. Permission
// and resource usage rows are written by their managers and contract rows
// by the contract section.
func (t *Tables) core() []objectstore.AnyTable {
	return t.all()[:8]
}
