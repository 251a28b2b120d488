package chain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/db"
	"github.com/mezonai/combinedb/kv"
	"github.com/mezonai/combinedb/logx"
	"github.com/mezonai/combinedb/objectstore"
	"github.com/mezonai/combinedb/snapshot"
)

// Sections that do not map onto a single table.
const (
	SectionBlockState   = "block_state"
	SectionGenesisState = "genesis_state"
	SectionContractKV   = "contract_kv"
)

const (
	// SnapshotVersionLegacy predates contract rows in snapshots and carries the genesis state.
	SnapshotVersionLegacy  uint32 = 1
	SnapshotVersionCurrent uint32 = 2
)

var ErrBlockLogMismatch = errors.New("block log does not contain the snapshot head")

// SnapshotFormats knows every snapshot version this database can read.
var SnapshotFormats = snapshot.NewRegistry(
	snapshot.Format{
		Version: SnapshotVersionLegacy,
		Legacy:  true,
		Sections: []string{
			SectionBlockState,
			SectionGenesisState,
			TableGlobalProperty,
			TableDynamicGlobalProperty,
			TableAccount,
			TableAccountMetadata,
			TableCode,
			TableBlockSummary,
			TablePermission,
			TableResourceUsage,
		},
	},
	snapshot.Format{
		Version: SnapshotVersionCurrent,
		Sections: []string{
			SectionBlockState,
			TableDatabaseHeader,
			TableGlobalProperty,
			TableDynamicGlobalProperty,
			TableAccount,
			TableAccountMetadata,
			TableCode,
			TableBlockSummary,
			TableKVDBConfig,
			SectionContractKV,
			TablePermission,
			TableResourceUsage,
		},
	},
)

// SnapshotContributor is a component writing and reading its own sections.
// ReadFromSnapshot only decodes; state changes when the returned apply runs.
type SnapshotContributor interface {
	AddToSnapshot(w *snapshot.Writer) error
	ReadFromSnapshot(r *snapshot.Reader) (apply func() error, err error)
}

// contractRow is the backend-neutral form of a contract row, so a snapshot
// taken with one backing store restores into the other.
type contractRow struct {
	Contract common.Name `msgpack:"contract"`
	Key      []byte      `msgpack:"key"`
	Value    []byte      `msgpack:"value"`
	Payer    common.Name `msgpack:"payer"`
}

func writeTable(w *snapshot.Writer, t objectstore.AnyTable) error {
	return w.WriteSection(t.Name(), func(s *snapshot.SectionWriter) error {
		var err error
		t.WalkAny(func(row any) bool {
			err = s.AddObject(row)
			return err == nil
		})
		return err
	})
}

// readTable decodes the rows of t's section. The returned apply replaces the
// content of t with them.
func readTable(r *snapshot.Reader, t objectstore.AnyTable) (func() error, error) {
	var rows []any
	err := r.ReadSection(t.Name(), func(s *snapshot.SectionReader) error {
		for !s.Empty() {
			row := t.NewRow()
			if err := s.ReadObject(row); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() error { return replaceRows(t, rows) }, nil
}

func replaceRows(t objectstore.AnyTable, rows []any) error {
	if err := t.Clear(); err != nil {
		return err
	}
	for _, row := range rows {
		if err := t.InsertAny(row); err != nil {
			return err
		}
	}
	return nil
}

// AddToSnapshot writes the current format: the head block, every core table,
// the contract rows and then the sections of authorization and resourceLimits.
// Rows follow primary key order and contract rows follow (account, key) order,
// so equal states produce identical snapshots.
func (d *CombinedDatabase) AddToSnapshot(w *snapshot.Writer, head BlockState, authorization, resourceLimits SnapshotContributor) error {
	if w.Version() != SnapshotVersionCurrent {
		return fmt.Errorf("write snapshot version %d: %w", w.Version(), snapshot.ErrUnsupportedVersion)
	}
	if err := w.WriteSection(SectionBlockState, func(s *snapshot.SectionWriter) error {
		return s.AddObject(&head)
	}); err != nil {
		return err
	}
	for _, t := range d.tables.core() {
		if err := writeTable(w, t); err != nil {
			return err
		}
	}
	if err := w.WriteSection(SectionContractKV, d.writeContractRows); err != nil {
		return err
	}
	if err := authorization.AddToSnapshot(w); err != nil {
		return err
	}
	if err := resourceLimits.AddToSnapshot(w); err != nil {
		return err
	}
	logx.Info("SNAPSHOT", "added state at ", head, " revision ", d.Revision())
	return nil
}

func (d *CombinedDatabase) writeContractRows(s *snapshot.SectionWriter) error {
	if d.backingStore == BackingStoreChainbase {
		var err error
		walkErr := d.tables.KV.WalkIndex(kv.ByKeyIndex, "", "", func(o kv.Object) bool {
			err = s.AddObject(&contractRow{Contract: o.Contract, Key: o.Key, Value: o.Value, Payer: o.Payer})
			return err == nil
		})
		if walkErr != nil {
			return walkErr
		}
		return err
	}

	if d.provider == nil {
		return ErrNoKVStore
	}
	prefix := kv.ContractPrefix()
	it := d.provider.NewIterator(prefix, db.PrefixUpperBound(prefix))
	defer it.Release()
	for it.Next() {
		account, key, err := kv.SplitContractKey(it.Key())
		if err != nil {
			return err
		}
		payer, value, err := kv.DecodeStoreValue(it.Value())
		if err != nil {
			return err
		}
		if err := s.AddObject(&contractRow{Contract: account, Key: key, Value: value, Payer: payer}); err != nil {
			return err
		}
	}
	return it.Error()
}

// ReadFromSnapshot replaces the whole state with the snapshot's. blogStart and
// blogEnd describe the block log next to the state; when it holds blocks it
// must contain the snapshot head or the block after it. The fork database is
// reset to the head and both revisions are set to the head block number.
func (d *CombinedDatabase) ReadFromSnapshot(r *snapshot.Reader, blogStart, blogEnd uint32,
	authorization, resourceLimits SnapshotContributor, forkDB *ForkDatabase) (BlockState, []byte, error) {
	var head BlockState

	format, err := SnapshotFormats.Lookup(r.Version())
	if err != nil {
		return head, nil, err
	}
	if err := format.Check(r); err != nil {
		return head, nil, err
	}
	if d.objects.UndoDepth() > 0 || (d.kvStack != nil && !d.kvStack.Empty()) {
		return head, nil, fmt.Errorf("read snapshot: %w", ErrPendingUndo)
	}

	if err := r.ReadSection(SectionBlockState, func(s *snapshot.SectionReader) error {
		return s.ReadObject(&head)
	}); err != nil {
		return head, nil, err
	}
	if blogEnd > 0 && !(blogStart <= head.BlockNum+1 && head.BlockNum <= blogEnd) {
		return head, nil, fmt.Errorf("log holds [%d, %d], snapshot head is %d: %w",
			blogStart, blogEnd, head.BlockNum, ErrBlockLogMismatch)
	}

	var genesis *GenesisState
	if format.Legacy {
		genesis = &GenesisState{}
		if err := r.ReadSection(SectionGenesisState, func(s *snapshot.SectionReader) error {
			return s.ReadObject(genesis)
		}); err != nil {
			return head, nil, err
		}
	}

	// every section is decoded before the first write, so a corrupt snapshot
	// leaves the current state untouched
	var staged []func() error
	for _, t := range d.tables.core() {
		if !format.Has(t.Name()) {
			staged = append(staged, t.Clear)
			continue
		}
		apply, err := readTable(r, t)
		if err != nil {
			return head, nil, err
		}
		staged = append(staged, apply)
	}

	var rows []contractRow
	if format.Has(SectionContractKV) {
		if err := r.ReadSection(SectionContractKV, func(s *snapshot.SectionReader) error {
			var err error
			rows, err = readContractRows(s)
			return err
		}); err != nil {
			return head, nil, err
		}
	}
	staged = append(staged, func() error { return d.replaceContractRows(rows) })

	for _, c := range []SnapshotContributor{authorization, resourceLimits} {
		apply, err := c.ReadFromSnapshot(r)
		if err != nil {
			return head, nil, err
		}
		staged = append(staged, apply)
	}
	if err := r.Done(); err != nil {
		return head, nil, err
	}

	for _, apply := range staged {
		if err := apply(); err != nil {
			return head, nil, fmt.Errorf("apply snapshot: %w", err)
		}
	}

	if err := d.finishRestore(genesis); err != nil {
		return head, nil, err
	}
	props, ok := first(d.tables.GlobalProperty)
	if !ok {
		return head, nil, fmt.Errorf("snapshot has no %s row", TableGlobalProperty)
	}

	forkDB.Reset(head)
	if err := d.SetRevision(int64(head.BlockNum)); err != nil {
		return head, nil, err
	}
	logx.Info("SNAPSHOT", "restored version ", r.Version(), " snapshot at ", head)
	return head, props.ChainID, nil
}

// finishRestore fills in what a legacy snapshot does not carry: the chain id
// derived from its genesis state, the database header and the kv limits. The
// header always records the configured backing store, which is where the
// contract rows were just loaded.
func (d *CombinedDatabase) finishRestore(genesis *GenesisState) error {
	if genesis != nil {
		chainID, err := genesis.ChainID()
		if err != nil {
			return err
		}
		if props, ok := first(d.tables.GlobalProperty); ok && len(props.ChainID) == 0 {
			if err := d.tables.GlobalProperty.Modify(props.ID, func(p *GlobalProperty) { p.ChainID = chainID }); err != nil {
				return err
			}
		}
	}
	if err := d.recordBackingStore(); err != nil {
		return err
	}
	if d.tables.KVDBConfig.Size() == 0 {
		return d.SetKVLimits(kv.DefaultLimits())
	}
	return nil
}

func (d *CombinedDatabase) clearContractRows() error {
	if err := d.tables.KV.Clear(); err != nil {
		return err
	}
	if d.provider == nil {
		return nil
	}
	tm := db.NewDBTxManager(d.provider)
	return tm.WithBatch(func(batch db.DatabaseBatch) error {
		return d.provider.IteratePrefix(kv.ContractPrefix(), func(key, _ []byte) bool {
			batch.Delete(bytes.Clone(key))
			return true
		})
	})
}

func readContractRows(s *snapshot.SectionReader) ([]contractRow, error) {
	var rows []contractRow
	for !s.Empty() {
		var row contractRow
		if err := s.ReadObject(&row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (d *CombinedDatabase) replaceContractRows(rows []contractRow) error {
	if d.backingStore != BackingStoreChainbase && d.provider == nil {
		return ErrNoKVStore
	}
	if err := d.clearContractRows(); err != nil {
		return err
	}
	if d.backingStore == BackingStoreChainbase {
		for _, row := range rows {
			if _, err := d.tables.KV.Emplace(func(o *kv.Object) {
				o.Contract = row.Contract
				o.Key = row.Key
				o.Value = row.Value
				if o.Value == nil {
					o.Value = []byte{}
				}
				o.Payer = row.Payer
			}); err != nil {
				return err
			}
		}
		return nil
	}

	// rows bypass the undo stack: there is nothing to undo to before a restore
	tm := db.NewDBTxManager(d.provider)
	const batchRows = 1024
	for start := 0; start < len(rows); start += batchRows {
		chunk := rows[start:min(start+batchRows, len(rows))]
		if err := tm.WithBatch(func(batch db.DatabaseBatch) error {
			for _, row := range chunk {
				batch.Put(kv.ContractKey(row.Contract, row.Key), kv.EncodeStoreValue(row.Payer, row.Value))
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// ExtractLegacyGenesisState returns the genesis state of a legacy snapshot
// without consuming any section, or nil for formats that do not carry one.
func ExtractLegacyGenesisState(r *snapshot.Reader) (*GenesisState, error) {
	format, err := SnapshotFormats.Lookup(r.Version())
	if err != nil {
		return nil, err
	}
	if !format.Legacy {
		return nil, nil
	}
	genesis := &GenesisState{}
	if err := r.PeekSection(SectionGenesisState, func(s *snapshot.SectionReader) error {
		return s.ReadObject(genesis)
	}); err != nil {
		return nil, err
	}
	return genesis, nil
}

// ReadSnapshotHead returns the head block of a snapshot without consuming any section.
func ReadSnapshotHead(r *snapshot.Reader) (BlockState, error) {
	var head BlockState
	err := r.PeekSection(SectionBlockState, func(s *snapshot.SectionReader) error {
		return s.ReadObject(&head)
	})
	return head, err
}
