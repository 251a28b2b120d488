package chain

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/kv"
	"github.com/mezonai/combinedb/objectstore"
	"github.com/mezonai/combinedb/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHead = BlockState{BlockNum: 120, ID: []byte{0xaa, 0x01}, Previous: []byte{0xaa, 0x00}, Timestamp: 5000}

func writeSnapshot(t *testing.T, d *CombinedDatabase) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := snapshot.NewWriter(&buf, SnapshotVersionCurrent)
	require.NoError(t, err)
	require.NoError(t, d.AddToSnapshot(w, testHead, NewAuthorizationManager(d), NewResourceLimitsManager(d)))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func readSnapshot(t *testing.T, d *CombinedDatabase, raw []byte, blogStart, blogEnd uint32) (BlockState, []byte, error) {
	t.Helper()
	r, err := snapshot.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	return d.ReadFromSnapshot(r, blogStart, blogEnd, NewAuthorizationManager(d), NewResourceLimitsManager(d), NewForkDatabase())
}

func TestSnapshot_RoundTripReproducesState(t *testing.T) {
	eachBackingStore(t, func(t *testing.T, src *CombinedDatabase) {
		seedChainState(t, src)
		raw := writeSnapshot(t, src)

		for name, dst := range map[string]*CombinedDatabase{"rocksdb": openHybrid(t), "chainbase": openMemory(t)} {
			t.Run("into "+name, func(t *testing.T) {
				forkDB := NewForkDatabase()
				r, err := snapshot.NewReader(bytes.NewReader(raw))
				require.NoError(t, err)
				head, chainID, err := dst.ReadFromSnapshot(r, 0, 0, NewAuthorizationManager(dst), NewResourceLimitsManager(dst), forkDB)
				require.NoError(t, err)

				assert.Equal(t, testHead, head)
				assert.Equal(t, []byte{0xc0, 0xff, 0xee}, chainID)
				forkHead, ok := forkDB.Head()
				require.True(t, ok)
				assert.Equal(t, testHead, forkHead)
				assert.Equal(t, int64(testHead.BlockNum), dst.Revision())

				for _, tbl := range []string{TableGlobalProperty, TableDynamicGlobalProperty, TableAccount,
					TableAccountMetadata, TableCode, TableBlockSummary, TableKVDBConfig, TablePermission, TableResourceUsage} {
					want, err := src.Objects().Table(tbl)
					require.NoError(t, err)
					got, err := dst.Objects().Table(tbl)
					require.NoError(t, err)
					assert.Equal(t, tableRows(want), tableRows(got), tbl)
				}
				for _, account := range []common.Name{token, bob} {
					assert.Equal(t, contractRows(t, src, account), contractRows(t, dst, account))
				}

				header, ok := first(dst.Tables().Header)
				require.True(t, ok)
				assert.Equal(t, dst.BackingStore(), header.BackingStore)
				require.NoError(t, dst.CheckBackingStoreSetting())

				if dst.BackingStore() == src.BackingStore() {
					assert.Equal(t, raw, writeSnapshot(t, dst), "same state, same bytes")
				}
			})
		}
	})
}

func TestSnapshot_RestoreReplacesExistingState(t *testing.T) {
	src := openHybrid(t)
	seedChainState(t, src)
	raw := writeSnapshot(t, src)

	dst := openHybrid(t)
	c := kvContext(t, dst, token)
	set(t, c, "stale", "row")
	_, err := dst.Tables().Account.Emplace(func(a *Account) { a.Name = common.MustName("stale") })
	require.NoError(t, err)

	_, _, err = readSnapshot(t, dst, raw, 0, 0)
	require.NoError(t, err)
	_, ok := get(t, c, "stale")
	assert.False(t, ok)
	assert.Equal(t, 3, dst.Tables().Account.Size())
}

// withCorruptRow copies raw, replacing the rows of section with one byte no
// msgpack value starts with.
func withCorruptRow(t *testing.T, raw []byte, section string) []byte {
	t.Helper()
	r, err := snapshot.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	var buf bytes.Buffer
	w, err := snapshot.NewWriter(&buf, r.Version())
	require.NoError(t, err)
	for _, name := range r.Sections() {
		var rows [][]byte
		require.NoError(t, r.ReadSection(name, func(s *snapshot.SectionReader) error {
			for !s.Empty() {
				row, err := s.ReadRow()
				if err != nil {
					return err
				}
				rows = append(rows, row)
			}
			return nil
		}))
		if name == section {
			rows = [][]byte{{0xc1}}
		}
		require.NoError(t, w.WriteSection(name, func(s *snapshot.SectionWriter) error {
			for _, row := range rows {
				s.AddRow(row)
			}
			return nil
		}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestSnapshot_CorruptSectionLeavesStateUntouched(t *testing.T) {
	src := openMemory(t)
	seedChainState(t, src)
	raw := withCorruptRow(t, writeSnapshot(t, src), TablePermission)

	eachBackingStore(t, func(t *testing.T, dst *CombinedDatabase) {
		c := kvContext(t, dst, alice)
		set(t, c, "keep", "me")
		_, err := dst.Tables().Account.Emplace(func(a *Account) { a.Name = alice })
		require.NoError(t, err)
		before := captureState(t, dst)

		_, _, err = readSnapshot(t, dst, raw, 0, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), TablePermission)

		v, ok := get(t, c, "keep")
		assert.True(t, ok)
		assert.Equal(t, "me", v)
		assert.Equal(t, 1, dst.Tables().Account.Size())
		assert.Equal(t, before, captureState(t, dst))
	})
}

func TestSnapshot_RestoreRequiresNoPendingUndo(t *testing.T) {
	src := openHybrid(t)
	seedChainState(t, src)
	raw := writeSnapshot(t, src)

	dst := openHybrid(t)
	s := dst.MakeSession()
	defer s.Close()
	_, _, err := readSnapshot(t, dst, raw, 0, 0)
	assert.True(t, errors.Is(err, ErrPendingUndo))
}

func TestSnapshot_BlockLogMustCoverHead(t *testing.T) {
	src := openMemory(t)
	seedChainState(t, src)
	raw := writeSnapshot(t, src)

	_, _, err := readSnapshot(t, openMemory(t), raw, 1, 100)
	assert.True(t, errors.Is(err, ErrBlockLogMismatch))
	_, _, err = readSnapshot(t, openMemory(t), raw, 122, 500)
	assert.True(t, errors.Is(err, ErrBlockLogMismatch))

	_, _, err = readSnapshot(t, openMemory(t), raw, 121, 500)
	require.NoError(t, err, "log starting right after the head")
	_, _, err = readSnapshot(t, openMemory(t), raw, 1, 120)
	require.NoError(t, err, "log ending at the head")
}

func TestSnapshot_MissingOrReorderedSectionsAreRejected(t *testing.T) {
	var buf bytes.Buffer
	w, err := snapshot.NewWriter(&buf, SnapshotVersionCurrent)
	require.NoError(t, err)
	require.NoError(t, w.WriteSection(SectionBlockState, func(s *snapshot.SectionWriter) error {
		return s.AddObject(&testHead)
	}))
	require.NoError(t, w.WriteSection(TableGlobalProperty, func(*snapshot.SectionWriter) error { return nil }))
	require.NoError(t, w.Close())

	_, _, err = readSnapshot(t, openMemory(t), buf.Bytes(), 0, 0)
	assert.True(t, errors.Is(err, snapshot.ErrUnexpectedSection))

	buf.Reset()
	w, err = snapshot.NewWriter(&buf, 9)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, _, err = readSnapshot(t, openMemory(t), buf.Bytes(), 0, 0)
	assert.True(t, errors.Is(err, snapshot.ErrUnsupportedVersion))
}

// legacyFixture builds a version 1 snapshot: genesis state in its own section,
// no database header, no kv limits and no contract rows.
func legacyFixture(t *testing.T, genesis GenesisState) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := snapshot.NewWriter(&buf, SnapshotVersionLegacy)
	require.NoError(t, err)

	rows := map[string][]any{
		SectionBlockState:          {&testHead},
		SectionGenesisState:        {&genesis},
		TableGlobalProperty:        {&GlobalProperty{Configuration: genesis.InitialConfiguration}},
		TableDynamicGlobalProperty: {&DynamicGlobalProperty{GlobalActionSequence: 9}},
		TableAccount: {
			&Account{Base: objectstore.Base{ID: 0}, Name: common.MustName("eosio"), Privileged: true},
			&Account{Base: objectstore.Base{ID: 1}, Name: alice},
		},
		TableAccountMetadata: {&AccountMetadata{Name: common.MustName("eosio")}},
		TableCode:            nil,
		TableBlockSummary:    {&BlockSummary{BlockID: []byte{1}}},
		TablePermission:      {&Permission{Owner: alice, Name: common.MustName("owner"), Threshold: 1}},
		TableResourceUsage:   {&ResourceUsage{Owner: alice, RAMUsage: 10, RAMQuota: 1000}},
	}
	format, err := SnapshotFormats.Lookup(SnapshotVersionLegacy)
	require.NoError(t, err)
	for _, name := range format.Sections {
		require.NoError(t, w.WriteSection(name, func(s *snapshot.SectionWriter) error {
			for _, row := range rows[name] {
				if err := s.AddObject(row); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestSnapshot_LegacyFormat(t *testing.T) {
	genesis := GenesisState{
		InitialTimestamp:     1000,
		InitialKey:           "EOS6MRyAjQq8ud7hVNYcfnVPJqcVpscN5So8BhtHuGYqET5GDW5CV",
		InitialConfiguration: ChainConfig{MaxBlockNetUsage: 1 << 20, MaxBlockCPUUsage: 200000},
	}
	raw := legacyFixture(t, genesis)

	r, err := snapshot.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	extracted, err := ExtractLegacyGenesisState(r)
	require.NoError(t, err)
	require.NotNil(t, extracted)
	assert.Equal(t, genesis, *extracted)

	eachBackingStore(t, func(t *testing.T, d *CombinedDatabase) {
		head, chainID, err := readSnapshot(t, d, raw, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, testHead, head)

		wantID, err := genesis.ChainID()
		require.NoError(t, err)
		assert.Equal(t, wantID, chainID)

		assert.Equal(t, 2, d.Tables().Account.Size())
		assert.Equal(t, kv.DefaultLimits(), d.KVLimits())
		header, ok := first(d.Tables().Header)
		require.True(t, ok)
		assert.Equal(t, d.BackingStore(), header.BackingStore)
		assert.Empty(t, contractRows(t, d, alice))

		usage, quota := NewResourceLimitsManager(d).RAMUsage(alice)
		assert.Equal(t, int64(10), usage)
		assert.Equal(t, int64(1000), quota)
		_, err = NewAuthorizationManager(d).FindPermission(alice, common.MustName("owner"))
		require.NoError(t, err)

		// a restored legacy state is written back in the current format
		again := writeSnapshot(t, d)
		r, err := snapshot.NewReader(bytes.NewReader(again))
		require.NoError(t, err)
		assert.Equal(t, SnapshotVersionCurrent, r.Version())
		none, err := ExtractLegacyGenesisState(r)
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestSnapshot_WriterMustUseCurrentVersion(t *testing.T) {
	d := openMemory(t)
	var buf bytes.Buffer
	w, err := snapshot.NewWriter(&buf, SnapshotVersionLegacy)
	require.NoError(t, err)
	err = d.AddToSnapshot(w, testHead, NewAuthorizationManager(d), NewResourceLimitsManager(d))
	assert.True(t, errors.Is(err, snapshot.ErrUnsupportedVersion))
}
