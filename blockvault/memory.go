package blockvault

import (
	"bytes"
	"context"
	"os"
	"sort"
	"sync"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/logx"
)

type blockRow struct {
	wm         Watermark
	lib        uint32
	num        uint32
	id         []byte
	previousID []byte
	block      []byte
}

type snapshotRow struct {
	wm   Watermark
	data []byte
}

// MemoryBackend keeps the archive in process memory. It accepts, refuses and
// prunes exactly like PostgresBackend.
type MemoryBackend struct {
	mu        sync.Mutex
	blocks    []blockRow
	snapshots []snapshotRow
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) hasID(id []byte) bool {
	for _, b := range m.blocks {
		if bytes.Equal(b.id, id) {
			return true
		}
	}
	return false
}

func (m *MemoryBackend) ProposeConstructedBlock(_ context.Context, wm Watermark, lib uint32, block, id, previousID []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if b.wm.BlockNum >= wm.BlockNum || b.wm.Timestamp >= wm.Timestamp || b.lib > lib {
			return false
		}
	}
	if m.hasID(id) {
		logx.Warn(logCategory, "block ", common.ShortID(id), " is already present")
		return false
	}
	m.blocks = append(m.blocks, blockRow{
		wm: wm, lib: lib, num: wm.BlockNum,
		id: bytes.Clone(id), previousID: bytes.Clone(previousID), block: bytes.Clone(block),
	})
	return true
}

func (m *MemoryBackend) AppendExternalBlock(_ context.Context, blockNum, lib uint32, block, id, previousID []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var wm Watermark
	for _, b := range m.blocks {
		if b.lib >= blockNum {
			return false
		}
		wm.BlockNum = max(wm.BlockNum, b.wm.BlockNum)
		wm.Timestamp = max(wm.Timestamp, b.wm.Timestamp)
	}
	if m.hasID(id) {
		logx.Warn(logCategory, "block ", common.ShortID(id), " is already present")
		return false
	}
	m.blocks = append(m.blocks, blockRow{
		wm: wm, lib: lib, num: blockNum,
		id: bytes.Clone(id), previousID: bytes.Clone(previousID), block: bytes.Clone(block),
	})
	return true
}

func (m *MemoryBackend) ProposeSnapshot(_ context.Context, wm Watermark, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		logx.Error(logCategory, "read snapshot ", path, ": ", err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots {
		if s.wm.BlockNum >= wm.BlockNum || s.wm.Timestamp >= wm.Timestamp {
			return false
		}
	}
	m.snapshots = append(m.snapshots, snapshotRow{wm: wm, data: data})

	blocks := m.blocks[:0]
	for _, b := range m.blocks {
		if b.wm.BlockNum > wm.BlockNum && b.wm.Timestamp > wm.Timestamp {
			blocks = append(blocks, b)
		}
	}
	m.blocks = blocks
	snapshots := m.snapshots[:0]
	for _, s := range m.snapshots {
		if s.wm.BlockNum >= wm.BlockNum && s.wm.Timestamp >= wm.Timestamp {
			snapshots = append(snapshots, s)
		}
	}
	m.snapshots = snapshots
	return true
}

func (m *MemoryBackend) Sync(ctx context.Context, previousID []byte, cb SyncCallback) error {
	m.mu.Lock()
	var (
		snapshot []byte
		blocks   []blockRow
	)
	switch wm, found := m.syncWatermark(previousID); {
	case found:
		for _, b := range m.blocks {
			if b.wm.BlockNum >= wm.BlockNum && b.wm.Timestamp >= wm.Timestamp {
				blocks = append(blocks, b)
			}
		}
	case len(previousID) > 0 && m.hasID(previousID):
		m.mu.Unlock()
		return nil
	default:
		if latest := m.latestSnapshot(); latest != nil {
			snapshot = latest.data
		}
		blocks = append(blocks, m.blocks...)
	}
	m.mu.Unlock()

	if snapshot != nil {
		if err := deliverSnapshot(snapshot, cb); err != nil {
			return err
		}
	}
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].num < blocks[j].num })
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cb.OnBlock(b.block); err != nil {
			return err
		}
	}
	return nil
}

// syncWatermark is the lowest watermark of a block built on previousID.
func (m *MemoryBackend) syncWatermark(previousID []byte) (Watermark, bool) {
	var (
		wm    Watermark
		found bool
	)
	if len(previousID) == 0 {
		return wm, false
	}
	for _, b := range m.blocks {
		if !bytes.Equal(b.previousID, previousID) {
			continue
		}
		if !found || b.wm.BlockNum < wm.BlockNum ||
			(b.wm.BlockNum == wm.BlockNum && b.wm.Timestamp < wm.Timestamp) {
			wm, found = b.wm, true
		}
	}
	return wm, found
}

func (m *MemoryBackend) latestSnapshot() *snapshotRow {
	var latest *snapshotRow
	for i := range m.snapshots {
		s := &m.snapshots[i]
		if latest == nil || s.wm.BlockNum > latest.wm.BlockNum ||
			(s.wm.BlockNum == latest.wm.BlockNum && s.wm.Timestamp > latest.wm.Timestamp) {
			latest = s
		}
	}
	return latest
}

func (m *MemoryBackend) Close() error { return nil }
