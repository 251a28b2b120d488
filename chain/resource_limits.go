package chain

import (
	"fmt"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/kv"
	"github.com/mezonai/combinedb/objectstore"
	"github.com/mezonai/combinedb/snapshot"
)

// ResourceLimitsManager tracks RAM usage per account in resource_usage rows.
// It is the resource manager handed to kv contexts, so contract storage is
// billed in the same undo sessions as the rows it pays for.
type ResourceLimitsManager struct {
	table *objectstore.Table[ResourceUsage]
}

var _ kv.ResourceManager = (*ResourceLimitsManager)(nil)

func NewResourceLimitsManager(db *CombinedDatabase) *ResourceLimitsManager {
	return &ResourceLimitsManager{table: db.tables.ResourceUsage}
}

func (m *ResourceLimitsManager) find(owner common.Name) (ResourceUsage, bool) {
	row, ok, _ := m.table.FindBy("by_owner", nameKey(owner))
	return row, ok
}

// SetRAMQuota sets owner's quota in bytes; a negative quota is unlimited.
func (m *ResourceLimitsManager) SetRAMQuota(owner common.Name, quota int64) error {
	if row, ok := m.find(owner); ok {
		return m.table.Modify(row.ID, func(r *ResourceUsage) { r.RAMQuota = quota })
	}
	_, err := m.table.Emplace(func(r *ResourceUsage) {
		r.Owner = owner
		r.RAMQuota = quota
	})
	return err
}

// RAMUsage returns owner's usage and quota.
func (m *ResourceLimitsManager) RAMUsage(owner common.Name) (usage, quota int64) {
	row, ok := m.find(owner)
	if !ok {
		return 0, -1
	}
	return row.RAMUsage, row.RAMQuota
}

func (m *ResourceLimitsManager) UpdateUsage(payer common.Name, delta int64) error {
	if delta == 0 {
		return nil
	}
	row, ok := m.find(payer)
	if !ok {
		if delta < 0 {
			return fmt.Errorf("refund %d to %s without usage", -delta, payer)
		}
		_, err := m.table.Emplace(func(r *ResourceUsage) {
			r.Owner = payer
			r.RAMUsage = delta
			r.RAMQuota = -1
		})
		return err
	}
	next := row.RAMUsage + delta
	if delta > 0 && row.RAMQuota >= 0 && next > row.RAMQuota {
		return fmt.Errorf("%s needs %d bytes, quota is %d: %w", payer, next, row.RAMQuota, kv.ErrInsufficientRAM)
	}
	if next < 0 {
		return fmt.Errorf("usage of %s would drop to %d", payer, next)
	}
	return m.table.Modify(row.ID, func(r *ResourceUsage) { r.RAMUsage = next })
}

func (m *ResourceLimitsManager) AddToSnapshot(w *snapshot.Writer) error {
	return writeTable(w, m.table)
}

func (m *ResourceLimitsManager) ReadFromSnapshot(r *snapshot.Reader) (func() error, error) {
	return readTable(r, m.table)
}
