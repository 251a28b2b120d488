package chain

import (
	"errors"
	"fmt"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/objectstore"
	"github.com/mezonai/combinedb/snapshot"
)

var ErrPermissionNotFound = errors.New("permission not found")

// AuthorizationManager keeps the permission rows of every account.
type AuthorizationManager struct {
	table *objectstore.Table[Permission]
}

func NewAuthorizationManager(db *CombinedDatabase) *AuthorizationManager {
	return &AuthorizationManager{table: db.tables.Permission}
}

func permissionKey(owner, name common.Name) string {
	return nameKey(owner) + nameKey(name)
}

// CreatePermission adds permission name to owner. parent is empty for a root
// permission; otherwise it must already exist under owner.
func (m *AuthorizationManager) CreatePermission(owner, name, parent common.Name, threshold uint32, keys []string) (Permission, error) {
	var parentID objectstore.ID
	if parent != 0 {
		p, err := m.FindPermission(owner, parent)
		if err != nil {
			return Permission{}, fmt.Errorf("parent of %s@%s: %w", owner, name, err)
		}
		parentID = p.ID
	}
	return m.table.Emplace(func(p *Permission) {
		p.Owner = owner
		p.Name = name
		p.Parent = parentID
		p.Threshold = threshold
		p.Keys = append([]string(nil), keys...)
	})
}

func (m *AuthorizationManager) FindPermission(owner, name common.Name) (Permission, error) {
	p, ok, err := m.table.FindBy("by_owner_name", permissionKey(owner, name))
	if err != nil {
		return Permission{}, err
	}
	if !ok {
		return Permission{}, fmt.Errorf("%s@%s: %w", owner, name, ErrPermissionNotFound)
	}
	return p, nil
}

func (m *AuthorizationManager) RemovePermission(owner, name common.Name) error {
	p, err := m.FindPermission(owner, name)
	if err != nil {
		return err
	}
	return m.table.Remove(p.ID)
}

func (m *AuthorizationManager) AddToSnapshot(w *snapshot.Writer) error {
	return writeTable(w, m.table)
}

func (m *AuthorizationManager) ReadFromSnapshot(r *snapshot.Reader) (func() error, error) {
	return readTable(r, m.table)
}
