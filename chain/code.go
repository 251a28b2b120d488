package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/logx"
	"github.com/mezonai/combinedb/objectstore"
	"github.com/tetratelabs/wazero"
)

var (
	ErrInvalidCode     = errors.New("invalid wasm module")
	ErrAccountNotFound = errors.New("account metadata not found")
)

// CodeManager stores contract code deduplicated by hash. Each account's
// metadata points at a code row, and a row lives while any account uses it.
type CodeManager struct {
	code     *objectstore.Table[Code]
	metadata *objectstore.Table[AccountMetadata]
	runtime  wazero.Runtime
}

func NewCodeManager(ctx context.Context, db *CombinedDatabase) *CodeManager {
	return &CodeManager{
		code:     db.tables.Code,
		metadata: db.tables.AccountMetadata,
		runtime:  wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter()),
	}
}

func (m *CodeManager) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// Validate compiles code without instantiating it.
func (m *CodeManager) Validate(ctx context.Context, code []byte) error {
	compiled, err := m.runtime.CompileModule(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	return compiled.Close(ctx)
}

func codeHash(code []byte) []byte {
	sum := sha256.Sum256(code)
	return sum[:]
}

func (m *CodeManager) findCode(hash []byte) (Code, bool) {
	row, ok, _ := m.code.FindBy("by_code_hash", hex.EncodeToString(hash))
	return row, ok
}

// Code returns the code account currently runs, or nil when it has none.
func (m *CodeManager) Code(account common.Name) ([]byte, error) {
	meta, ok, err := m.metadata.FindBy("by_name", nameKey(account))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", account, ErrAccountNotFound)
	}
	if len(meta.CodeHash) == 0 {
		return nil, nil
	}
	row, ok := m.findCode(meta.CodeHash)
	if !ok {
		return nil, fmt.Errorf("%s: code %x is missing", account, meta.CodeHash)
	}
	return bytes.Clone(row.Code), nil
}

// SetCode installs code for account, or clears it when code is empty. It
// returns the new code hash.
func (m *CodeManager) SetCode(ctx context.Context, account common.Name, code []byte) ([]byte, error) {
	meta, ok, err := m.metadata.FindBy("by_name", nameKey(account))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", account, ErrAccountNotFound)
	}

	var hash []byte
	if len(code) > 0 {
		hash = codeHash(code)
		if bytes.Equal(hash, meta.CodeHash) {
			return hash, nil
		}
		if err := m.Validate(ctx, code); err != nil {
			return nil, err
		}
		if err := m.retain(hash, code); err != nil {
			return nil, err
		}
	} else if len(meta.CodeHash) == 0 {
		return nil, nil
	}

	if len(meta.CodeHash) > 0 {
		if err := m.release(meta.CodeHash); err != nil {
			return nil, err
		}
	}
	if err := m.metadata.Modify(meta.ID, func(a *AccountMetadata) {
		a.CodeHash = hash
		a.CodeSequence++
	}); err != nil {
		return nil, err
	}
	logx.Info("CODE", "set code of ", account, " to ", hex.EncodeToString(hash))
	return hash, nil
}

func (m *CodeManager) retain(hash, code []byte) error {
	if row, ok := m.findCode(hash); ok {
		return m.code.Modify(row.ID, func(c *Code) { c.RefCount++ })
	}
	_, err := m.code.Emplace(func(c *Code) {
		c.CodeHash = hash
		c.Code = bytes.Clone(code)
		c.RefCount = 1
	})
	return err
}

func (m *CodeManager) release(hash []byte) error {
	row, ok := m.findCode(hash)
	if !ok {
		return nil
	}
	if row.RefCount <= 1 {
		return m.code.Remove(row.ID)
	}
	return m.code.Modify(row.ID, func(c *Code) { c.RefCount-- })
}
