package chain

import (
	"fmt"

	"github.com/mezonai/combinedb/common"
)

// BlockState identifies a block the chain state was built from.
type BlockState struct {
	BlockNum  uint32 `msgpack:"block_num"`
	ID        []byte `msgpack:"id"`
	Previous  []byte `msgpack:"previous"`
	Timestamp uint32 `msgpack:"timestamp"`
}

func (b BlockState) String() string {
	return fmt.Sprintf("#%d %s", b.BlockNum, common.EncodeID(b.ID))
}

// ForkDatabase tracks the reversible head. Only the head matters to the
// combined database: restoring a snapshot resets it.
type ForkDatabase struct {
	head *BlockState
}

func NewForkDatabase() *ForkDatabase {
	return &ForkDatabase{}
}

// Reset drops every reversible block and makes head the new root.
func (f *ForkDatabase) Reset(head BlockState) {
	h := head
	f.head = &h
}

func (f *ForkDatabase) Head() (BlockState, bool) {
	if f.head == nil {
		return BlockState{}, false
	}
	return *f.head, true
}
