// Package blockvault is the client side of the replicated block archive.
// Producers propose the blocks they build and the snapshots they take; a
// starting node syncs from the latest snapshot and the blocks after it.
//
// Archive failures never reach consensus-critical state: every proposal
// reports false instead of returning an error.
package blockvault

import (
	"context"
	"fmt"
	"os"
)

const logCategory = "BLOCKVAULT"

// Watermark is the (block number, timestamp) pair bounding what the archive
// accepts and what it prunes.
type Watermark struct {
	BlockNum  uint32
	Timestamp uint32
}

func (w Watermark) String() string {
	return fmt.Sprintf("(%d, %d)", w.BlockNum, w.Timestamp)
}

// SyncCallback receives what Sync streams: at most one snapshot, then blocks
// in ascending block number order. A returned error stops the sync.
type SyncCallback interface {
	OnSnapshot(path string) error
	OnBlock(block []byte) error
}

//go:generate mockgen -source=backend.go -destination=backend_mock.go -package=blockvault

// Backend is the archive contract.
type Backend interface {
	// ProposeConstructedBlock stores a locally produced block. It is refused
	// when the archive already holds a block at or past wm, or one with a
	// higher lib.
	ProposeConstructedBlock(ctx context.Context, wm Watermark, lib uint32, block, id, previousID []byte) bool
	// AppendExternalBlock stores a block received from another producer under
	// the current watermark. It is refused once lib has reached blockNum.
	AppendExternalBlock(ctx context.Context, blockNum, lib uint32, block, id, previousID []byte) bool
	// ProposeSnapshot stores the snapshot file at path and prunes what the
	// new watermark makes obsolete.
	ProposeSnapshot(ctx context.Context, wm Watermark, path string) bool
	// Sync streams what a node whose last block is previousID is missing.
	// An empty previousID, or one the archive does not know, gets the latest
	// snapshot and every block.
	Sync(ctx context.Context, previousID []byte, cb SyncCallback) error
	Close() error
}

// SyncFuncs adapts two functions to SyncCallback. A nil function accepts everything.
type SyncFuncs struct {
	Snapshot func(path string) error
	Block    func(block []byte) error
}

func (f SyncFuncs) OnSnapshot(path string) error {
	if f.Snapshot == nil {
		return nil
	}
	return f.Snapshot(path)
}

func (f SyncFuncs) OnBlock(block []byte) error {
	if f.Block == nil {
		return nil
	}
	return f.Block(block)
}

// deliverSnapshot hands data to cb as a temporary file removed afterwards.
func deliverSnapshot(data []byte, cb SyncCallback) error {
	f, err := os.CreateTemp("", "blockvault-*.snap")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}
	return cb.OnSnapshot(f.Name())
}
