package blockvault

import (
	"context"
	"sync"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/exception"
	"github.com/mezonai/combinedb/logx"
	"github.com/mezonai/combinedb/monitoring"
)

const (
	KindConstructedBlock = "constructed_block"
	KindExternalBlock    = "external_block"
	KindSnapshot         = "snapshot"
)

const DefaultQueueSize = 64

type request struct {
	kind   string
	what   string
	run    func(ctx context.Context) bool
	result chan bool
}

// Client hands proposals to a single background worker, so they reach the
// backend in the order they were made without blocking block production.
type Client struct {
	backend Backend
	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan request
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewClient(backend Backend, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		backend: backend,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan request, queueSize),
		done:    make(chan struct{}),
	}
	exception.SafeGoWithPanic("blockvault worker", c.work)
	return c
}

func (c *Client) work() {
	defer close(c.done)
	for req := range c.queue {
		ok := req.run(c.ctx)
		monitoring.RecordVaultProposal(req.kind, ok)
		if ok {
			logx.Info(logCategory, req.what, " accepted")
		} else {
			logx.Warn(logCategory, req.what, " refused")
		}
		req.result <- ok
	}
}

// submit queues req. The returned channel yields the backend's answer, or
// false right away once the client is closed.
func (c *Client) submit(kind, what string, run func(ctx context.Context) bool) <-chan bool {
	result := make(chan bool, 1)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		result <- false
		return result
	}
	c.queue <- request{kind: kind, what: what, run: run, result: result}
	return result
}

func (c *Client) ProposeConstructedBlock(wm Watermark, lib uint32, block, id, previousID []byte) <-chan bool {
	return c.submit(KindConstructedBlock, "block "+common.ShortID(id)+" at "+wm.String(), func(ctx context.Context) bool {
		return c.backend.ProposeConstructedBlock(ctx, wm, lib, block, id, previousID)
	})
}

func (c *Client) AppendExternalBlock(blockNum, lib uint32, block, id, previousID []byte) <-chan bool {
	return c.submit(KindExternalBlock, "external block "+common.ShortID(id), func(ctx context.Context) bool {
		return c.backend.AppendExternalBlock(ctx, blockNum, lib, block, id, previousID)
	})
}

func (c *Client) ProposeSnapshot(wm Watermark, path string) <-chan bool {
	return c.submit(KindSnapshot, "snapshot "+path+" at "+wm.String(), func(ctx context.Context) bool {
		return c.backend.ProposeSnapshot(ctx, wm, path)
	})
}

// Sync runs on the caller's goroutine; nodes sync before they produce.
func (c *Client) Sync(ctx context.Context, previousID []byte, cb SyncCallback) error {
	logx.Info(logCategory, "syncing after block ", common.ShortID(previousID))
	return c.backend.Sync(ctx, previousID, cb)
}

// Close waits for queued proposals to finish and closes the backend.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	<-c.done
	c.cancel()
	return c.backend.Close()
}
