package blockvault

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestClient_ProposalsReachTheBackendInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := NewMockBackend(ctrl)
	any := gomock.Any()

	gomock.InOrder(
		backend.EXPECT().ProposeConstructedBlock(any, Watermark{10, 100}, uint32(5), []byte("b10"), []byte("id10"), []byte("id9")).Return(true),
		backend.EXPECT().AppendExternalBlock(any, uint32(11), uint32(5), []byte("b11"), []byte("id11"), []byte("id10")).Return(false),
		backend.EXPECT().ProposeSnapshot(any, Watermark{11, 110}, "/tmp/s.snap").Return(true),
		backend.EXPECT().Close().Return(nil),
	)

	c := NewClient(backend, 1)
	first := c.ProposeConstructedBlock(Watermark{10, 100}, 5, []byte("b10"), []byte("id10"), []byte("id9"))
	second := c.AppendExternalBlock(11, 5, []byte("b11"), []byte("id11"), []byte("id10"))
	third := c.ProposeSnapshot(Watermark{11, 110}, "/tmp/s.snap")

	assert.True(t, <-first)
	assert.False(t, <-second)
	assert.True(t, <-third)
	require.NoError(t, c.Close())
}

func TestClient_CloseDrainsAndRefusesLateProposals(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := NewMockBackend(ctrl)
	any := gomock.Any()

	backend.EXPECT().ProposeConstructedBlock(any, any, any, any, any, any).Return(true).Times(3)
	backend.EXPECT().Close().Return(nil).Times(1)

	c := NewClient(backend, 8)
	var results []<-chan bool
	for i := uint32(1); i <= 3; i++ {
		results = append(results, c.ProposeConstructedBlock(Watermark{i, i}, 0, nil, []byte{byte(i)}, nil))
	}
	require.NoError(t, c.Close())
	for _, r := range results {
		assert.True(t, <-r, "queued before close")
	}

	assert.False(t, <-c.ProposeSnapshot(Watermark{9, 9}, "late.snap"))
	require.NoError(t, c.Close(), "second close is a no-op")
}

func TestClient_SyncIsDirect(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := NewMockBackend(ctrl)
	failure := errors.New("archive unreachable")
	backend.EXPECT().Sync(gomock.Any(), []byte("head"), gomock.Any()).Return(failure)
	backend.EXPECT().Close().Return(nil)

	c := NewClient(backend, 0)
	err := c.Sync(context.Background(), []byte("head"), SyncFuncs{})
	assert.ErrorIs(t, err, failure)
	require.NoError(t, c.Close())
}

func TestClient_AgainstMemoryBackend(t *testing.T) {
	c := NewClient(NewMemoryBackend(), 4)
	defer c.Close()

	assert.True(t, <-c.ProposeConstructedBlock(Watermark{10, 100}, 5, []byte("b10"), []byte("id10"), []byte("id9")))
	assert.False(t, <-c.ProposeConstructedBlock(Watermark{10, 100}, 5, []byte("b10"), []byte("id10"), []byte("id9")))

	var blocks []string
	require.NoError(t, c.Sync(context.Background(), nil, SyncFuncs{Block: func(b []byte) error {
		blocks = append(blocks, string(b))
		return nil
	}}))
	assert.Equal(t, []string{"b10"}, blocks)
}
