package replication

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/parlor/internal/cluster"
	"github.com/dreamware/parlor/internal/metrics"
)

// memSource serves named byte slices as transfer sources.
type memSource map[string][]byte

func (s memSource) Open(name string) (io.ReadCloser, error) {
	data, ok := s[name]
	if !ok {
		return nil, cluster.Errorf(cluster.ErrNotFound, "no finished asset %q", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// memDest collects the chunk stream it receives.
type memDest struct {
	key string

	mu        sync.Mutex
	buf       bytes.Buffer
	chunks    int
	committed bool
	done      chan struct{}

	failChunk  error
	gate       chan struct{} // when set, WriteChunk blocks until closed
	failCommit error
}

func newMemDest(key string) *memDest {
	return &memDest{key: key, done: make(chan struct{})}
}

func (d *memDest) Key() string { return d.key }

func (d *memDest) WriteChunk(ctx context.Context, name string, chunk cluster.Chunk) error {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.failChunk != nil {
		return d.failChunk
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.Write(chunk.Data[:chunk.Size])
	d.chunks++
	return nil
}

func (d *memDest) Commit(ctx context.Context, name string) error {
	defer close(d.done)
	if d.failCommit != nil {
		return d.failCommit
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.committed = true
	return nil
}

func (d *memDest) wait(t *testing.T) {
	t.Helper()
	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
	}
}

func newTestPipeline(src Source, chunkSize int) *Pipeline {
	return NewPipeline(src, chunkSize, metrics.NewNop(), zap.NewNop())
}

func TestPushDeliversBytesInOrder(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 100)
	p := newTestPipeline(memSource{"movie.mp4": payload}, 64)
	dest := newMemDest("dest-1")

	require.NoError(t, p.Push(context.Background(), "movie.mp4", dest))
	require.True(t, dest.committed)
	require.Equal(t, payload, dest.buf.Bytes())
	require.Equal(t, 16, dest.chunks, "1000 bytes in 64-byte chunks")
	require.Zero(t, p.Inflight())
}

func TestPushEmptyAsset(t *testing.T) {
	p := newTestPipeline(memSource{"empty.mp4": nil}, 64)
	dest := newMemDest("dest-1")

	require.NoError(t, p.Push(context.Background(), "empty.mp4", dest))
	require.True(t, dest.committed, "empty assets still commit")
	require.Zero(t, dest.chunks)
}

func TestStartUnknownAssetFailsFast(t *testing.T) {
	p := newTestPipeline(memSource{}, 64)

	err := p.Start(context.Background(), "missing.mp4", newMemDest("dest-1"))
	require.ErrorIs(t, err, cluster.ErrNotFound)
	require.Zero(t, p.Inflight())
}

func TestDuplicateSuppression(t *testing.T) {
	p := newTestPipeline(memSource{"movie.mp4": []byte("data")}, 64)
	dest := newMemDest("dest-1")
	dest.gate = make(chan struct{})

	require.NoError(t, p.Start(context.Background(), "movie.mp4", dest))

	// Same (asset, destination) while in flight: rejected synchronously.
	err := p.Start(context.Background(), "movie.mp4", newMemDest("dest-1"))
	require.ErrorIs(t, err, cluster.ErrDuplicateTransfer)

	// A different destination is a different key.
	other := newMemDest("dest-2")
	require.NoError(t, p.Start(context.Background(), "movie.mp4", other))
	other.wait(t)

	close(dest.gate)
	dest.wait(t)

	// After completion the key is free again.
	again := newMemDest("dest-1")
	require.NoError(t, p.Start(context.Background(), "movie.mp4", again))
	again.wait(t)
}

func TestFailedChunkAbandonsTransfer(t *testing.T) {
	p := newTestPipeline(memSource{"movie.mp4": []byte("data")}, 64)
	dest := newMemDest("dest-1")
	dest.failChunk = errors.New("connection reset")

	err := p.Push(context.Background(), "movie.mp4", dest)
	require.Error(t, err)
	require.False(t, dest.committed, "no commit after a dropped chunk")
	require.Zero(t, p.Inflight(), "key released after failure")
}

func TestCancelledContextStopsStream(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 1000)
	p := newTestPipeline(memSource{"movie.mp4": payload}, 10)
	dest := newMemDest("dest-1")
	dest.gate = make(chan struct{}) // never opened; chunks block until cancel

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Push(ctx, "movie.mp4", dest)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, dest.committed)
	require.Zero(t, p.Inflight())
}

func TestFailedCommitReported(t *testing.T) {
	p := newTestPipeline(memSource{"movie.mp4": []byte("data")}, 64)
	dest := newMemDest("dest-1")
	dest.failCommit = errors.New("disk full")

	require.Error(t, p.Push(context.Background(), "movie.mp4", dest))
	require.False(t, dest.committed)
}
