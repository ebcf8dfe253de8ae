// Package replication implements the chunked, push-based asset transfer
// pipeline used on every hop of the system: coordinator to edge node
// (replication) and edge node to session (download). The inbound hops
// (session uploads and their forwarding) reuse the same chunk semantics on
// the receiving side.
//
// A transfer streams the source's local copy of an asset in fixed-size
// chunks, in read order, to the destination's chunk endpoint, followed by a
// single commit call. Chunks are never retried individually: a transfer
// either completes through commit or is abandoned, leaving the destination
// with an unlisted partial temp copy.
//
// Transfers are keyed by (asset name, destination); a second request for the
// same key while one is in flight fails fast with ErrDuplicateTransfer, since
// two writers appending to the same destination file would corrupt it.
package replication

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/parlor/internal/cluster"
	"github.com/dreamware/parlor/internal/metrics"
)

// Destination receives one ordered chunk stream. Key identifies the
// destination for duplicate suppression.
type Destination interface {
	Key() string
	WriteChunk(ctx context.Context, name string, chunk cluster.Chunk) error
	Commit(ctx context.Context, name string) error
}

// Source opens local asset bytes for streaming. *asset.Store satisfies it.
type Source interface {
	Open(name string) (io.ReadCloser, error)
}

// Pipeline pushes assets from one source store to remote destinations.
type Pipeline struct {
	source    Source
	chunkSize int
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewPipeline creates a pipeline reading from source in chunkSize slices.
func NewPipeline(source Source, chunkSize int, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if chunkSize <= 0 {
		chunkSize = cluster.DefaultChunkSize
	}
	return &Pipeline{
		source:    source,
		chunkSize: chunkSize,
		metrics:   m,
		logger:    logger.Named("replication"),
		inflight:  make(map[string]struct{}),
	}
}

// Inflight returns how many transfers are currently running.
func (p *Pipeline) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Start begins a transfer of the named asset to dest in its own task.
// The duplicate-suppression key is claimed and the source opened before
// Start returns, so a concurrent duplicate or an unknown asset fails the
// caller synchronously while the chunk stream itself runs in the background.
func (p *Pipeline) Start(ctx context.Context, name string, dest Destination) error {
	release, err := p.claim(name, dest)
	if err != nil {
		return err
	}
	rc, err := p.source.Open(name)
	if err != nil {
		release()
		return err
	}

	go func() {
		defer release()
		defer rc.Close()
		p.run(ctx, name, rc, dest)
	}()
	return nil
}

// Push streams the named asset to dest and blocks until the transfer
// completes or fails.
func (p *Pipeline) Push(ctx context.Context, name string, dest Destination) error {
	release, err := p.claim(name, dest)
	if err != nil {
		return err
	}
	defer release()

	rc, err := p.source.Open(name)
	if err != nil {
		p.metrics.TransfersFailed.Inc()
		return err
	}
	defer rc.Close()
	return p.run(ctx, name, rc, dest)
}

// claim reserves the (name, destination) key for one transfer.
func (p *Pipeline) claim(name string, dest Destination) (release func(), err error) {
	key := name + "|" + dest.Key()

	p.mu.Lock()
	if _, dup := p.inflight[key]; dup {
		p.mu.Unlock()
		return nil, cluster.Errorf(cluster.ErrDuplicateTransfer,
			"transfer of %q to %s already in flight", name, dest.Key())
	}
	p.inflight[key] = struct{}{}
	p.mu.Unlock()

	p.metrics.TransfersStarted.Inc()
	p.metrics.TransfersInflight.Inc()
	return func() {
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
		p.metrics.TransfersInflight.Dec()
	}, nil
}

// run drives one claimed transfer to completion.
func (p *Pipeline) run(ctx context.Context, name string, rc io.Reader, dest Destination) error {
	logger := p.logger.With(
		zap.String("transfer_id", uuid.NewString()),
		zap.String("name", name),
		zap.String("dest", dest.Key()))

	if err := p.stream(ctx, name, rc, dest, logger); err != nil {
		p.metrics.TransfersFailed.Inc()
		logger.Warn("transfer abandoned", zap.Error(err))
		return err
	}
	logger.Info("transfer complete")
	return nil
}

func (p *Pipeline) stream(ctx context.Context, name string, rc io.Reader, dest Destination, logger *zap.Logger) error {
	buf := make([]byte, p.chunkSize)
	chunks := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := rc.Read(buf)
		if n > 0 {
			chunk := cluster.Chunk{Data: buf[:n], Size: n}
			if werr := dest.WriteChunk(ctx, name, chunk); werr != nil {
				return werr
			}
			chunks++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	logger.Debug("all chunks delivered, committing", zap.Int("chunks", chunks))
	return dest.Commit(ctx, name)
}
