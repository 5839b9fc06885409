package transfer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/envelope"
	"github.com/Tyrowin/cipherchat/internal/errs"
)

// maxPrealloc bounds the buffer reserved up front from an untrusted size.
const maxPrealloc = 64 << 20

// Downloader fetches and reassembles chunked files.
type Downloader struct {
	store    Store
	log      *zap.Logger
	progress Progress
}

// NewDownloader creates a downloader. progress may be nil.
func NewDownloader(store Store, log *zap.Logger, progress Progress) *Downloader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Downloader{store: store, log: log, progress: progress}
}

// Download fetches the metadata of ref, then every chunk in index order, and
// returns the concatenated plaintext. Cancelling ctx stops further fetches
// and the call returns the context error without any data.
func (d *Downloader) Download(ctx context.Context, k envelope.Key, ref Ref) ([]byte, Metadata, error) {
	meta, err := d.store.Metadata(ctx, ref)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("download %s: %w", ref, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, Metadata{}, fmt.Errorf("download %s: %w", ref, err)
	}

	capacity := meta.Size
	if capacity > maxPrealloc {
		capacity = maxPrealloc
	}
	out := make([]byte, 0, capacity)
	for i := 0; i < meta.ChunkCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, Metadata{}, fmt.Errorf("download %s: %w", ref, err)
		}
		c, err := d.store.Chunk(ctx, ref, i)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, Metadata{}, fmt.Errorf("download %s: %w", ref, ctxErr)
			}
			return nil, Metadata{}, fmt.Errorf("download %s chunk %d: %w", ref, i, err)
		}
		plain, err := OpenChunk(k, c.Data, meta.Nonces[i])
		if err != nil {
			return nil, Metadata{}, fmt.Errorf("download %s chunk %d: %w", ref, i, err)
		}
		out = append(out, plain...)
		if d.progress != nil {
			d.progress(ref, i+1, meta.ChunkCount)
		}
	}
	if int64(len(out)) != meta.Size {
		return nil, Metadata{}, fmt.Errorf("download %s: %w: got %d bytes, want %d", ref, errs.ErrMalformed, len(out), meta.Size)
	}
	d.log.Debug("file downloaded", zap.Stringer("ref", ref), zap.Int64("size", meta.Size))
	return out, meta, nil
}
