package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/cipherchat/internal/envelope"
	"github.com/Tyrowin/cipherchat/internal/errs"
)

// Upload defaults.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 500 * time.Millisecond
	DefaultParallel = 2
)

// File is one file to upload. Size is only used for progress reporting.
type File struct {
	Ref      Ref
	Name     string
	Mimetype string
	Size     int64
	Body     io.Reader
	Duration *float64
}

// Progress is called after every chunk with the number of chunks done and
// the expected total (zero when unknown).
type Progress func(ref Ref, done, total int)

// Result is the outcome of one file in a batch.
type Result struct {
	Ref      Ref
	Name     string
	Metadata Metadata
	Err      error
}

// Uploader seals and uploads files chunk by chunk.
type Uploader struct {
	store     Store
	log       *zap.Logger
	chunkSize int
	attempts  uint64
	backoff   time.Duration
	parallel  int
	progress  Progress
}

// UploadOption configures an Uploader.
type UploadOption func(*Uploader)

// WithChunkSize overrides the chunk size.
func WithChunkSize(n int) UploadOption {
	return func(u *Uploader) {
		if n > 0 {
			u.chunkSize = n
		}
	}
}

// WithRetry overrides the attempts per chunk and the fixed delay between them.
func WithRetry(attempts int, backoff time.Duration) UploadOption {
	return func(u *Uploader) {
		if attempts > 0 {
			u.attempts = uint64(attempts)
		}
		if backoff > 0 {
			u.backoff = backoff
		}
	}
}

// WithParallel bounds how many files of a batch upload at once.
func WithParallel(n int) UploadOption {
	return func(u *Uploader) {
		if n > 0 {
			u.parallel = n
		}
	}
}

// WithUploadProgress registers a progress callback.
func WithUploadProgress(p Progress) UploadOption {
	return func(u *Uploader) { u.progress = p }
}

// NewUploader creates an uploader with the default policy: 2 MiB chunks,
// 3 attempts per chunk 500ms apart.
func NewUploader(store Store, log *zap.Logger, opts ...UploadOption) *Uploader {
	if log == nil {
		log = zap.NewNop()
	}
	u := &Uploader{
		store:     store,
		log:       log,
		chunkSize: DefaultChunkSize,
		attempts:  DefaultAttempts,
		backoff:   DefaultBackoff,
		parallel:  DefaultParallel,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload streams f through the chunk store and uploads its metadata once all
// chunks are stored. The returned metadata is what was uploaded.
func (u *Uploader) Upload(ctx context.Context, k envelope.Key, f File) (Metadata, error) {
	if f.Body == nil {
		return Metadata{}, fmt.Errorf("upload %s: nil body", f.Ref)
	}
	meta := Metadata{
		Filename:  f.Name,
		Mimetype:  f.Mimetype,
		ChunkSize: u.chunkSize,
		Nonces:    []string{},
		Duration:  f.Duration,
	}
	total := int(chunkCount(f.Size, u.chunkSize))
	seen := nonceSet{}
	buf := make([]byte, u.chunkSize)

	for index := 0; ; index++ {
		n, rerr := io.ReadFull(f.Body, buf)
		if n > 0 {
			c, err := SealChunk(k, index, buf[:n])
			if err != nil {
				return Metadata{}, err
			}
			if err := seen.add(c.Nonce); err != nil {
				return Metadata{}, fmt.Errorf("upload %s chunk %d: %w", f.Ref, index, err)
			}
			if err := u.withRetry(ctx, func(ctx context.Context) error {
				return u.store.PutChunk(ctx, f.Ref, c)
			}); err != nil {
				return Metadata{}, fmt.Errorf("upload %s chunk %d: %w", f.Ref, index, err)
			}
			meta.Size += int64(n)
			meta.ChunkCount++
			meta.Nonces = append(meta.Nonces, c.Nonce)
			if u.progress != nil {
				u.progress(f.Ref, meta.ChunkCount, total)
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return Metadata{}, fmt.Errorf("upload %s: read: %w", f.Ref, rerr)
		}
	}

	if err := u.withRetry(ctx, func(ctx context.Context) error {
		return u.store.PutMetadata(ctx, f.Ref, meta)
	}); err != nil {
		return Metadata{}, fmt.Errorf("upload %s metadata: %w", f.Ref, err)
	}
	u.log.Debug("file uploaded",
		zap.Stringer("ref", f.Ref),
		zap.Int64("size", meta.Size),
		zap.Int("chunks", meta.ChunkCount),
	)
	return meta, nil
}

// UploadBatch uploads files concurrently. A failing file is reported in its
// own Result and never stops the others.
func (u *Uploader) UploadBatch(ctx context.Context, k envelope.Key, files []File) []Result {
	results := make([]Result, len(files))
	var g errgroup.Group
	g.SetLimit(u.parallel)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			meta, err := u.Upload(ctx, k, f)
			results[i] = Result{Ref: f.Ref, Name: f.Name, Metadata: meta, Err: err}
			if err != nil {
				u.log.Warn("file upload failed", zap.String("file", f.Name), zap.Stringer("ref", f.Ref), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (u *Uploader) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(u.attempts-1, retry.NewConstant(u.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, errs.ErrUnauthorized) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		u.log.Debug("retrying after failure", zap.Error(err))
		return retry.RetryableError(err)
	})
}
