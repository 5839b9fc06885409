package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/cipherchat/internal/envelope"
	"github.com/Tyrowin/cipherchat/internal/errs"
	"github.com/Tyrowin/cipherchat/internal/protocol"
)

type memStore struct {
	mu     sync.Mutex
	chunks map[string]map[int]Chunk
	meta   map[string]Metadata
	puts   map[string]int
	// remaining PutChunk failures per ref, negative fails forever
	failPut map[string]int
	putErr  error
	fetched int
	onFetch func(index int)
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		chunks:  map[string]map[int]Chunk{},
		meta:    map[string]Metadata{},
		failPut: map[string]int{},
		puts:    map[string]int{},
	}
}

func (m *memStore) PutChunk(_ context.Context, ref Ref, c Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts[ref.String()]++
	if n := m.failPut[ref.String()]; n != 0 {
		if n > 0 {
			m.failPut[ref.String()] = n - 1
		}
		if m.putErr != nil {
			return m.putErr
		}
		return errs.Upstream("upload chunk", http.StatusBadGateway)
	}
	if m.chunks[ref.String()] == nil {
		m.chunks[ref.String()] = map[int]Chunk{}
	}
	m.chunks[ref.String()][c.Index] = c
	return nil
}

func (m *memStore) PutMetadata(_ context.Context, ref Ref, md Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[ref.String()] = md
	return nil
}

func (m *memStore) Metadata(_ context.Context, ref Ref) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.meta[ref.String()]
	if !ok {
		return Metadata{}, errs.ErrNotFound
	}
	return md, nil
}

func (m *memStore) Chunk(ctx context.Context, ref Ref, index int) (Chunk, error) {
	m.mu.Lock()
	m.fetched++
	hook := m.onFetch
	c, ok := m.chunks[ref.String()][index]
	m.mu.Unlock()
	if hook != nil {
		hook(index)
	}
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if !ok {
		return Chunk{}, errs.ErrNotFound
	}
	return c, nil
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestNeedsChunking(t *testing.T) {
	t.Parallel()
	assert.True(t, NeedsChunking("clip.bin", "video/mp4", 10))
	assert.True(t, NeedsChunking("clip.MKV", "application/octet-stream", 10))
	assert.True(t, NeedsChunking("big.zip", "application/zip", LargeFileSize+1))
	assert.False(t, NeedsChunking("doc.pdf", "application/pdf", LargeFileSize))
}

func TestRoundTripSizes(t *testing.T) {
	t.Parallel()
	const chunk = 1024
	k, err := envelope.NewKey()
	require.NoError(t, err)

	cases := map[string]int{
		"empty":          0,
		"exactly one":    chunk,
		"not a multiple": 3*chunk + 17,
		"one byte":       1,
		"two full":       2 * chunk,
	}
	for name, size := range cases {
		name, size := name, size
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := newMemStore()
			up := NewUploader(store, zaptest.NewLogger(t), WithChunkSize(chunk), WithRetry(3, time.Millisecond))
			data := randomBytes(t, size)
			ref := Ref{ChatID: 1, MessageID: 2, FileID: 3}

			meta, err := up.Upload(context.Background(), k, File{Ref: ref, Name: "f.bin", Mimetype: "application/octet-stream", Size: int64(size), Body: bytes.NewReader(data)})
			require.NoError(t, err)
			assert.Equal(t, int64(size), meta.Size)
			assert.Len(t, meta.Nonces, meta.ChunkCount)
			require.NoError(t, meta.Validate())

			down := NewDownloader(store, zaptest.NewLogger(t), nil)
			got, gotMeta, err := down.Download(context.Background(), k, ref)
			require.NoError(t, err)
			assert.Equal(t, meta.ChunkCount, gotMeta.ChunkCount)
			if size == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, data, got)
			}
		})
	}
}

func TestSplitUsesDistinctNonces(t *testing.T) {
	t.Parallel()
	k, _ := envelope.NewKey()
	chunks, meta, err := Split(k, randomBytes(t, 10*64+5), 64)
	require.NoError(t, err)
	require.Len(t, chunks, 11)
	seen := map[string]bool{}
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.False(t, seen[c.Nonce], "nonce reused at %d", i)
		seen[c.Nonce] = true
		assert.Equal(t, meta.Nonces[i], c.Nonce)
	}
}

func TestUploadRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	ref := Ref{ChatID: 1, MessageID: 1, FileID: 1}
	store.failPut[ref.String()] = 2

	k, _ := envelope.NewKey()
	up := NewUploader(store, zaptest.NewLogger(t), WithChunkSize(16), WithRetry(3, time.Millisecond))
	_, err := up.Upload(context.Background(), k, File{Ref: ref, Name: "a", Body: bytes.NewReader([]byte("0123456789"))})
	require.NoError(t, err)
	assert.Equal(t, 3, store.puts[ref.String()])
	_, ok := store.meta[ref.String()]
	assert.True(t, ok)
}

func TestUploadGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	ref := Ref{ChatID: 1, MessageID: 1, FileID: 9}
	store.failPut[ref.String()] = -1

	k, _ := envelope.NewKey()
	up := NewUploader(store, zaptest.NewLogger(t), WithChunkSize(16), WithRetry(3, time.Millisecond))
	_, err := up.Upload(context.Background(), k, File{Ref: ref, Name: "a", Body: bytes.NewReader([]byte("payload"))})
	require.ErrorIs(t, err, errs.ErrUpstream)
	assert.Equal(t, 3, store.puts[ref.String()])
	_, ok := store.meta[ref.String()]
	assert.False(t, ok, "metadata must not be uploaded after a failed chunk")
}

func TestUploadDoesNotRetryUnauthorized(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	ref := Ref{ChatID: 1, MessageID: 1, FileID: 4}
	store.failPut[ref.String()] = -1
	store.putErr = errs.Upstream("upload chunk", http.StatusUnauthorized)

	k, _ := envelope.NewKey()
	up := NewUploader(store, zaptest.NewLogger(t), WithRetry(3, time.Millisecond))
	_, err := up.Upload(context.Background(), k, File{Ref: ref, Name: "a", Body: strings.NewReader("x")})
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.Equal(t, 1, store.puts[ref.String()])
}

func TestUploadBatchIsolatesFailures(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	good1 := Ref{ChatID: 1, MessageID: 5, FileID: 1}
	bad := Ref{ChatID: 1, MessageID: 5, FileID: 2}
	good2 := Ref{ChatID: 1, MessageID: 5, FileID: 3}
	store.failPut[bad.String()] = -1

	k, _ := envelope.NewKey()
	up := NewUploader(store, zaptest.NewLogger(t), WithChunkSize(8), WithRetry(2, time.Millisecond), WithParallel(3))
	results := up.UploadBatch(context.Background(), k, []File{
		{Ref: good1, Name: "one", Body: strings.NewReader("first file body")},
		{Ref: bad, Name: "two", Body: strings.NewReader("second file body")},
		{Ref: good2, Name: "three", Body: strings.NewReader("third file body")},
	})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "two", results[1].Name)

	down := NewDownloader(store, zaptest.NewLogger(t), nil)
	got, _, err := down.Download(context.Background(), k, good2)
	require.NoError(t, err)
	assert.Equal(t, "third file body", string(got))
}

func TestDownloadCancelReturnsNoData(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	k, _ := envelope.NewKey()
	ref := Ref{ChatID: 2, MessageID: 2, FileID: 2}
	up := NewUploader(store, zaptest.NewLogger(t), WithChunkSize(4))
	_, err := up.Upload(context.Background(), k, File{Ref: ref, Name: "x", Body: bytes.NewReader(randomBytes(t, 40))})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	store.onFetch = func(index int) {
		if index == 2 {
			cancel()
		}
	}
	down := NewDownloader(store, zaptest.NewLogger(t), nil)
	got, _, err := down.Download(ctx, k, ref)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)
	assert.Equal(t, 3, store.fetched, "no fetch may start after cancellation")
}

func TestDownloadWrongKeyFails(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	k, _ := envelope.NewKey()
	other, _ := envelope.NewKey()
	ref := Ref{ChatID: 3, MessageID: 3, FileID: 3}
	up := NewUploader(store, zaptest.NewLogger(t), WithChunkSize(4))
	_, err := up.Upload(context.Background(), k, File{Ref: ref, Name: "x", Body: strings.NewReader("abcdefgh")})
	require.NoError(t, err)

	_, _, err = NewDownloader(store, nil, nil).Download(context.Background(), other, ref)
	require.Error(t, err)
}

func TestDownloadRejectsInconsistentMetadata(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	ref := Ref{ChatID: 4, MessageID: 4, FileID: 4}
	store.meta[ref.String()] = Metadata{Size: 10, ChunkCount: 2, ChunkSize: 8, Nonces: []string{"only-one"}}

	k, _ := envelope.NewKey()
	_, _, err := NewDownloader(store, nil, nil).Download(context.Background(), k, ref)
	require.ErrorIs(t, err, errs.ErrMalformed)
}

func TestMetadataFileMeta(t *testing.T) {
	t.Parallel()
	m := Metadata{Filename: "v.mp4", Mimetype: "video/mp4", Size: 5, ChunkCount: 1, ChunkSize: 8, Nonces: []string{"n"}}
	fm := m.FileMeta(Ref{ChatID: 1, MessageID: 9, FileID: 77})
	assert.True(t, fm.Chunked())
	assert.Equal(t, protocol.ID(77), fm.FileID)
	assert.Equal(t, protocol.ID(9), fm.MessageID)
	assert.Equal(t, []string{"n"}, fm.Nonces)
}

func TestHTTPStoreEndpoints(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	chunks := map[string]string{}
	var meta []byte
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/upload_chunk/1/2/3/{i}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Chunk string `json:"chunk"`
			Nonce string `json:"nonce"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		chunks[r.PathValue("i")] = body.Chunk
		mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /chat/upload_metadata/1/2/3", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		mu.Lock()
		meta = buf.Bytes()
		mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /chat/file_metadata/1/2/3", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = w.Write(meta)
	})
	mux.HandleFunc("GET /chat/file_chunk/1/2/3/{i}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		c, ok := chunks[r.PathValue("i")]
		mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		idx, _ := strconv.Atoi(r.PathValue("i"))
		_ = json.NewEncoder(w).Encode(Chunk{Index: idx, Data: c})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := NewHTTPStore(srv.URL+"/", "tok", srv.Client())
	k, _ := envelope.NewKey()
	ref := Ref{ChatID: 1, MessageID: 2, FileID: 3}
	data := randomBytes(t, 100)

	_, err := NewUploader(store, zaptest.NewLogger(t), WithChunkSize(30)).Upload(context.Background(), k, File{Ref: ref, Name: "f", Mimetype: "video/mp4", Body: bytes.NewReader(data)})
	require.NoError(t, err)

	got, meta2, err := NewDownloader(store, zaptest.NewLogger(t), nil).Download(context.Background(), k, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "video/mp4", meta2.Mimetype)
	assert.Equal(t, 4, meta2.ChunkCount)

	_, err = store.Chunk(context.Background(), ref, 99)
	require.ErrorIs(t, err, errs.ErrNotFound)

	unauth := NewHTTPStore(srv.URL, "bad", srv.Client())
	err = unauth.PutChunk(context.Background(), ref, Chunk{Index: 0, Data: "x", Nonce: "y"})
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	var upErr *errs.UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusUnauthorized, upErr.Status)
}
