// Package transfer moves large encrypted files in bounded-size pieces. Every
// piece is sealed with the message key under its own nonce, uploaded with a
// bounded retry, and indexed by a metadata record uploaded last.
package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Tyrowin/cipherchat/internal/envelope"
	"github.com/Tyrowin/cipherchat/internal/errs"
	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// Chunking policy.
const (
	DefaultChunkSize = 2 << 20
	LargeFileSize    = 20 << 20
)

var videoExt = map[string]struct{}{
	".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".flv": {},
	".webm": {}, ".mkv": {}, ".m4v": {}, ".3gp": {}, ".ogv": {},
}

// IsVideo reports whether a file looks like a video by mimetype or extension.
func IsVideo(name, mimetype string) bool {
	if strings.HasPrefix(strings.ToLower(mimetype), "video/") {
		return true
	}
	_, ok := videoExt[strings.ToLower(path.Ext(name))]
	return ok
}

// NeedsChunking reports whether a file goes through the chunk store rather
// than being sealed inline into the message.
func NeedsChunking(name, mimetype string, size int64) bool {
	return IsVideo(name, mimetype) || size > LargeFileSize
}

// Ref locates a file in the chunk store.
type Ref struct {
	ChatID    protocol.ID
	MessageID protocol.ID
	FileID    protocol.ID
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s", r.ChatID, r.MessageID, r.FileID)
}

// Chunk is one sealed piece of a file.
type Chunk struct {
	Index int    `json:"index"`
	Data  string `json:"chunk"`
	Nonce string `json:"nonce"`
}

// Metadata indexes the chunks of one file.
type Metadata struct {
	Filename   string   `json:"filename"`
	Mimetype   string   `json:"mimetype"`
	Size       int64    `json:"size"`
	ChunkCount int      `json:"chunk_count"`
	ChunkSize  int      `json:"chunk_size"`
	Nonces     []string `json:"nonces"`
	Duration   *float64 `json:"duration,omitempty"`
}

// Validate checks that the index is self-consistent.
func (m Metadata) Validate() error {
	if m.ChunkCount < 0 || m.Size < 0 {
		return fmt.Errorf("%w: negative size or chunk count", errs.ErrMalformed)
	}
	if len(m.Nonces) != m.ChunkCount {
		return fmt.Errorf("%w: %d nonces for %d chunks", errs.ErrMalformed, len(m.Nonces), m.ChunkCount)
	}
	if m.ChunkCount > 0 && m.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d", errs.ErrMalformed, m.ChunkSize)
	}
	if m.ChunkSize > 0 && int64(m.ChunkCount) != chunkCount(m.Size, m.ChunkSize) {
		return fmt.Errorf("%w: %d chunks cannot hold %d bytes", errs.ErrMalformed, m.ChunkCount, m.Size)
	}
	return nil
}

// FileMeta converts the index into the entry a message carries for the file
// stored at ref.
func (m Metadata) FileMeta(ref Ref) protocol.FileMeta {
	return protocol.FileMeta{
		FileID:     ref.FileID,
		MessageID:  ref.MessageID,
		Filename:   m.Filename,
		Mimetype:   m.Mimetype,
		Size:       m.Size,
		Nonces:     m.Nonces,
		ChunkSize:  m.ChunkSize,
		ChunkCount: m.ChunkCount,
		Duration:   m.Duration,
	}
}

func chunkCount(size int64, chunkSize int) int64 {
	if size == 0 {
		return 0
	}
	return (size + int64(chunkSize) - 1) / int64(chunkSize)
}

// nonceSet rejects a repeated nonce within one file.
type nonceSet map[string]struct{}

var errNonceReuse = errors.New("nonce reused within file")

func (s nonceSet) add(n string) error {
	if _, dup := s[n]; dup {
		return errNonceReuse
	}
	s[n] = struct{}{}
	return nil
}

// SealChunk encrypts one piece of a file.
func SealChunk(k envelope.Key, index int, piece []byte) (Chunk, error) {
	ct, nonce, err := envelope.SealBytes(k, piece)
	if err != nil {
		return Chunk{}, fmt.Errorf("seal chunk %d: %w", index, err)
	}
	return Chunk{
		Index: index,
		Data:  base64.StdEncoding.EncodeToString(ct),
		Nonce: base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// OpenChunk decrypts one piece using the nonce recorded in the metadata.
func OpenChunk(k envelope.Key, data, nonce string) ([]byte, error) {
	return envelope.Open(k, envelope.Sealed{Ciphertext: data, Nonce: nonce})
}

// Split seals data into chunks of chunkSize bytes. An empty input yields no chunks.
func Split(k envelope.Key, data []byte, chunkSize int) ([]Chunk, Metadata, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	n := int(chunkCount(int64(len(data)), chunkSize))
	chunks := make([]Chunk, 0, n)
	meta := Metadata{Size: int64(len(data)), ChunkCount: n, ChunkSize: chunkSize, Nonces: make([]string, 0, n)}
	seen := nonceSet{}
	for i := 0; i < n; i++ {
		end := (i + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		c, err := SealChunk(k, i, data[i*chunkSize:end])
		if err != nil {
			return nil, Metadata{}, err
		}
		if err := seen.add(c.Nonce); err != nil {
			return nil, Metadata{}, fmt.Errorf("chunk %d: %w", i, err)
		}
		chunks = append(chunks, c)
		meta.Nonces = append(meta.Nonces, c.Nonce)
	}
	return chunks, meta, nil
}
