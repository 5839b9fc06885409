package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Tyrowin/cipherchat/internal/errs"
)

// Store persists sealed chunks and their metadata.
type Store interface {
	PutChunk(ctx context.Context, ref Ref, c Chunk) error
	PutMetadata(ctx context.Context, ref Ref, m Metadata) error
	Metadata(ctx context.Context, ref Ref) (Metadata, error)
	Chunk(ctx context.Context, ref Ref, index int) (Chunk, error)
}

// HTTPStore talks to the media service chunk endpoints with a bearer token.
type HTTPStore struct {
	base   string
	token  string
	client *http.Client
}

var _ Store = (*HTTPStore)(nil)

// NewHTTPStore creates a store rooted at baseURL. A nil client gets a 30s timeout.
func NewHTTPStore(baseURL, token string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStore{base: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

// PutChunk uploads one sealed chunk.
func (s *HTTPStore) PutChunk(ctx context.Context, ref Ref, c Chunk) error {
	url := fmt.Sprintf("%s/chat/upload_chunk/%s/%d", s.base, ref, c.Index)
	body := struct {
		Chunk string `json:"chunk"`
		Nonce string `json:"nonce"`
	}{c.Data, c.Nonce}
	return s.do(ctx, "upload chunk", http.MethodPost, url, body, nil)
}

// PutMetadata uploads the chunk index of a file.
func (s *HTTPStore) PutMetadata(ctx context.Context, ref Ref, m Metadata) error {
	url := fmt.Sprintf("%s/chat/upload_metadata/%s", s.base, ref)
	return s.do(ctx, "upload metadata", http.MethodPost, url, m, nil)
}

// Metadata fetches the chunk index of a file.
func (s *HTTPStore) Metadata(ctx context.Context, ref Ref) (Metadata, error) {
	var m Metadata
	url := fmt.Sprintf("%s/chat/file_metadata/%s", s.base, ref)
	if err := s.do(ctx, "file metadata", http.MethodGet, url, nil, &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Chunk fetches one sealed chunk.
func (s *HTTPStore) Chunk(ctx context.Context, ref Ref, index int) (Chunk, error) {
	var c Chunk
	url := fmt.Sprintf("%s/chat/file_chunk/%s/%d", s.base, ref, index)
	if err := s.do(ctx, "file chunk", http.MethodGet, url, nil, &c); err != nil {
		return Chunk{}, err
	}
	c.Index = index
	return c, nil
}

func (s *HTTPStore) do(ctx context.Context, op, method, url string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errs.Unreachable(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return errs.Upstream(op, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, errs.ErrMalformed, err)
	}
	return nil
}
