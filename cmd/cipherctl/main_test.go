package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/cipherchat/internal/protocol"
)

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	code, _, stderr := runCmd(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage")

	code, _, stderr = runCmd(t, "explode")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "explode"`)
}

func TestKeygenAndPubkey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.json")

	t.Setenv(passwordEnv, "")
	code, _, stderr := runCmd(t, "keygen", "-out", keyPath)
	require.Equal(t, 1, code)
	assert.Contains(t, stderr, passwordEnv)

	t.Setenv(passwordEnv, "correct horse")
	code, pub, stderr := runCmd(t, "keygen", "-out", keyPath)
	require.Equal(t, 0, code, stderr)
	require.NotEmpty(t, strings.TrimSpace(pub))

	raw, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	var kf map[string]string
	require.NoError(t, json.Unmarshal(raw, &kf))
	assert.NotEmpty(t, kf["encryptedPrivateKeyByUser"])
	assert.NotEmpty(t, kf["salt"])

	code, again, _ := runCmd(t, "pubkey", "-key", keyPath)
	require.Equal(t, 0, code)
	assert.Equal(t, pub, again)

	code, _, _ = runCmd(t, "keygen", "-out", keyPath)
	assert.Equal(t, 1, code, "keygen never overwrites a key")

	t.Setenv(passwordEnv, "wrong")
	code, _, stderr = runCmd(t, "pubkey", "-key", keyPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "wrong password")
}

// mediaServer keeps uploaded chunks and metadata in memory.
func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	blobs := map[string][]byte{}
	put := func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		blobs[r.URL.Path] = body
		mu.Unlock()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/upload_chunk/{chat}/{msg}/{file}/{i}", put)
	mux.HandleFunc("POST /chat/upload_metadata/{chat}/{msg}/{file}", put)
	mux.HandleFunc("GET /chat/file_metadata/{chat}/{msg}/{file}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, ok := blobs[strings.Replace(r.URL.Path, "file_metadata", "upload_metadata", 1)]
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	})
	mux.HandleFunc("GET /chat/file_chunk/{chat}/{msg}/{file}/{i}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, ok := blobs[strings.Replace(r.URL.Path, "file_chunk", "upload_chunk", 1)]
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var c struct {
			Chunk string `json:"chunk"`
			Nonce string `json:"nonce"`
		}
		_ = json.Unmarshal(body, &c)
		index, _ := strconv.Atoi(r.PathValue("i"))
		_ = json.NewEncoder(w).Encode(map[string]any{"chunk": c.Chunk, "nonce": c.Nonce, "index": index})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestUploadDownload(t *testing.T) {
	srv := mediaServer(t)
	dir := t.TempDir()

	code, key, stderr := runCmd(t, "msgkey")
	require.Equal(t, 0, code, stderr)
	key = strings.TrimSpace(key)

	src := filepath.Join(dir, "clip.mp4")
	payload := bytes.Repeat([]byte("0123456789abcdef"), 200_000)
	require.NoError(t, os.WriteFile(src, payload, 0o600))

	common := []string{"-base", srv.URL, "-token", "tok", "-chat", "7", "-message", "42", "-msgkey", key}
	code, out, stderr := runCmd(t, append(append([]string{"upload"}, common...), "-file-id", "9", src)...)
	require.Equal(t, 0, code, stderr)

	var fm protocol.FileMeta
	require.NoError(t, json.Unmarshal([]byte(out), &fm))
	assert.Equal(t, protocol.ID(9), fm.FileID)
	assert.Equal(t, protocol.ID(42), fm.MessageID)
	assert.Equal(t, "clip.mp4", fm.Filename)
	assert.Equal(t, int64(len(payload)), fm.Size)
	assert.Equal(t, 2, fm.ChunkCount)
	assert.True(t, fm.Chunked())

	dst := filepath.Join(dir, "out.mp4")
	code, _, stderr = runCmd(t, append(append([]string{"download"}, common...), "-out", dst, "9")...)
	require.Equal(t, 0, code, stderr)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestTransferFlagValidation(t *testing.T) {
	code, _, stderr := runCmd(t, "upload", "-chat", "7", "missing.bin")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "-message")

	code, _, stderr = runCmd(t, "download", "-chat", "7", "-message", "1", "-msgkey", "c2hvcnQ=", "3")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "want 32 bytes")
}
