package client

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/envelope"
	"github.com/Tyrowin/cipherchat/internal/errs"
	"github.com/Tyrowin/cipherchat/internal/protocol"
	"github.com/Tyrowin/cipherchat/internal/transfer"
)

// ErrChunkedEdit is returned when an edit would need to re-key files that
// live in the chunk store.
var ErrChunkedEdit = errors.New("client: cannot re-key a message with chunked files")

// Attachment is a file to send with a message.
type Attachment struct {
	Name     string
	Mimetype string
	Size     int64
	Body     io.Reader
	// Duration of a video in seconds, when known.
	Duration *float64
}

// Draft is a message before encryption.
type Draft struct {
	ChatID     protocol.ID
	Text       string
	Files      []Attachment
	Recipients []envelope.Recipient
}

// FileError reports an attachment that could not be sent.
type FileError struct {
	Name string
	Err  error
}

func (e FileError) Error() string { return fmt.Sprintf("file %s: %v", e.Name, e.Err) }

func (e FileError) Unwrap() error { return e.Err }

// Composer turns drafts into encrypted messages. Small files are sealed into
// the message metadata and large ones go through the chunk store.
type Composer struct {
	uploader *transfer.Uploader
	log      *zap.Logger
	newID    func() protocol.ID
	now      func() time.Time
}

// NewComposer creates a composer. uploader may be nil when only small files
// are sent.
func NewComposer(uploader *transfer.Uploader, log *zap.Logger) *Composer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Composer{uploader: uploader, log: log, newID: randomID, now: time.Now}
}

// randomID draws a positive 63-bit id from a random UUID.
func randomID() protocol.ID {
	u := uuid.Must(uuid.NewV4())
	return protocol.ID(binary.BigEndian.Uint64(u[:8]) >> 1)
}

// Compose encrypts d. Chunked files are uploaded under a pending message id
// before the message exists. Files that fail are left out of the message and
// reported in the returned slice; the message itself fails only when nothing
// is left to send.
func (c *Composer) Compose(ctx context.Context, d Draft) (protocol.MessageData, []FileError, error) {
	composed, err := envelope.Compose([]byte(d.Text), d.Recipients)
	if err != nil {
		return protocol.MessageData{}, nil, err
	}

	pending := c.newID()
	var (
		metas   []protocol.FileMeta
		failed  []FileError
		uploads []transfer.File
	)
	for _, a := range d.Files {
		fileID := c.newID()
		if transfer.NeedsChunking(a.Name, a.Mimetype, a.Size) {
			ref := transfer.Ref{ChatID: d.ChatID, MessageID: pending, FileID: fileID}
			uploads = append(uploads, transfer.File{
				Ref: ref, Name: a.Name, Mimetype: a.Mimetype, Size: a.Size, Body: a.Body, Duration: a.Duration,
			})
			continue
		}
		meta, err := c.sealInline(composed.Key, fileID, a)
		if err != nil {
			failed = append(failed, FileError{Name: a.Name, Err: err})
			continue
		}
		metas = append(metas, meta)
	}

	if len(uploads) > 0 {
		if c.uploader == nil {
			for _, f := range uploads {
				failed = append(failed, FileError{Name: f.Name, Err: errors.New("no chunk store configured")})
			}
		} else {
			for _, r := range c.uploader.UploadBatch(ctx, composed.Key, uploads) {
				if r.Err != nil {
					failed = append(failed, FileError{Name: r.Name, Err: r.Err})
					continue
				}
				metas = append(metas, r.Metadata.FileMeta(r.Ref))
			}
		}
	}

	if d.Text == "" && len(metas) == 0 {
		if len(failed) > 0 {
			return protocol.MessageData{}, failed, fmt.Errorf("compose: every file failed: %w", failed[0])
		}
		return protocol.MessageData{}, nil, fmt.Errorf("%w: empty message", errs.ErrMalformed)
	}

	msg := protocol.MessageData{
		ChatID:      d.ChatID,
		MessageType: messageType(metas),
		CreatedAt:   c.now().UTC().Format(time.RFC3339),
		Ciphertext:  composed.Sealed.Ciphertext,
		Nonce:       composed.Sealed.Nonce,
		Envelopes:   composed.Envelopes,
		Metadata:    json.RawMessage("[]"),
	}
	if len(metas) > 0 {
		raw, err := json.Marshal(metas)
		if err != nil {
			return protocol.MessageData{}, failed, err
		}
		msg.Metadata = raw
	}
	c.log.Debug("message composed",
		zap.Int64("chat_id", int64(d.ChatID)),
		zap.String("message_type", msg.MessageType),
		zap.Int("files", len(metas)),
		zap.Int("failed", len(failed)),
	)
	return msg, failed, nil
}

func (c *Composer) sealInline(k envelope.Key, fileID protocol.ID, a Attachment) (protocol.FileMeta, error) {
	if a.Body == nil {
		return protocol.FileMeta{}, fmt.Errorf("%w: nil body", errs.ErrMalformed)
	}
	data, err := io.ReadAll(io.LimitReader(a.Body, transfer.LargeFileSize+1))
	if err != nil {
		return protocol.FileMeta{}, err
	}
	if len(data) > transfer.LargeFileSize {
		return protocol.FileMeta{}, fmt.Errorf("%w: %s is larger than declared", errs.ErrMalformed, a.Name)
	}
	sealed, err := envelope.Seal(k, data)
	if err != nil {
		return protocol.FileMeta{}, err
	}
	created := c.now().UTC().Format(time.RFC3339)
	return protocol.FileMeta{
		FileID:           fileID,
		Filename:         a.Name,
		Mimetype:         a.Mimetype,
		Size:             int64(len(data)),
		EncFile:          &sealed.Ciphertext,
		Nonce:            &sealed.Nonce,
		FileCreationDate: &created,
	}, nil
}

// messageType is video for a single chunked video and message_with_files
// whenever files are attached.
func messageType(metas []protocol.FileMeta) string {
	switch {
	case len(metas) == 0:
		return protocol.MessageText
	case len(metas) == 1 && metas[0].Chunked() && transfer.IsVideo(metas[0].Filename, metas[0].Mimetype):
		return protocol.MessageVideo
	default:
		return protocol.MessageWithFiles
	}
}

// Edit re-encrypts msg with new text under a fresh key. Inline files are
// opened with the old key and sealed again under the new one.
func (c *Composer) Edit(msg protocol.MessageData, self protocol.ID, priv *ecdh.PrivateKey, text string, recipients []envelope.Recipient) (protocol.EditData, error) {
	files, err := Files(msg)
	if err != nil {
		return protocol.EditData{}, err
	}
	oldKey, err := envelope.KeyFor(msg.Envelopes, self, priv)
	if err != nil {
		return protocol.EditData{}, err
	}
	composed, err := envelope.Rekey([]byte(text), recipients)
	if err != nil {
		return protocol.EditData{}, err
	}

	for i := range files {
		if files[i].Chunked() {
			return protocol.EditData{}, ErrChunkedEdit
		}
		plain, err := envelope.Open(oldKey, envelope.Sealed{Ciphertext: *files[i].EncFile, Nonce: *files[i].Nonce})
		if err != nil {
			return protocol.EditData{}, fmt.Errorf("reopen %s: %w", files[i].Filename, err)
		}
		sealed, err := envelope.Seal(composed.Key, plain)
		if err != nil {
			return protocol.EditData{}, err
		}
		files[i].EncFile = &sealed.Ciphertext
		files[i].Nonce = &sealed.Nonce
	}

	edit := protocol.EditData{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		Envelopes: composed.Envelopes,
	}
	if text != "" {
		edit.Ciphertext = &composed.Sealed.Ciphertext
		edit.Nonce = &composed.Sealed.Nonce
	}
	if msg.MessageType != "" {
		edit.MessageType = &msg.MessageType
	}
	if len(files) > 0 {
		raw, err := json.Marshal(files)
		if err != nil {
			return protocol.EditData{}, err
		}
		edit.Metadata = raw
	}
	if err := edit.Validate(); err != nil {
		return protocol.EditData{}, err
	}
	return edit, nil
}

// Opened is a decrypted message.
type Opened struct {
	Text  string
	Key   envelope.Key
	Files []OpenedFile
}

// OpenedFile is one attachment. Data is set for inline files; chunked files
// are fetched with Fetch.
type OpenedFile struct {
	Meta protocol.FileMeta
	Data []byte
}

// Files decodes the metadata list of msg.
func Files(msg protocol.MessageData) ([]protocol.FileMeta, error) {
	if len(msg.Metadata) == 0 || bytes.Equal(msg.Metadata, []byte("null")) {
		return nil, nil
	}
	var files []protocol.FileMeta
	if err := json.Unmarshal(msg.Metadata, &files); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", errs.ErrMalformed, err)
	}
	for _, f := range files {
		if !f.Chunked() && f.Nonce == nil {
			return nil, fmt.Errorf("%w: inline file %s has no nonce", errs.ErrMalformed, f.Filename)
		}
	}
	return files, nil
}

// Open decrypts msg for self, including its inline files.
func Open(msg protocol.MessageData, self protocol.ID, priv *ecdh.PrivateKey) (Opened, error) {
	files, err := Files(msg)
	if err != nil {
		return Opened{}, err
	}
	plain, k, err := envelope.OpenFor(msg, self, priv)
	if err != nil {
		return Opened{}, err
	}
	out := Opened{Text: string(plain), Key: k, Files: make([]OpenedFile, 0, len(files))}
	for _, f := range files {
		of := OpenedFile{Meta: f}
		if !f.Chunked() {
			of.Data, err = envelope.Open(k, envelope.Sealed{Ciphertext: *f.EncFile, Nonce: *f.Nonce})
			if err != nil {
				return Opened{}, fmt.Errorf("open %s: %w", f.Filename, err)
			}
		}
		out.Files = append(out.Files, of)
	}
	return out, nil
}

// Fetch downloads and decrypts a chunked file of a message in chatID.
func Fetch(ctx context.Context, dl *transfer.Downloader, k envelope.Key, chatID protocol.ID, f protocol.FileMeta) ([]byte, error) {
	if !f.Chunked() {
		return nil, fmt.Errorf("%w: %s is stored inline", errs.ErrMalformed, f.Filename)
	}
	data, _, err := dl.Download(ctx, k, transfer.Ref{ChatID: chatID, MessageID: f.MessageID, FileID: f.FileID})
	return data, err
}
