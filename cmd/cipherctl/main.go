// Command cipherctl manages end-to-end keys and moves encrypted files through
// the chunk store.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/envelope"
	"github.com/Tyrowin/cipherchat/internal/protocol"
	"github.com/Tyrowin/cipherchat/internal/transfer"
)

const passwordEnv = "CIPHERCTL_PASSWORD"

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: cipherctl <command> [flags]

Commands:
  keygen    generate a key pair and seal the private key with a password
  pubkey    print the public key of a sealed private key
  msgkey    generate a random message key
  upload    encrypt and upload a file in chunks
  download  download and decrypt a chunked file

The password is read from $%s.
`, passwordEnv)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}
	var err error
	switch args[0] {
	case "keygen":
		err = keygen(args[1:], stdout)
	case "pubkey":
		err = pubkey(args[1:], stdout)
	case "msgkey":
		err = msgkey(stdout)
	case "upload":
		err = upload(ctx, args[1:], stdout, stderr)
	case "download":
		err = download(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func password() ([]byte, error) {
	pw := os.Getenv(passwordEnv)
	if pw == "" {
		return nil, fmt.Errorf("set %s", passwordEnv)
	}
	return []byte(pw), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type keyFile struct {
	PublicKey string `json:"publicKey"`
	envelope.LockedKey
}

func keygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "key.json", "where to write the sealed key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw, err := password()
	if err != nil {
		return err
	}
	priv, err := envelope.GenerateKeyPair()
	if err != nil {
		return err
	}
	pub, err := envelope.EncodePublicKey(priv.PublicKey())
	if err != nil {
		return err
	}
	locked, err := envelope.LockPrivateKey(priv, pw)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(*out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := writeJSON(f, keyFile{PublicKey: pub, LockedKey: locked}); err != nil {
		return err
	}
	fmt.Fprintln(stdout, pub)
	return nil
}

func loadKey(path string) (keyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return keyFile{}, err
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return keyFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return kf, nil
}

func pubkey(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pubkey", flag.ContinueOnError)
	keyPath := fs.String("key", "key.json", "sealed key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw, err := password()
	if err != nil {
		return err
	}
	kf, err := loadKey(*keyPath)
	if err != nil {
		return err
	}
	priv, err := envelope.UnlockPrivateKey(kf.LockedKey, pw)
	if err != nil {
		return err
	}
	pub, err := envelope.EncodePublicKey(priv.PublicKey())
	if err != nil {
		return err
	}
	if kf.PublicKey != "" && kf.PublicKey != pub {
		return errors.New("public key in file does not match the sealed private key")
	}
	fmt.Fprintln(stdout, pub)
	return nil
}

func msgkey(stdout io.Writer) error {
	k, err := envelope.NewKey()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, base64.StdEncoding.EncodeToString(k[:]))
	return nil
}

func parseMessageKey(s string) (envelope.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return envelope.Key{}, fmt.Errorf("message key: %w", err)
	}
	var k envelope.Key
	if len(raw) != len(k) {
		return envelope.Key{}, fmt.Errorf("message key: want %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// transferFlags are shared by upload and download.
type transferFlags struct {
	base    *string
	token   *string
	chat    *int64
	message *int64
	key     *string
	timeout *time.Duration
}

func addTransferFlags(fs *flag.FlagSet) transferFlags {
	return transferFlags{
		base:    fs.String("base", "http://localhost:8000", "media service base URL"),
		token:   fs.String("token", os.Getenv("CIPHERCTL_TOKEN"), "bearer token (default $CIPHERCTL_TOKEN)"),
		chat:    fs.Int64("chat", 0, "chat id"),
		message: fs.Int64("message", 0, "message id the chunks belong to"),
		key:     fs.String("msgkey", "", "base64 message key"),
		timeout: fs.Duration("timeout", 30*time.Second, "per request timeout"),
	}
}

func (f transferFlags) store() (*transfer.HTTPStore, envelope.Key, error) {
	if *f.chat == 0 || *f.message == 0 {
		return nil, envelope.Key{}, errors.New("-chat and -message are required")
	}
	k, err := parseMessageKey(*f.key)
	if err != nil {
		return nil, envelope.Key{}, err
	}
	return transfer.NewHTTPStore(*f.base, *f.token, &http.Client{Timeout: *f.timeout}), k, nil
}

func progress(w io.Writer) transfer.Progress {
	return func(ref transfer.Ref, done, total int) {
		fmt.Fprintf(w, "\r%s: %d/%d chunks", ref, done, total)
		if done == total {
			fmt.Fprintln(w)
		}
	}
}

func upload(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	tf := addTransferFlags(fs)
	fileID := fs.Int64("file-id", time.Now().UnixMilli(), "file id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("upload takes exactly one file")
	}
	store, k, err := tf.store()
	if err != nil {
		return err
	}

	path := fs.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	up := transfer.NewUploader(store, zap.NewNop(), transfer.WithUploadProgress(progress(stderr)))
	ref := transfer.Ref{ChatID: protocol.ID(*tf.chat), MessageID: protocol.ID(*tf.message), FileID: protocol.ID(*fileID)}
	meta, err := up.Upload(ctx, k, transfer.File{
		Ref:      ref,
		Name:     filepath.Base(path),
		Mimetype: mime.TypeByExtension(filepath.Ext(path)),
		Size:     st.Size(),
		Body:     f,
	})
	if err != nil {
		return err
	}
	return writeJSON(stdout, meta.FileMeta(ref))
}

func download(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	tf := addTransferFlags(fs)
	out := fs.String("out", "", "output file (default: the original name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("download takes exactly one file id")
	}
	fileID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("file id: %w", err)
	}
	store, k, err := tf.store()
	if err != nil {
		return err
	}

	dl := transfer.NewDownloader(store, zap.NewNop(), progress(stderr))
	ref := transfer.Ref{ChatID: protocol.ID(*tf.chat), MessageID: protocol.ID(*tf.message), FileID: protocol.ID(fileID)}
	data, meta, err := dl.Download(ctx, k, ref)
	if err != nil {
		return err
	}
	name := *out
	if name == "" {
		name = filepath.Base(meta.Filename)
	}
	if name == "" || name == "." || name == "/" {
		name = strconv.FormatInt(fileID, 10)
	}
	if err := os.WriteFile(name, data, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s (%d bytes)\n", name, len(data))
	return nil
}
