// Package decrypt turns the host application's SQLCipher databases into
// plaintext SQLite copies that ordinary SQL can query.
//
// Decryption happens at the page level with a fixed, previously validated
// parameter profile (see Params). Plaintext copies live in a private
// cache directory keyed by source path; a copy is reused as long as it is
// newer than its source, so steady-state polling pays no crypto cost.
package decrypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"

	_ "github.com/mattn/go-sqlite3"
)

// ErrDecryptionFailed indicates the key or parameter profile does not
// match the file: wrong key, corrupted file, or unsupported client
// version. It is never ignored silently.
var ErrDecryptionFailed = errors.New("decryption failed")

var sqliteHeader = []byte("SQLite format 3\x00")

// sidecar extensions copied along with the main file: an open database
// may hold uncommitted pages in them.
var sidecars = []string{"-wal", "-shm"}

// Engine decrypts database files into a plaintext cache directory. One
// engine instance owns one cache directory.
type Engine struct {
	cacheDir string
	params   Params
	logger   *zap.Logger

	// export writes the decrypted content of src to dst. Swappable so
	// tests can spy on how often the expensive path runs.
	export func(ctx context.Context, src, dst string, key Key) error
}

// NewEngine creates an engine writing plaintext copies under cacheDir.
func NewEngine(cacheDir string, params Params, logger *zap.Logger) *Engine {
	e := &Engine{
		cacheDir: cacheDir,
		params:   params,
		logger:   logger,
	}
	e.export = e.exportPlaintext
	return e
}

// PlainPath returns the cache location for the plaintext copy of src.
// The name folds in a digest of the source path so shards with equal
// base names from different roots cannot collide.
func (e *Engine) PlainPath(src string) string {
	sum := md5.Sum([]byte(src))
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(e.cacheDir, fmt.Sprintf("%s_%x.db", base, sum[:4]))
}

// Decrypt returns the path of a validated plaintext copy of the database
// at path. The cached copy is returned unchanged while it is newer than
// the source; otherwise the source is copied to scratch, decrypted page
// by page, validated against the catalog and moved into the cache.
// Scratch files are removed on every exit path.
func (e *Engine) Decrypt(ctx context.Context, path string, key Key) (string, error) {
	srcInfo, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	plain := e.PlainPath(path)
	if info, err := os.Stat(plain); err == nil && info.ModTime().After(srcInfo.ModTime()) {
		return plain, nil
	}

	if err := os.MkdirAll(e.cacheDir, 0700); err != nil {
		return "", err
	}

	scratch, cleanup, err := e.copyToScratch(path)
	defer cleanup()
	if err != nil {
		return "", err
	}

	tmp := plain + ".tmp"
	defer os.Remove(tmp)
	if err := e.export(ctx, scratch, tmp, key); err != nil {
		return "", err
	}
	if err := validateCatalog(tmp); err != nil {
		return "", fmt.Errorf("%w: catalog read: %v", ErrDecryptionFailed, err)
	}
	if err := os.Rename(tmp, plain); err != nil {
		return "", err
	}
	// The copy must postdate the source for the cache check above.
	now := time.Now()
	if err := os.Chtimes(plain, now, now); err != nil {
		return "", err
	}
	return plain, nil
}

// copyToScratch copies the live database and its sidecars to a scratch
// location so the host's file is never read mid-decryption or mutated.
// A copy failure is retried once: the host app may hold the file briefly.
func (e *Engine) copyToScratch(src string) (string, func(), error) {
	dir := filepath.Join(e.cacheDir, "scratch")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", func() {}, err
	}

	scratch := filepath.Join(dir, uuid.NewString()+".db")
	cleanup := func() {
		os.Remove(scratch)
		for _, ext := range sidecars {
			os.Remove(scratch + ext)
		}
	}

	if err := copyFile(src, scratch); err != nil {
		time.Sleep(200 * time.Millisecond)
		if err = copyFile(src, scratch); err != nil {
			return scratch, cleanup, fmt.Errorf("copy source: %w", err)
		}
	}
	for _, ext := range sidecars {
		if _, err := os.Stat(src + ext); err == nil {
			if err := copyFile(src+ext, scratch+ext); err != nil && e.logger != nil {
				e.logger.Warn("sidecar copy failed", zap.String("file", src+ext), zap.Error(err))
			}
		}
	}
	return scratch, cleanup, nil
}

// exportPlaintext is the expensive path: read the scratch copy, decrypt
// every page, write an ordinary SQLite file to dst.
func (e *Engine) exportPlaintext(ctx context.Context, src, dst string, key Key) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read scratch: %w", err)
	}
	plain, err := decryptPages(ctx, raw, key, e.params)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, plain, 0600)
}

// decryptPages decrypts a whole SQLCipher file image. The first 16 bytes
// are the KDF salt; every page carries its IV and HMAC in the reserved
// region at the page end. The plaintext keeps the reserved bytes in
// place — the SQLite header already declares them, so the output is a
// well-formed database.
func decryptPages(ctx context.Context, raw []byte, key Key, p Params) ([]byte, error) {
	if len(raw) < p.PageSize || len(raw)%p.PageSize != 0 {
		return nil, fmt.Errorf("%w: file is not page-aligned (%d bytes)", ErrDecryptionFailed, len(raw))
	}
	if bytes.HasPrefix(raw, sqliteHeader) {
		return nil, fmt.Errorf("%w: file is already plaintext", ErrDecryptionFailed)
	}

	salt := raw[:saltSize]
	encKey := pbkdf2.Key(key[:], salt, p.KDFIter, KeySize, p.Hash)

	macSalt := make([]byte, saltSize)
	for i, b := range salt {
		macSalt[i] = b ^ 0x3a
	}
	macKey := pbkdf2.Key(encKey, macSalt, 2, KeySize, p.Hash)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}

	reserve := p.reserve()
	body := p.PageSize - reserve
	out := make([]byte, 0, len(raw))

	for n := 0; n < len(raw)/p.PageSize; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := raw[n*p.PageSize : (n+1)*p.PageSize]

		// Unallocated trailing pages can be all zeroes; pass them through.
		if n > 0 && isZero(page) {
			out = append(out, page...)
			continue
		}

		offset := 0
		if n == 0 {
			offset = saltSize
			out = append(out, sqliteHeader...)
		}
		content := page[offset:body]
		iv := page[body : body+ivSize]
		mac := page[body+ivSize : body+ivSize+p.macSize()]

		if !checkMAC(macKey, content, iv, uint32(n+1), mac, p) {
			return nil, fmt.Errorf("%w: page %d hmac mismatch", ErrDecryptionFailed, n+1)
		}

		dec := make([]byte, len(content))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(dec, content)
		out = append(out, dec...)
		out = append(out, page[body:]...)
	}
	return out, nil
}

// checkMAC verifies the per-page HMAC over content, IV and the
// little-endian page number.
func checkMAC(macKey, content, iv []byte, pageNo uint32, mac []byte, p Params) bool {
	h := hmac.New(p.Hash, macKey)
	h.Write(content)
	h.Write(iv)
	var no [4]byte
	binary.LittleEndian.PutUint32(no[:], pageNo)
	h.Write(no[:])
	return hmac.Equal(h.Sum(nil), mac)
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// validateCatalog runs a trivial read against the exported file. Failure
// here means the key or profile was wrong for this database.
func validateCatalog(path string) error {
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()
	var n int
	return db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&n)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
