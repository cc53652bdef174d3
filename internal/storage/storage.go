// Package storage is a content-addressed object store on the local filesystem that
// issues expiring HMAC-signed download URLs.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Object describes a stored object and a URL that retrieves it.
type Object struct {
	Key     string
	URL     string
	Size    int64
	Existed bool // content was already stored; nothing was copied
}

// Local stores objects under Dir keyed by the SHA-256 of their content.
type Local struct {
	dir     string
	baseURL string
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewLocal returns a store rooted at dir. baseURL is the public origin serving Handler.
func NewLocal(dir, baseURL, secret string, ttl time.Duration) (*Local, error) {
	if secret == "" {
		return nil, apperr.New(apperr.CodeConfigMissing, "storage secret is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStorageFailed, "create storage dir")
	}
	return &Local{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// HashFile returns the hex SHA-256 of a file's content.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Upload stores the file at localPath, skipping the copy when identical content exists.
func (l *Local) Upload(ctx context.Context, localPath string) (Object, error) {
	sum, size, err := HashFile(localPath)
	if err != nil {
		return Object{}, apperr.Wrap(err, apperr.CodeStorageFailed, "hash upload")
	}
	key := sum + strings.ToLower(filepath.Ext(localPath))
	obj := Object{Key: key, Size: size}

	if _, err := os.Stat(l.pathFor(key)); err == nil {
		obj.Existed = true
		trace.Logger(ctx).Debug("object already stored", "key", key)
	} else if err := l.copyIn(localPath, key); err != nil {
		return Object{}, apperr.Wrap(err, apperr.CodeStorageFailed, "store object").WithMetadata("key", key)
	}

	obj.URL = l.SignedURL(key)
	return obj, nil
}

func (l *Local) copyIn(src, key string) error {
	dst := l.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Exists reports whether key is stored.
func (l *Local) Exists(key string) bool {
	if !validKey(key) {
		return false
	}
	_, err := os.Stat(l.pathFor(key))
	return err == nil
}

// SignedURL returns a download URL for key valid for the store's TTL.
func (l *Local) SignedURL(key string) string {
	expires := l.now().Add(l.ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", l.sign(key, expires))
	return fmt.Sprintf("%s/files/%s?%s", l.baseURL, url.PathEscape(key), q.Encode())
}

// Verify checks a signature and expiry for key.
func (l *Local) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return apperr.New(apperr.CodeInvalidArgument, "malformed expiry")
	}
	if l.now().Unix() > exp {
		return apperr.New(apperr.CodeInvalidArgument, "signed url expired")
	}
	want := l.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return apperr.New(apperr.CodeInvalidArgument, "bad signature")
	}
	return nil
}

func (l *Local) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Open returns a reader for key.
func (l *Local) Open(key string) (*os.File, error) {
	if !validKey(key) {
		return nil, apperr.New(apperr.CodeInvalidArgument, "invalid object key")
	}
	f, err := os.Open(l.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.New(apperr.CodeNotFound, "object not found").WithMetadata("key", key)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStorageFailed, "open object")
	}
	return f, nil
}

// pathFor shards keys by their first two hex characters.
func (l *Local) pathFor(key string) string {
	return filepath.Join(l.dir, key[:2], key)
}

// validKey accepts a 64-char hex digest with an optional short extension.
func validKey(key string) bool {
	digest, ext, _ := strings.Cut(key, ".")
	if len(digest) != sha256.Size*2 || len(ext) > 8 {
		return false
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return false
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
