package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ade-io/ade/iox"
	"github.com/ade-io/ade/pathsafe"
)

// Local is a filesystem-backed Store. Writes are atomic: the payload lands
// in a temp file next to the destination and is renamed into place.
// Local storage has no versioning; Stream ignores versionID and callers
// demanding one get ErrVersionRequired from UploadStream via opts.
type Local struct {
	root pathsafe.Root
}

// NewLocal creates a local store rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{root: pathsafe.NewRoot(dir)}
}

// EnsureContainer creates the root directory.
func (l *Local) EnsureContainer(_ context.Context) error {
	return os.MkdirAll(l.root.Base(), 0o755)
}

// UploadStream implements Store.
func (l *Local) UploadStream(_ context.Context, name string, r io.Reader, maxBytes int64) (*UploadResult, error) {
	dest, err := l.root.Join(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	capped := &capReader{r: r, limit: maxBytes}
	n, err := io.Copy(io.MultiWriter(tmp, hasher), capped)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return nil, err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("finalize blob: %w", err)
	}

	return &UploadResult{
		BlobName: name,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		ByteSize: n,
	}, nil
}

// UploadPath implements Store.
func (l *Local) UploadPath(ctx context.Context, name, path string, maxBytes int64) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer iox.DiscardClose(f)
	return l.UploadStream(ctx, name, f, maxBytes)
}

// Stream implements Store. Local blobs are unversioned; a non-empty
// versionID is rejected.
func (l *Local) Stream(_ context.Context, name, versionID string) (io.ReadCloser, error) {
	if versionID != "" {
		return nil, fmt.Errorf("%w: local store is unversioned", ErrVersionRequired)
	}
	path, err := l.root.Join(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return f, nil
}

// DownloadToPath implements Store.
func (l *Local) DownloadToPath(ctx context.Context, name, versionID, path string) error {
	rc, err := l.Stream(ctx, name, versionID)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(rc)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp download: %w", err)
	}
	tmpName := tmp.Name()
	_, err = io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

// Verify Local implements Store.
var _ Store = (*Local)(nil)
