// Package blob provides streaming binary storage for uploaded documents and
// run outputs. Two implementations exist: a local-filesystem store used in
// dev and tests, and an S3-compatible object store.
//
// Every upload streams through a byte cap and an inline sha256; nothing is
// buffered whole in memory.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge is returned when an upload exceeds its byte cap. The copy is
// aborted at the cap; partial writes are cleaned up by the implementation.
var ErrTooLarge = errors.New("blob exceeds upload size limit")

// ErrVersionRequired is returned when the caller demanded a version id but
// the backend did not produce one.
var ErrVersionRequired = errors.New("backend did not return a version id")

// ErrNotFound is returned when a named blob does not exist.
var ErrNotFound = errors.New("blob not found")

// UploadResult describes a completed upload.
type UploadResult struct {
	BlobName  string
	SHA256    string
	ByteSize  int64
	VersionID string
}

// Store is the capability set shared by all blob backends.
type Store interface {
	// UploadStream writes r to name, enforcing maxBytes when > 0.
	UploadStream(ctx context.Context, name string, r io.Reader, maxBytes int64) (*UploadResult, error)
	// UploadPath uploads a local file.
	UploadPath(ctx context.Context, name, path string, maxBytes int64) (*UploadResult, error)
	// Stream opens a blob for reading. versionID selects a prior version
	// when the backend supports versioning; empty means latest.
	Stream(ctx context.Context, name, versionID string) (io.ReadCloser, error)
	// DownloadToPath copies a blob to a local file.
	DownloadToPath(ctx context.Context, name, versionID, path string) error
	// EnsureContainer creates the backing container/bucket/root if missing.
	EnsureContainer(ctx context.Context) error
}

// capReader wraps r and fails with ErrTooLarge once more than limit bytes
// have been read. limit <= 0 disables the cap.
type capReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.limit > 0 && c.read > c.limit {
		return n, fmt.Errorf("%w: read %d bytes, limit %d", ErrTooLarge, c.read, c.limit)
	}
	return n, err
}
