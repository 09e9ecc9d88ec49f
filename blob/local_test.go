package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocal_UploadStreamRoundTrip(t *testing.T) {
	store := NewLocal(t.TempDir())
	ctx := context.Background()
	if err := store.EnsureContainer(ctx); err != nil {
		t.Fatalf("ensure container: %v", err)
	}

	payload := []byte("hello")
	res, err := store.UploadStream(ctx, "ws-1/doc.bin", bytes.NewReader(payload), 0)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.ByteSize != 5 {
		t.Errorf("byte_size = %d, want 5", res.ByteSize)
	}
	sum := sha256.Sum256(payload)
	if res.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %s, want %s", res.SHA256, hex.EncodeToString(sum[:]))
	}

	rc, err := store.Stream(ctx, "ws-1/doc.bin", "")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip = %q, want %q", got, payload)
	}
}

func TestLocal_UploadStreamEnforcesCap(t *testing.T) {
	store := NewLocal(t.TempDir())
	big := strings.NewReader(strings.Repeat("x", 1024))

	_, err := store.UploadStream(context.Background(), "big.bin", big, 100)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestLocal_CapFailureLeavesNoBlob(t *testing.T) {
	dir := t.TempDir()
	store := NewLocal(dir)
	_, err := store.UploadStream(context.Background(), "big.bin", strings.NewReader(strings.Repeat("x", 64)), 10)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "big.bin")); !os.IsNotExist(err) {
		t.Error("failed upload must not leave a destination blob")
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".upload-") {
			t.Errorf("temp file %s not cleaned up", e.Name())
		}
	}
}

func TestLocal_StreamMissingBlob(t *testing.T) {
	store := NewLocal(t.TempDir())
	if _, err := store.Stream(context.Background(), "missing.bin", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLocal_StreamRejectsVersion(t *testing.T) {
	store := NewLocal(t.TempDir())
	if _, err := store.Stream(context.Background(), "x", "v1"); !errors.Is(err, ErrVersionRequired) {
		t.Errorf("err = %v, want ErrVersionRequired", err)
	}
}

func TestLocal_UploadRejectsTraversal(t *testing.T) {
	store := NewLocal(t.TempDir())
	_, err := store.UploadStream(context.Background(), "../escape.bin", strings.NewReader("x"), 0)
	if err == nil {
		t.Fatal("traversal blob name should be rejected")
	}
}

func TestLocal_DownloadToPath(t *testing.T) {
	store := NewLocal(t.TempDir())
	ctx := context.Background()
	if _, err := store.UploadStream(ctx, "a/b.bin", strings.NewReader("payload"), 0); err != nil {
		t.Fatalf("upload: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "staged", "b.bin")
	if err := store.DownloadToPath(ctx, "a/b.bin", "", dest); err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("download = %q, want payload", got)
	}
}
