package configstore

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ade-io/ade/iox"
)

const (
	importMaxEntries        = 5000
	importMaxTotalUncompressed int64 = 200 << 20
)

// ImportArchive extracts a zip archive into the configuration's package dir.
// Traversal entries, excluded names, oversized entries, and oversized totals
// are rejected before anything leaves the staging directory. When replace is
// true an existing tree is swapped out via a backup dir and only deleted
// after the rename lands; otherwise an existing tree is a publish conflict.
func (s *Store) ImportArchive(workspaceID, configurationID, zipPath string, replace bool) error {
	info, err := os.Stat(zipPath)
	if err != nil {
		return tagged(TagInvalidArchive, "cannot read archive: %v", err)
	}
	if s.importMaxBytes > 0 && info.Size() > s.importMaxBytes {
		return &Error{Tag: TagArchiveTooLarge, Message: "compressed archive exceeds import limit", Limit: s.importMaxBytes}
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return tagged(TagInvalidArchive, "not a zip archive")
	}
	defer iox.DiscardClose(zr)

	if len(zr.File) > importMaxEntries {
		return tagged(TagTooManyEntries, "archive has %d entries, limit %d", len(zr.File), importMaxEntries)
	}

	dest, err := s.layout.ConfigPackageDir(workspaceID, configurationID)
	if err != nil {
		return err
	}
	if !replace {
		if _, err := os.Stat(dest); err == nil {
			return tagged(TagPublishConflict, "configuration package already exists")
		}
	}

	staging, err := s.newStagingDir(workspaceID, configurationID)
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(staging) }()

	wrapper := wrapperPrefix(zr.File)
	var total int64
	for _, entry := range zr.File {
		name := strings.TrimPrefix(entry.Name, wrapper)
		if name == "" {
			continue
		}
		if strings.HasSuffix(name, "/") {
			rel, err := normalizeRel(strings.TrimSuffix(name, "/"))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(staging, filepath.FromSlash(rel)), 0o755); err != nil {
				return err
			}
			continue
		}
		rel, err := normalizeRel(name)
		if err != nil {
			return err
		}
		n, err := s.extractEntry(entry, filepath.Join(staging, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		total += n
		if total > importMaxTotalUncompressed {
			return &Error{Tag: TagArchiveTooLarge, Message: "uncompressed archive exceeds total limit", Limit: importMaxTotalUncompressed}
		}
	}

	return swapInto(staging, dest)
}

// extractEntry streams one zip entry to disk, enforcing the per-file cap.
// Declared sizes are untrusted; the cap is enforced on actual bytes copied.
func (s *Store) extractEntry(entry *zip.File, dest string) (int64, error) {
	limit := s.importMaxBytes
	if limit <= 0 {
		limit = importMaxTotalUncompressed
	}
	rc, err := entry.Open()
	if err != nil {
		return 0, tagged(TagInvalidArchive, "cannot open entry %q", entry.Name)
	}
	defer iox.DiscardClose(rc)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, io.LimitReader(rc, limit+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return 0, err
	}
	if n > limit {
		_ = os.Remove(dest)
		return 0, &Error{Tag: TagFileTooLarge, Message: fmt.Sprintf("entry %q exceeds per-file limit", entry.Name), Limit: limit}
	}
	return n, nil
}

// wrapperPrefix detects a redundant single top-level folder shared by every
// entry and returns it (with trailing slash) so it can be stripped.
func wrapperPrefix(files []*zip.File) string {
	var top string
	for _, f := range files {
		name := strings.TrimSuffix(f.Name, "/")
		if name == "" {
			continue
		}
		first, _, found := strings.Cut(name, "/")
		if !found {
			// A file at the root means there is no wrapper.
			if !f.FileInfo().IsDir() {
				return ""
			}
			first = name
		}
		if top == "" {
			top = first
		} else if top != first {
			return ""
		}
	}
	if top == "" {
		return ""
	}
	return top + "/"
}

// swapInto moves staging into place at dest. A previous tree moves to a
// backup dir first and is deleted only after the rename succeeds; on rename
// failure the backup is restored.
func swapInto(staging, dest string) error {
	backup := ""
	if _, err := os.Stat(dest); err == nil {
		backup = dest + ".backup-" + filepath.Base(staging)
		if err := os.Rename(dest, backup); err != nil {
			return fmt.Errorf("stash previous tree: %w", err)
		}
	}
	if err := os.Rename(staging, dest); err != nil {
		if backup != "" {
			_ = os.Rename(backup, dest)
		}
		return fmt.Errorf("finalize package: %w", err)
	}
	if backup != "" {
		_ = os.RemoveAll(backup)
	}
	return nil
}

// Export builds an in-memory zip containing every editable file in the
// package with stored (uncompressed-path) relative names.
func (s *Store) Export(workspaceID, configurationID string) ([]byte, error) {
	dir, err := s.layout.ConfigPackageDir(workspaceID, configurationID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, tagged(TagNotFound, "configuration package missing")
	}
	paths, err := sourceFiles(dir)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, rel := range paths {
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return nil, err
		}
		f, err := os.Open(filepath.Join(dir, rel))
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(w, f)
		iox.DiscardClose(f)
		if err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
