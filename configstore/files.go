package configstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Package is a handle on one configuration's package dir. Mutations are
// permitted only when the handle was opened editable (configuration is a
// draft); reads work for any status.
type Package struct {
	dir      string
	editable bool
}

// Package opens a handle on a configuration's package directory.
func (s *Store) Package(workspaceID, configurationID string, editable bool) (*Package, error) {
	dir, err := s.layout.ConfigPackageDir(workspaceID, configurationID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, tagged(TagNotFound, "configuration package missing")
	}
	return &Package{dir: dir, editable: editable}, nil
}

// Precondition carries the optimistic-concurrency headers of a mutation.
type Precondition struct {
	// IfMatch is the expected current ETag; empty means the header was absent.
	IfMatch string
	// IfNoneMatchAny is true for If-None-Match: * (create-only).
	IfNoneMatchAny bool
}

func (p *Package) mutable() error {
	if !p.editable {
		return tagged(TagNotEditable, "only draft configurations may be edited")
	}
	return nil
}

func (p *Package) resolve(rel string) (string, string, error) {
	clean, err := normalizeRel(rel)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(p.dir, filepath.FromSlash(clean)), clean, nil
}

// ReadFile returns the file content and its ETag.
func (p *Package) ReadFile(rel string) ([]byte, string, error) {
	abs, _, err := p.resolve(rel)
	if err != nil {
		return nil, "", err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", tagged(TagNotFound, "file %q not found", rel)
		}
		return nil, "", err
	}
	return content, etagOf(content), nil
}

// StatFile returns the current ETag without reading the whole file into the
// caller's hands.
func (p *Package) StatFile(rel string) (string, error) {
	abs, _, err := p.resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", tagged(TagNotFound, "file %q not found", rel)
		}
		return "", err
	}
	return fileETag(abs)
}

// WriteFile creates or replaces a file under precondition control:
// existing files require If-Match with the current ETag, creates require
// If-None-Match: *. Returns the new ETag and whether the file was created.
func (p *Package) WriteFile(rel string, content []byte, pre Precondition) (string, bool, error) {
	if err := p.mutable(); err != nil {
		return "", false, err
	}
	abs, clean, err := p.resolve(rel)
	if err != nil {
		return "", false, err
	}
	if limit := maxFileBytes(clean); int64(len(content)) > limit {
		return "", false, &Error{Tag: TagFileTooLarge, Message: fmt.Sprintf("file %q exceeds size limit", rel), Limit: limit}
	}

	current, statErr := p.StatFile(rel)
	exists := statErr == nil

	switch {
	case exists && pre.IfMatch == "":
		return "", false, tagged(TagPreconditionRequired, "If-Match required to replace %q", rel)
	case exists && pre.IfMatch != current:
		return "", false, &Error{Tag: TagPreconditionFailed, Message: fmt.Sprintf("ETag mismatch for %q", rel), CurrentETag: current}
	case !exists && !pre.IfNoneMatchAny:
		return "", false, tagged(TagPreconditionRequired, "If-None-Match: * required to create %q", rel)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", false, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".write-*")
	if err != nil {
		return "", false, err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return "", false, err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		_ = os.Remove(tmpName)
		return "", false, err
	}
	return etagOf(content), !exists, nil
}

// DeleteFile removes a file; If-Match with the current ETag is required.
func (p *Package) DeleteFile(rel string, pre Precondition) error {
	if err := p.mutable(); err != nil {
		return err
	}
	abs, _, err := p.resolve(rel)
	if err != nil {
		return err
	}
	current, err := p.StatFile(rel)
	if err != nil {
		return err
	}
	if pre.IfMatch == "" {
		return tagged(TagPreconditionRequired, "If-Match required to delete %q", rel)
	}
	if pre.IfMatch != current {
		return &Error{Tag: TagPreconditionFailed, Message: fmt.Sprintf("ETag mismatch for %q", rel), CurrentETag: current}
	}
	return os.Remove(abs)
}

// Mkdir creates a directory (and parents) inside the package.
func (p *Package) Mkdir(rel string) error {
	if err := p.mutable(); err != nil {
		return err
	}
	abs, _, err := p.resolve(rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, 0o755)
}

// Rmdir removes a directory tree inside the package.
func (p *Package) Rmdir(rel string) error {
	if err := p.mutable(); err != nil {
		return err
	}
	abs, _, err := p.resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tagged(TagNotFound, "directory %q not found", rel)
		}
		return err
	}
	if !info.IsDir() {
		return tagged(TagPathNotAllowed, "%q is not a directory", rel)
	}
	return os.RemoveAll(abs)
}

// Rename moves a file or directory. The destination must not exist unless
// overwriting a file whose current ETag matches destIfMatch.
func (p *Package) Rename(srcRel, destRel, destIfMatch string) error {
	if err := p.mutable(); err != nil {
		return err
	}
	srcAbs, _, err := p.resolve(srcRel)
	if err != nil {
		return err
	}
	destAbs, _, err := p.resolve(destRel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(srcAbs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tagged(TagNotFound, "source %q not found", srcRel)
		}
		return err
	}

	destInfo, statErr := os.Stat(destAbs)
	if statErr == nil {
		if destInfo.IsDir() {
			return tagged(TagAlreadyExists, "destination %q already exists", destRel)
		}
		if destIfMatch == "" {
			return tagged(TagAlreadyExists, "destination %q already exists", destRel)
		}
		current, err := fileETag(destAbs)
		if err != nil {
			return err
		}
		if destIfMatch != current {
			return &Error{Tag: TagPreconditionFailed, Message: fmt.Sprintf("ETag mismatch for %q", destRel), CurrentETag: current}
		}
	}

	if err := os.MkdirAll(filepath.Dir(destAbs), 0o755); err != nil {
		return err
	}
	return os.Rename(srcAbs, destAbs)
}
