package configstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ade-io/ade/iox"
)

// dependency manifests considered by the deps digest.
func isDependencyManifest(name string) bool {
	if name == "pyproject.toml" {
		return true
	}
	return strings.HasPrefix(name, "requirements") && strings.HasSuffix(name, ".txt")
}

// ContentDigest computes sha256 over the set of source-relevant files in a
// config tree: sorted by relative path, each contribution path-prefixed and
// NUL-separated. Deterministic for identical trees regardless of copy order.
func ContentDigest(dir string) (string, error) {
	return digestTree(dir, func(string) bool { return true })
}

// DepsDigest computes the narrower digest over dependency manifests only.
// Environment rebuilds key off this value.
func DepsDigest(dir string) (string, error) {
	return digestTree(dir, isDependencyManifest)
}

func digestTree(dir string, include func(baseName string) bool) (string, error) {
	paths, err := sourceFiles(dir)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, rel := range paths {
		if !include(filepath.Base(rel)) {
			continue
		}
		h.Write([]byte(filepath.ToSlash(rel)))
		h.Write([]byte{0})
		if err := hashFile(h, filepath.Join(dir, rel)); err != nil {
			return "", err
		}
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(h io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	defer iox.DiscardClose(f)
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	return nil
}

// sourceFiles walks dir and returns sorted relative paths of all
// source-relevant files (excluded names pruned).
func sourceFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if isExcludedName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isExcludedName(d.Name()) || isExcludedFile(d.Name()) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// fileETag returns the strong entity tag sha256:<hex> over the file bytes.
func fileETag(path string) (string, error) {
	h := sha256.New()
	if err := hashFile(h, path); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// etagOf computes the entity tag for in-memory content.
func etagOf(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}
