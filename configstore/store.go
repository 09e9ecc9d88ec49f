package configstore

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ade-io/ade/iox"
	"github.com/ade-io/ade/pathsafe"
)

// Store materializes and mutates configuration packages on disk.
type Store struct {
	layout pathsafe.Layout
	// engineDep is the dependency name every package must declare.
	engineDep      string
	importMaxBytes int64
}

// New creates a Store. engineDep is the required engine dependency name;
// importMaxBytes caps archive imports (compressed and per-entry).
func New(layout pathsafe.Layout, engineDep string, importMaxBytes int64) *Store {
	return &Store{layout: layout, engineDep: engineDep, importMaxBytes: importMaxBytes}
}

// PackageDir resolves the package directory for a configuration.
func (s *Store) PackageDir(workspaceID, configurationID string) (string, error) {
	return s.layout.ConfigPackageDir(workspaceID, configurationID)
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Issues        []string `json:"issues"`
	ContentDigest string   `json:"content_digest"`
	DepsDigest    string   `json:"deps_digest"`
}

// MaterializeTemplate copies the template tree into a fresh package dir for
// the configuration. Fails with engine_dependency_missing when the template
// does not declare the engine dependency and publish_conflict when the
// destination already exists. Any failure removes the staging directory.
func (s *Store) MaterializeTemplate(workspaceID, configurationID, templateDir string) error {
	return s.materialize(workspaceID, configurationID, templateDir)
}

// Clone copies another configuration's package into a fresh package dir.
func (s *Store) Clone(workspaceID, sourceConfigurationID, configurationID string) error {
	src, err := s.layout.ConfigPackageDir(workspaceID, sourceConfigurationID)
	if err != nil {
		return err
	}
	return s.materialize(workspaceID, configurationID, src)
}

func (s *Store) materialize(workspaceID, configurationID, srcDir string) error {
	dest, err := s.layout.ConfigPackageDir(workspaceID, configurationID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		return tagged(TagPublishConflict, "configuration package already exists")
	}

	staging, err := s.newStagingDir(workspaceID, configurationID)
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := copyTree(srcDir, staging); err != nil {
		return fmt.Errorf("copy source tree: %w", err)
	}
	if !s.declaresEngineDep(staging) {
		return tagged(TagEngineDepMissing, "package does not declare dependency %q", s.engineDep)
	}
	if err := os.Rename(staging, dest); err != nil {
		if _, statErr := os.Stat(dest); statErr == nil {
			return tagged(TagPublishConflict, "configuration package already exists")
		}
		return fmt.Errorf("finalize package: %w", err)
	}
	return nil
}

// Validate verifies the package declares the engine dependency and computes
// both digests. Issues is empty today; the shape is stable for future checks.
func (s *Store) Validate(workspaceID, configurationID string) (*ValidationResult, error) {
	dir, err := s.layout.ConfigPackageDir(workspaceID, configurationID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, tagged(TagNotFound, "configuration package missing")
	}
	if !s.declaresEngineDep(dir) {
		return nil, tagged(TagEngineDepMissing, "package does not declare dependency %q", s.engineDep)
	}
	content, err := ContentDigest(dir)
	if err != nil {
		return nil, err
	}
	deps, err := DepsDigest(dir)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{Issues: []string{}, ContentDigest: content, DepsDigest: deps}, nil
}

// Delete removes a configuration's package directory.
func (s *Store) Delete(workspaceID, configurationID string) error {
	dir, err := s.layout.ConfigPackageDir(workspaceID, configurationID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// newStagingDir creates .staging-<id>-<rand> next to the destination so the
// final rename stays on one filesystem.
func (s *Store) newStagingDir(workspaceID, configurationID string) (string, error) {
	parent, err := s.layout.ConfigPackagesDir(workspaceID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create packages dir: %w", err)
	}
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	staging := filepath.Join(parent, fmt.Sprintf(".staging-%s-%s", configurationID, hex.EncodeToString(buf[:])))
	if err := os.Mkdir(staging, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return staging, nil
}

// declaresEngineDep scans dependency manifests for the engine dependency.
// pyproject.toml matches on a quoted requirement spec; requirements files
// match on the requirement name before any version or extras marker.
func (s *Store) declaresEngineDep(dir string) bool {
	entries, err := sourceFiles(dir)
	if err != nil {
		return false
	}
	for _, rel := range entries {
		base := filepath.Base(rel)
		if !isDependencyManifest(base) {
			continue
		}
		f, err := os.Open(filepath.Join(dir, rel))
		if err != nil {
			continue
		}
		found := scanForRequirement(f, s.engineDep, base == "pyproject.toml")
		iox.DiscardClose(f)
		if found {
			return true
		}
	}
	return false
}

func scanForRequirement(r io.Reader, dep string, pyproject bool) bool {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if pyproject {
			// dependencies = ["ade-engine>=0.4", ...] or one entry per line
			if strings.Contains(line, `"`+dep+`"`) || strings.Contains(line, `'`+dep+`'`) {
				return true
			}
			if strings.Contains(line, `"`+dep) || strings.Contains(line, `'`+dep) {
				if name := requirementName(strings.Trim(line, `"',[] `)); name == dep {
					return true
				}
			}
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if requirementName(line) == dep {
			return true
		}
	}
	return false
}

// requirementName extracts the bare name from a requirement spec like
// "ade-engine[xlsx]>=0.4 ; python_version > '3.11'".
func requirementName(spec string) string {
	name := spec
	for _, sep := range []string{"[", "=", "<", ">", "~", "!", ";", " ", "@"} {
		if i := strings.Index(name, sep); i >= 0 {
			name = name[:i]
		}
	}
	return strings.TrimSpace(name)
}

// copyTree copies src into dst (which must exist), skipping excluded names.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
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
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if isExcludedName(d.Name()) || isExcludedFile(d.Name()) {
			return nil
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(in)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
