package configstore

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ade-io/ade/pathsafe"
)

const testEngineDep = "ade-engine"

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	dataDir := t.TempDir()
	layout := pathsafe.NewLayout(dataDir, "", "", "")
	return New(layout, testEngineDep, 10<<20), dataDir
}

func writeTemplate(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return dir
}

func validTemplate(t *testing.T) string {
	t.Helper()
	return writeTemplate(t, map[string]string{
		"pyproject.toml": "[project]\nname = \"demo\"\ndependencies = [\"ade-engine>=0.4\"]\n",
		"main.py":        "print('hello')\n",
		"mappings/us.py": "RULES = []\n",
	})
}

func TestMaterializeTemplate(t *testing.T) {
	s, _ := testStore(t)
	if err := s.MaterializeTemplate("ws1", "cfg1", validTemplate(t)); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	dir, err := s.PackageDir("ws1", "cfg1")
	if err != nil {
		t.Fatalf("package dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "main.py")); err != nil {
		t.Errorf("main.py not materialized: %v", err)
	}

	// A second materialization for the same configuration is a conflict.
	err = s.MaterializeTemplate("ws1", "cfg1", validTemplate(t))
	if TagOf(err) != TagPublishConflict {
		t.Errorf("duplicate materialize tag = %q, want %q", TagOf(err), TagPublishConflict)
	}
}

func TestMaterializeRejectsMissingEngineDep(t *testing.T) {
	s, _ := testStore(t)
	tmpl := writeTemplate(t, map[string]string{
		"pyproject.toml": "[project]\nname = \"demo\"\ndependencies = [\"requests\"]\n",
	})
	err := s.MaterializeTemplate("ws1", "cfg1", tmpl)
	if TagOf(err) != TagEngineDepMissing {
		t.Fatalf("tag = %q, want %q", TagOf(err), TagEngineDepMissing)
	}
	// Nothing may be left behind, staging included.
	parent, _ := s.layout.ConfigPackagesDir("ws1")
	entries, _ := os.ReadDir(parent)
	if len(entries) != 0 {
		t.Errorf("packages dir not empty after failed materialize: %v", entries)
	}
}

func TestRequirementsTxtSatisfiesEngineDep(t *testing.T) {
	s, _ := testStore(t)
	tmpl := writeTemplate(t, map[string]string{
		"requirements.txt": "# deps\nade-engine[xlsx]>=0.4 ; python_version > '3.11'\n",
		"main.py":          "pass\n",
	})
	if err := s.MaterializeTemplate("ws1", "cfg1", tmpl); err != nil {
		t.Fatalf("materialize: %v", err)
	}
}

func TestContentDigestDeterministic(t *testing.T) {
	s, _ := testStore(t)
	if err := s.MaterializeTemplate("ws1", "a", validTemplate(t)); err != nil {
		t.Fatalf("materialize a: %v", err)
	}
	if err := s.Clone("ws1", "a", "b"); err != nil {
		t.Fatalf("clone: %v", err)
	}
	dirA, _ := s.PackageDir("ws1", "a")
	dirB, _ := s.PackageDir("ws1", "b")

	da1, err := ContentDigest(dirA)
	if err != nil {
		t.Fatalf("digest a: %v", err)
	}
	da2, _ := ContentDigest(dirA)
	db, _ := ContentDigest(dirB)
	if da1 != da2 {
		t.Errorf("digest not stable: %s vs %s", da1, da2)
	}
	if da1 != db {
		t.Errorf("identical trees digest differently: %s vs %s", da1, db)
	}

	// Excluded dirs do not perturb the digest.
	if err := os.MkdirAll(filepath.Join(dirA, "__pycache__"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dirA, "__pycache__", "x.pyc"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	da3, _ := ContentDigest(dirA)
	if da3 != da1 {
		t.Errorf("excluded content changed digest")
	}
}

func TestDepsDigestTracksManifestsOnly(t *testing.T) {
	s, _ := testStore(t)
	if err := s.MaterializeTemplate("ws1", "cfg1", validTemplate(t)); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	dir, _ := s.PackageDir("ws1", "cfg1")

	before, err := DepsDigest(dir)
	if err != nil {
		t.Fatalf("deps digest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('changed')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	after, _ := DepsDigest(dir)
	if before != after {
		t.Errorf("code edit changed deps digest")
	}

	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("lxml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	after2, _ := DepsDigest(dir)
	if before == after2 {
		t.Errorf("manifest edit did not change deps digest")
	}
}

func buildZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	path := filepath.Join(t.TempDir(), "import.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImportArchive(t *testing.T) {
	s, _ := testStore(t)
	zipPath := buildZip(t, map[string]string{
		"pyproject.toml": "dependencies = [\"ade-engine\"]\n",
		"main.py":        "pass\n",
	})
	if err := s.ImportArchive("ws1", "cfg1", zipPath, false); err != nil {
		t.Fatalf("import: %v", err)
	}
	dir, _ := s.PackageDir("ws1", "cfg1")
	if _, err := os.Stat(filepath.Join(dir, "main.py")); err != nil {
		t.Errorf("imported file missing: %v", err)
	}

	// Re-import without replace conflicts; with replace it swaps the tree.
	if err := s.ImportArchive("ws1", "cfg1", zipPath, false); TagOf(err) != TagPublishConflict {
		t.Errorf("re-import tag = %q, want %q", TagOf(err), TagPublishConflict)
	}
	zip2 := buildZip(t, map[string]string{
		"pyproject.toml": "dependencies = [\"ade-engine\"]\n",
		"other.py":       "pass\n",
	})
	if err := s.ImportArchive("ws1", "cfg1", zip2, true); err != nil {
		t.Fatalf("replace import: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "main.py")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("replaced tree still has old file")
	}
	if _, err := os.Stat(filepath.Join(dir, "other.py")); err != nil {
		t.Errorf("replacement file missing: %v", err)
	}
}

func TestImportStripsWrapperFolder(t *testing.T) {
	s, _ := testStore(t)
	zipPath := buildZip(t, map[string]string{
		"bundle/pyproject.toml": "x\n",
		"bundle/src/main.py":    "pass\n",
	})
	if err := s.ImportArchive("ws1", "cfg1", zipPath, false); err != nil {
		t.Fatalf("import: %v", err)
	}
	dir, _ := s.PackageDir("ws1", "cfg1")
	if _, err := os.Stat(filepath.Join(dir, "src", "main.py")); err != nil {
		t.Errorf("wrapper folder not stripped: %v", err)
	}
}

func TestImportRejectsTraversal(t *testing.T) {
	s, dataDir := testStore(t)
	zipPath := buildZip(t, map[string]string{
		"../../etc/passwd": "root:x\n",
		"main.py":          "pass\n",
	})
	err := s.ImportArchive("ws1", "cfg1", zipPath, false)
	if TagOf(err) != TagPathNotAllowed {
		t.Fatalf("tag = %q, want %q", TagOf(err), TagPathNotAllowed)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "etc", "passwd")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("traversal entry escaped staging")
	}
	// Package dir and staging must both be gone.
	dir, _ := s.PackageDir("ws1", "cfg1")
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("package dir created despite rejected import")
	}
	parent, _ := s.layout.ConfigPackagesDir("ws1")
	entries, _ := os.ReadDir(parent)
	if len(entries) != 0 {
		t.Errorf("staging left behind: %v", entries)
	}
}

func TestImportRejectsExcludedNames(t *testing.T) {
	s, _ := testStore(t)
	zipPath := buildZip(t, map[string]string{
		".git/config": "bad\n",
		"main.py":     "pass\n",
	})
	if err := s.ImportArchive("ws1", "cfg1", zipPath, false); TagOf(err) != TagPathNotAllowed {
		t.Errorf("tag = %q, want %q", TagOf(err), TagPathNotAllowed)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	if err := s.MaterializeTemplate("ws1", "cfg1", validTemplate(t)); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	dirA, _ := s.PackageDir("ws1", "cfg1")
	digestA, err := ContentDigest(dirA)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	exported, err := s.Export("ws1", "cfg1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	zipPath := filepath.Join(t.TempDir(), "export.zip")
	if err := os.WriteFile(zipPath, exported, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.ImportArchive("ws1", "cfg2", zipPath, false); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	dirB, _ := s.PackageDir("ws1", "cfg2")
	digestB, _ := ContentDigest(dirB)
	if digestA != digestB {
		t.Errorf("round-trip digest mismatch: %s vs %s", digestA, digestB)
	}
}

func TestValidateReportsDigests(t *testing.T) {
	s, _ := testStore(t)
	if err := s.MaterializeTemplate("ws1", "cfg1", validTemplate(t)); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	res, err := s.Validate("ws1", "cfg1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(res.Issues) != 0 {
		t.Errorf("unexpected issues: %v", res.Issues)
	}
	if res.ContentDigest == "" || res.DepsDigest == "" {
		t.Errorf("digests not populated: %+v", res)
	}
	if res.ContentDigest == res.DepsDigest {
		t.Errorf("content and deps digests should differ for this tree")
	}
}
