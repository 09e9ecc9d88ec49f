package configstore

import (
	"path"
	"strings"
)

// excludedDirNames are never materialized, listed, imported, or digested.
var excludedDirNames = map[string]bool{
	".git":         true,
	"__pycache__":  true,
	".venv":        true,
	"node_modules": true,
	".mypy_cache":  true,
	".pytest_cache": true,
}

// isExcludedName reports whether a single path component is excluded.
func isExcludedName(name string) bool {
	return excludedDirNames[name] || name == ".DS_Store"
}

// isExcludedFile reports file-level exclusions beyond directory names.
func isExcludedFile(name string) bool {
	return strings.HasSuffix(name, ".pyc")
}

// normalizeRel validates an untrusted package-relative path: forward slashes,
// no leading slash, no "", ".", "..", no excluded component. Returns the
// cleaned relative path.
func normalizeRel(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || p == "." || strings.HasPrefix(p, "/") {
		return "", tagged(TagPathNotAllowed, "invalid path %q", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", tagged(TagPathNotAllowed, "path %q escapes the package", p)
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", tagged(TagPathNotAllowed, "path %q escapes the package", p)
		}
		if isExcludedName(part) {
			return "", tagged(TagPathNotAllowed, "path %q uses excluded name %q", p, part)
		}
		if len(part) >= 2 && part[1] == ':' {
			return "", tagged(TagPathNotAllowed, "path %q has an absolute component", p)
		}
	}
	if isExcludedFile(path.Base(clean)) {
		return "", tagged(TagPathNotAllowed, "file type of %q is not editable", p)
	}
	return clean, nil
}

// maxFileBytes returns the write cap for a package-relative path: files under
// assets/ get the asset cap, everything else the code cap.
func maxFileBytes(rel string) int64 {
	if rel == "assets" || strings.HasPrefix(rel, "assets/") {
		return assetFileMaxBytes
	}
	return codeFileMaxBytes
}

const (
	codeFileMaxBytes  int64 = 512 << 10
	assetFileMaxBytes int64 = 5 << 20
)
