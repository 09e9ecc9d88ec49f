package configstore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// DepthInfinity lists the whole subtree under the prefix.
const DepthInfinity = -1

// ListOptions controls ListFiles. Depth is not defaulted: the zero value
// stops at the prefix entry itself, so callers listing a subtree must pass
// DepthInfinity explicitly.
type ListOptions struct {
	// Prefix restricts the listing to one subtree ("" = package root).
	Prefix string
	// Depth limits how many segments below the prefix are returned:
	// 0 = the prefix entry itself, 1 = direct children, DepthInfinity = all.
	Depth int
	// Include/Exclude are path glob patterns (path.Match syntax) applied to
	// the package-relative path.
	Include []string
	Exclude []string
	// Limit caps the page size; clamped into [1, 5000]. 0 means 1000.
	Limit int
	// Cursor resumes a previous listing.
	Cursor string
	// SortKey is one of path|name|mtime|size (default path).
	SortKey string
	// Order is asc or desc (default asc).
	Order string
}

// Entry is one row of a file listing.
type Entry struct {
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	Parent      string    `json:"parent"`
	Kind        string    `json:"kind"` // "file" or "dir"
	Depth       int       `json:"depth"`
	Size        *int64    `json:"size,omitempty"`
	MTime       time.Time `json:"mtime"`
	ETag        string    `json:"etag,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	HasChildren bool      `json:"has_children"`
}

// Listing is a page of entries plus the weak fileset hash of the whole
// filtered listing, usable as an HTTP ETag for 304 responses.
type Listing struct {
	Entries     []Entry `json:"entries"`
	NextCursor  string  `json:"next_cursor,omitempty"`
	FilesetHash string  `json:"fileset_hash"`
}

// listCursor is the opaque pagination token, msgpack+base64 encoded so
// clients cannot depend on its shape.
type listCursor struct {
	Offset  int    `msgpack:"offset"`
	SortKey string `msgpack:"sort"`
	Order   string `msgpack:"order"`
}

func encodeCursor(c listCursor) string {
	raw, err := msgpack.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (listCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return listCursor{}, tagged(TagPathNotAllowed, "invalid cursor")
	}
	var c listCursor
	if err := msgpack.Unmarshal(raw, &c); err != nil {
		return listCursor{}, tagged(TagPathNotAllowed, "invalid cursor")
	}
	return c, nil
}

// ListFiles produces a flat, sorted, paginated listing of the package.
func (p *Package) ListFiles(opts ListOptions) (*Listing, error) {
	if opts.SortKey == "" {
		opts.SortKey = "path"
	}
	switch opts.SortKey {
	case "path", "name", "mtime", "size":
	default:
		return nil, tagged(TagPathNotAllowed, "invalid sort key %q", opts.SortKey)
	}
	if opts.Order == "" {
		opts.Order = "asc"
	}
	if opts.Order != "asc" && opts.Order != "desc" {
		return nil, tagged(TagPathNotAllowed, "invalid order %q", opts.Order)
	}
	limit := opts.Limit
	if limit == 0 {
		limit = 1000
	}
	if limit < 1 || limit > 5000 {
		return nil, tagged(TagPathNotAllowed, "limit out of range [1,5000]")
	}

	prefix := ""
	if opts.Prefix != "" {
		clean, err := normalizeRel(opts.Prefix)
		if err != nil {
			return nil, err
		}
		prefix = clean
	}

	entries, err := p.collect(prefix, opts)
	if err != nil {
		return nil, err
	}
	sortEntries(entries, opts.SortKey, opts.Order)

	hash := filesetHash(entries)

	offset := 0
	if opts.Cursor != "" {
		c, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		if c.SortKey != opts.SortKey || c.Order != opts.Order {
			return nil, tagged(TagPathNotAllowed, "cursor does not match sort options")
		}
		offset = c.Offset
	}
	if offset > len(entries) {
		offset = len(entries)
	}

	end := offset + limit
	next := ""
	if end < len(entries) {
		next = encodeCursor(listCursor{Offset: end, SortKey: opts.SortKey, Order: opts.Order})
	} else {
		end = len(entries)
	}

	return &Listing{Entries: entries[offset:end], NextCursor: next, FilesetHash: hash}, nil
}

// collect walks the package and builds filtered entries.
func (p *Package) collect(prefix string, opts ListOptions) ([]Entry, error) {
	base := p.dir
	var out []Entry
	err := filepath.WalkDir(base, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(base, abs)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() && isExcludedName(d.Name()) {
			return filepath.SkipDir
		}
		if !d.IsDir() && (isExcludedName(d.Name()) || isExcludedFile(d.Name())) {
			return nil
		}

		relDepth, in := depthUnder(prefix, rel)
		if !in {
			if d.IsDir() && !strings.HasPrefix(prefix, rel+"/") && rel != prefix {
				return filepath.SkipDir
			}
			return nil
		}
		if opts.Depth != DepthInfinity && relDepth > opts.Depth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !matchGlobs(rel, opts.Include, true) || matchGlobs(rel, opts.Exclude, false) {
			return nil
		}

		entry, err := p.entryFor(abs, rel, d)
		if err != nil {
			return err
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Package) entryFor(abs, rel string, d fs.DirEntry) (Entry, error) {
	info, err := d.Info()
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Path:   rel,
		Name:   path.Base(rel),
		Parent: parentOf(rel),
		Depth:  strings.Count(rel, "/"),
		MTime:  info.ModTime().UTC(),
	}
	if d.IsDir() {
		e.Kind = "dir"
		children, err := os.ReadDir(abs)
		if err != nil {
			return Entry{}, err
		}
		for _, c := range children {
			if !isExcludedName(c.Name()) && !(c.Type().IsRegular() && isExcludedFile(c.Name())) {
				e.HasChildren = true
				break
			}
		}
		return e, nil
	}
	e.Kind = "file"
	size := info.Size()
	e.Size = &size
	etag, err := fileETag(abs)
	if err != nil {
		return Entry{}, err
	}
	e.ETag = etag
	e.ContentType = contentTypeFor(rel)
	return e, nil
}

// depthUnder returns how many segments rel sits below prefix and whether it
// is inside (or equal to) the prefix at all.
func depthUnder(prefix, rel string) (int, bool) {
	if prefix == "" {
		return strings.Count(rel, "/") + 1, true
	}
	if rel == prefix {
		return 0, true
	}
	if !strings.HasPrefix(rel, prefix+"/") {
		return 0, false
	}
	return strings.Count(strings.TrimPrefix(rel, prefix+"/"), "/") + 1, true
}

func parentOf(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[:i]
	}
	return ""
}

// matchGlobs applies path.Match patterns to rel. For include patterns an
// empty set means match-everything; for exclude it means match-nothing.
func matchGlobs(rel string, patterns []string, emptyMeans bool) bool {
	if len(patterns) == 0 {
		return emptyMeans
	}
	for _, pat := range patterns {
		if ok, err := path.Match(pat, rel); err == nil && ok {
			return true
		}
		// Also match on the base name so "*.py" works at any depth.
		if ok, err := path.Match(pat, path.Base(rel)); err == nil && ok {
			return true
		}
	}
	return false
}

func sortEntries(entries []Entry, key, order string) {
	less := func(a, b Entry) bool { return a.Path < b.Path }
	switch key {
	case "name":
		less = func(a, b Entry) bool {
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.Path < b.Path
		}
	case "mtime":
		less = func(a, b Entry) bool {
			if !a.MTime.Equal(b.MTime) {
				return a.MTime.Before(b.MTime)
			}
			return a.Path < b.Path
		}
	case "size":
		less = func(a, b Entry) bool {
			as, bs := int64(-1), int64(-1)
			if a.Size != nil {
				as = *a.Size
			}
			if b.Size != nil {
				bs = *b.Size
			}
			if as != bs {
				return as < bs
			}
			return a.Path < b.Path
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if order == "desc" {
			return less(entries[j], entries[i])
		}
		return less(entries[i], entries[j])
	})
}

// filesetHash computes the weak listing ETag over (path, etag, size).
func filesetHash(entries []Entry) string {
	// Hash in path order so the result is independent of the sort options.
	paths := make([]int, len(entries))
	for i := range entries {
		paths[i] = i
	}
	sort.Slice(paths, func(i, j int) bool { return entries[paths[i]].Path < entries[paths[j]].Path })

	h := sha256.New()
	for _, i := range paths {
		e := entries[i]
		size := int64(-1)
		if e.Size != nil {
			size = *e.Size
		}
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00", e.Path, e.ETag, size)
	}
	return `W/"sha256:` + hex.EncodeToString(h.Sum(nil)) + `"`
}

func contentTypeFor(rel string) string {
	if ct := mime.TypeByExtension(path.Ext(rel)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
