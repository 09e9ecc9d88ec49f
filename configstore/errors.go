// Package configstore owns the on-disk lifecycle of configuration packages:
// template materialization, cloning, archive import/export, per-file CRUD
// with ETag preconditions, and change detection via content digests.
//
// For a given configuration the only directory ever mutated is its package
// dir under <workspaces>/<ws>/config_packages/<config>.
package configstore

import (
	"errors"
	"fmt"
)

// Tag identifies an error kind; tags are stable API surface mapped onto
// problem-details responses.
type Tag string

const (
	TagNotEditable          Tag = "configuration_not_editable"
	TagPublishConflict      Tag = "publish_conflict"
	TagEngineDepMissing     Tag = "engine_dependency_missing"
	TagPreconditionRequired Tag = "precondition_required"
	TagPreconditionFailed   Tag = "precondition_failed"
	TagPathNotAllowed       Tag = "path_not_allowed"
	TagArchiveTooLarge      Tag = "archive_too_large"
	TagTooManyEntries       Tag = "too_many_entries"
	TagFileTooLarge         Tag = "file_too_large"
	TagInvalidArchive       Tag = "invalid_archive"
	TagNotFound             Tag = "not_found"
	TagAlreadyExists        Tag = "already_exists"
)

// Error is the typed error for all configstore failures.
type Error struct {
	Tag     Tag
	Message string
	// CurrentETag is set on precondition_failed so the caller can
	// surface the winning version.
	CurrentETag string
	// Limit is set on size-cap violations.
	Limit int64
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Tag, e.Message)
	}
	return string(e.Tag)
}

// Is matches errors by tag, so errors.Is(err, &Error{Tag: ...}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Tag == e.Tag
}

func tagged(tag Tag, format string, args ...any) *Error {
	return &Error{Tag: tag, Message: fmt.Sprintf(format, args...)}
}

// TagOf extracts the tag from a configstore error, or "" for foreign errors.
func TagOf(err error) Tag {
	var e *Error
	if errors.As(err, &e) {
		return e.Tag
	}
	return ""
}
