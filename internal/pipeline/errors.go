// Package pipeline hosts the error taxonomy shared by the stage workers and
// the completion hook that runs after packaging succeeds.
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
)

// ValidationError marks a malformed job payload. Jobs carrying one are
// rejected immediately and never retried.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required field %s", e.Field)
}

// MissingField builds a ValidationError for the named payload field.
func MissingField(field string) error {
	return &ValidationError{Field: field}
}

// EncodingError wraps a subprocess or internal failure during an encode or
// segmenting task. Encoding failures are retryable up to the job's attempt
// limit.
type EncodingError struct {
	Rendition string
	Err       error
}

func (e *EncodingError) Error() string {
	if e.Rendition == "" {
		return fmt.Sprintf("encoding failed: %v", e.Err)
	}
	return fmt.Sprintf("encoding %s failed: %v", e.Rendition, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// FilesystemError wraps a local filesystem failure other than deleting a
// file that is already gone.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// UpstreamWriteError wraps an object-storage upload or media-record
// write-back failure in the completion hook. These are logged, never
// retried: the packaged asset may exist durably with no record pointing at
// it.
type UpstreamWriteError struct {
	Target string
	Err    error
}

func (e *UpstreamWriteError) Error() string {
	return fmt.Sprintf("write to %s failed: %v", e.Target, e.Err)
}

func (e *UpstreamWriteError) Unwrap() error { return e.Err }

// RemoveFile deletes path, treating an already-missing file as success.
// Absence is logged as a warning; any other failure is returned as a
// FilesystemError.
func RemoveFile(path string, logger *slog.Logger) error {
	err := os.Remove(path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		if logger != nil {
			logger.Warn("file already deleted or not found", "path", path)
		}
		return nil
	}
	return &FilesystemError{Op: "remove", Path: path, Err: err}
}
