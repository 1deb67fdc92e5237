package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRemoveFileMissingIsSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "already-gone.mp4")
	if err := RemoveFile(path, nil); err != nil {
		t.Fatalf("remove missing file: %v", err)
	}
}

func TestRemoveFileDeletesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.mp4")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := RemoveFile(path, nil); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file survives: %v", err)
	}
}

func TestRemoveFileRealFailure(t *testing.T) {
	// Removing a non-empty directory through os.Remove fails without being
	// a not-exist error.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "child"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := RemoveFile(dir, nil)
	var fsErr *FilesystemError
	if !errors.As(err, &fsErr) {
		t.Fatalf("err = %v, want FilesystemError", err)
	}
	if fsErr.Op != "remove" || fsErr.Path != dir {
		t.Fatalf("fsErr = %+v", fsErr)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := MissingField("videoId")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %T", err)
	}
	if err.Error() != "missing required field videoId" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestErrorChainsUnwrap(t *testing.T) {
	root := errors.New("disk full")

	cases := []error{
		&EncodingError{Rendition: "720p", Err: root},
		&FilesystemError{Op: "write", Path: "/tmp/x", Err: root},
		&UpstreamWriteError{Target: "object storage", Err: root},
	}
	for _, err := range cases {
		if !errors.Is(err, root) {
			t.Fatalf("%T does not unwrap to its cause", err)
		}
	}
}

func TestEncodingErrorMessage(t *testing.T) {
	err := &EncodingError{Rendition: "360p", Err: errors.New("exit status 1")}
	if err.Error() != "encoding 360p failed: exit status 1" {
		t.Fatalf("message = %q", err.Error())
	}
	bare := &EncodingError{Err: errors.New("exit status 1")}
	if bare.Error() != "encoding failed: exit status 1" {
		t.Fatalf("message = %q", bare.Error())
	}
}
