package tool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/moyoez/courseupload/types"
)

// InspectFile fills name, size and content type of ref from the local filesystem.
// Values already set on ref are kept.
func InspectFile(ref types.FileRef) (types.FileRef, error) {
	info, err := os.Stat(ref.Path)
	if err != nil {
		return ref, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return ref, fmt.Errorf("path is a directory, not a file: %s", ref.Path)
	}
	if ref.Name == "" {
		ref.Name = filepath.Base(ref.Path)
	}
	ref.Size = info.Size()
	if ref.ContentType == "" {
		mt, err := mimetype.DetectFile(ref.Path)
		if err != nil {
			DefaultLogger.Debugf("mimetype detection failed for %s: %v", ref.Path, err)
			ref.ContentType = "application/octet-stream"
		} else {
			ref.ContentType = mt.String()
		}
	}
	return ref, nil
}

// WriteFileAtomic writes data to a temp file in the same directory and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
