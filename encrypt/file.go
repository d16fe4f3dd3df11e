package encrypt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

// EncryptFile encrypts srcPath into dstPath with fresh material. The destination is
// written through a temp file and only appears once the ciphertext is complete.
func EncryptFile(ctx context.Context, srcPath, dstPath string, onProgress func(percent float64)) (*types.EncryptionMaterial, int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return nil, 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o700); err != nil {
		return nil, 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".*.part")
	if err != nil {
		return nil, 0, err
	}
	tmpName := tmp.Name()
	fail := func(err error) (*types.EncryptionMaterial, int64, error) {
		tmp.Close()
		if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			tool.DefaultLogger.Warnf("[Encrypt] Failed to remove %s: %v", tmpName, rmErr)
		}
		return nil, 0, err
	}

	material, n, err := Encrypt(ctx, src, info.Size(), tmp, onProgress)
	if err != nil {
		return fail(err)
	}
	if n != CiphertextSize(info.Size()) {
		return fail(fmt.Errorf("ciphertext size %d, expected %d", n, CiphertextSize(info.Size())))
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		_ = os.Remove(tmpName)
		return nil, 0, err
	}
	tool.DefaultLogger.Debugf("[Encrypt] %s -> %s (%d bytes)", filepath.Base(srcPath), filepath.Base(dstPath), n)
	return material, n, nil
}
