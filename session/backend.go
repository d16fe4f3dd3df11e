package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

// Backend is the durable storage under a Store. Load returns ErrNotFound for unknown ids;
// Delete of an unknown id is not an error.
type Backend interface {
	Load(ctx context.Context, id string) (*types.UploadSession, error)
	Save(ctx context.Context, s *types.UploadSession) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*types.UploadSession, error)
	Close() error
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func checkID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: invalid session id %q", ErrNotFound, id)
	}
	return nil
}

// FileBackend keeps one JSON document per session in a directory.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(id string) string {
	return filepath.Join(b.dir, id+".json")
}

func (b *FileBackend) Load(_ context.Context, id string) (*types.UploadSession, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return decodeSession(data)
}

func (b *FileBackend) Save(_ context.Context, s *types.UploadSession) error {
	if err := checkID(s.ID); err != nil {
		return err
	}
	data, err := sonic.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	return tool.WriteFileAtomic(b.path(s.ID), data, 0o600)
}

func (b *FileBackend) Delete(_ context.Context, id string) error {
	if err := checkID(id); err != nil {
		return nil
	}
	if err := os.Remove(b.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) List(ctx context.Context) ([]*types.UploadSession, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	out := make([]*types.UploadSession, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, err := b.Load(ctx, strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			tool.DefaultLogger.Warnf("[Session] Skipping unreadable session file %s: %v", e.Name(), err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *FileBackend) Close() error { return nil }

func decodeSession(data []byte) (*types.UploadSession, error) {
	var s types.UploadSession
	if err := sonic.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if err := hydrate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
