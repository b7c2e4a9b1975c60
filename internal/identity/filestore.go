package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps each blob in its own file under Dir.
type FileStore struct {
	Dir string
}

func (f FileStore) path(key string) string {
	return filepath.Join(f.Dir, strings.ReplaceAll(key, string(filepath.Separator), "_")+".json")
}

func (f FileStore) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read identity blob: %w", err)
	}
	return raw, nil
}

// Put writes through a temp file and rename so a crash never leaves a torn identity.
func (f FileStore) Put(_ context.Context, key string, value []byte) error {
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	dest := f.path(key)
	tmp, err := os.CreateTemp(f.Dir, ".identity-*")
	if err != nil {
		return fmt.Errorf("create temp identity file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(append(value, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write identity blob: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod identity blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close identity blob: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("rename identity blob: %w", err)
	}
	return nil
}
