package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects as files under a root directory.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed and returns a Local backend.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// resolve maps a logical key onto the filesystem, rejecting keys that would
// escape the root.
func (l *Local) resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", fmt.Errorf("invalid storage path %q", path)
	}
	full := filepath.Join(l.root, filepath.FromSlash(path))
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("storage path %q escapes root", path)
	}
	return full, nil
}

func (l *Local) Put(ctx context.Context, path string, data []byte, contentType string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("%w: create parent dirs: %v", ErrUnavailable, err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	return data, nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	full, err := l.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %v", ErrUnavailable, path, err)
	}
	return true, nil
}
