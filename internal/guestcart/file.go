package guestcart

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// FileStorage persists each key as a file under a directory. Writes replace the file
// atomically so a crash never leaves a truncated cart behind.
type FileStorage struct {
	dir string
}

// NewFileStorage ensures dir exists and returns a storage rooted there.
func NewFileStorage(dir string) (*FileStorage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("guestcart: storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("guestcart: create storage directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

// Get implements Storage.
func (f *FileStorage) Get(key string) (string, bool, error) {
	path, err := f.path(key)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// Set implements Storage.
func (f *FileStorage) Set(key, value string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, strings.NewReader(value))
}

// Delete implements Storage.
func (f *FileStorage) Delete(key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileStorage) path(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}
