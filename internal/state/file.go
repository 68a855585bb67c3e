package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// FileBackend stores the document as a JSON file. The version token is the
// content digest, so a file changed by another writer is detected on Save.
// Writers within one process are serialised; the compare and the rename are
// not atomic across processes.
type FileBackend struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

func NewFileBackend(fs afero.Fs, path string) *FileBackend {
	return &FileBackend{fs: fs, path: path}
}

func (f *FileBackend) Load(ctx context.Context) ([]byte, Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileBackend) read() ([]byte, Version, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return data, digest(data), nil
}

func (f *FileBackend) Save(ctx context.Context, data []byte, expected Version) (Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, current, err := f.read()
	if err != nil {
		return "", err
	}
	if current != expected {
		return "", ErrConflict
	}
	if err := writeFileAtomic(f.fs, f.path, data); err != nil {
		return "", err
	}
	return digest(data), nil
}

func digest(data []byte) Version {
	sum := sha256.Sum256(data)
	return Version(hex.EncodeToString(sum[:8]))
}

// writeFileAtomic writes to a temp file in the target directory and renames it
// into place.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer fs.Remove(tmpPath)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}
