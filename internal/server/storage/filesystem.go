package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const partSuffix = ".part"

// ErrTooLarge is returned by Save when the body exceeds its limit.
var ErrTooLarge = errors.New("content exceeds size limit")

// Store defines the interface for blob storage backends.
type Store interface {
	EnsureDir() error
	Save(name string, data io.Reader, limit int64) (string, int64, error)
	AppendPart(name string, data io.Reader) (int64, error)
	FinalizePart(name string) (string, error)
	DeletePart(name string) error
	PurgeParts(cutoff time.Time) ([]string, error)
	Delete(path string) error
}

// FileSystemStore keeps finished blobs in one directory and in-progress
// chunked uploads in another.
type FileSystemStore struct {
	uploadDir string
	partsDir  string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(uploadDir, partsDir string) *FileSystemStore {
	return &FileSystemStore{uploadDir: uploadDir, partsDir: partsDir}
}

// EnsureDir creates both storage directories if they don't exist.
func (fs *FileSystemStore) EnsureDir() error {
	for _, dir := range []string{fs.uploadDir, fs.partsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return nil
}

// Save streams data into a new blob named {uuid}-{name}. A positive limit
// caps the blob size; exceeding it removes the partial blob and returns
// ErrTooLarge.
func (fs *FileSystemStore) Save(name string, data io.Reader, limit int64) (string, int64, error) {
	filePath := fs.blobPath(name)

	file, err := os.Create(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create file %s: %w", filePath, err)
	}
	defer file.Close()

	src := data
	if limit > 0 {
		src = io.LimitReader(data, limit+1)
	}

	n, err := io.Copy(file, src)
	if err == nil && limit > 0 && n > limit {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(filePath)
		if errors.Is(err, ErrTooLarge) {
			return "", 0, err
		}
		return "", 0, fmt.Errorf("failed to write file: %w", err)
	}

	return filePath, n, nil
}

// AppendPart appends data to {name}.part, creating it on the first chunk.
// On error the part file is left as is.
func (fs *FileSystemStore) AppendPart(name string, data io.Reader) (int64, error) {
	partPath := fs.partPath(name)

	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open part %s: %w", partPath, err)
	}

	n, err := io.Copy(file, data)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to append to part %s: %w", partPath, err)
	}
	return n, nil
}

// FinalizePart moves {name}.part into the upload directory and returns
// the blob path.
func (fs *FileSystemStore) FinalizePart(name string) (string, error) {
	partPath := fs.partPath(name)
	filePath := fs.blobPath(name)

	if err := os.Rename(partPath, filePath); err != nil {
		return "", fmt.Errorf("failed to finalize part %s: %w", partPath, err)
	}
	return filePath, nil
}

// DeletePart removes {name}.part if present.
func (fs *FileSystemStore) DeletePart(name string) error {
	return removeIfExists(fs.partPath(name))
}

// PurgeParts deletes part files last written before cutoff and returns
// their upload names.
func (fs *FileSystemStore) PurgeParts(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(fs.partsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list parts: %w", err)
	}

	var purged []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), partSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := removeIfExists(filepath.Join(fs.partsDir, entry.Name())); err != nil {
			return purged, err
		}
		purged = append(purged, strings.TrimSuffix(entry.Name(), partSuffix))
	}
	return purged, nil
}

// Delete removes a blob by path.
func (fs *FileSystemStore) Delete(path string) error {
	return removeIfExists(path)
}

func (fs *FileSystemStore) blobPath(name string) string {
	return filepath.Join(fs.uploadDir, uuid.NewString()+"-"+name)
}

func (fs *FileSystemStore) partPath(name string) string {
	return filepath.Join(fs.partsDir, name+partSuffix)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return nil
}
