package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// FileBackend stores archive content on the local file system, one
// directory per content type. Sealed bundles are written owner-only.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file backend rooted at baseDir.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	for _, ct := range []interfaces.ContentType{interfaces.PublicMaterialType, interfaces.SealedBundleType} {
		if err := os.MkdirAll(filepath.Join(baseDir, ct.String()), 0750); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", ct, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads content by ID. Returns ErrContentNotFound if the file is missing.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	data, err := os.ReadFile(b.filePath(id, contentType))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive file: %w", err)
	}
	return data, nil
}

// Store writes content under its SHA-256 ID. Content already present is left
// alone; new files appear atomically through a rename.
func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	target := b.filePath(id, contentType)
	if _, err := os.Stat(target); err == nil {
		return id, nil
	}

	perm := os.FileMode(0644)
	if contentType == interfaces.SealedBundleType {
		perm = 0600
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return id, fmt.Errorf("creating archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return id, fmt.Errorf("writing archive file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return id, fmt.Errorf("writing archive file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return id, fmt.Errorf("writing archive file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return id, fmt.Errorf("committing archive file: %w", err)
	}

	b.log.Debug("archived to file", "path", target, "size", len(data))
	return id, nil
}

// Available reports whether the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	return err == nil
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) filePath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return filepath.Join(b.baseDir, contentType.String(), id.String())
}
