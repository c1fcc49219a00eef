package evidence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// BlobStore keeps photo bytes. Only the reference it returns is persisted
// with the evidence item.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, reference string) error
}

// DirBlobStore writes blobs as files below a directory.
type DirBlobStore struct {
	dir    string
	prefix string
}

// NewDirBlobStore creates dir if needed. References are prefix + "/" + key.
func NewDirBlobStore(dir, prefix string) (*DirBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &DirBlobStore{dir: dir, prefix: prefix}, nil
}

func (d *DirBlobStore) Put(ctx context.Context, key, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.Base(key)
	if err := os.WriteFile(filepath.Join(d.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", name, err)
	}
	return path.Join(d.prefix, name), nil
}

func (d *DirBlobStore) Delete(_ context.Context, reference string) error {
	err := os.Remove(filepath.Join(d.dir, path.Base(reference)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
