package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
)

// DiskBlobStore keeps blobs as flat files under a root directory. Metadata
// beyond what the file itself carries is not persisted.
type DiskBlobStore struct {
	root string
}

// NewDiskBlobStore creates root if needed.
func NewDiskBlobStore(root string) (*DiskBlobStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskBlobStore{root: root}, nil
}

func (s *DiskBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := prepare(&meta, content)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, meta.ID)); err != nil {
		return nil, fmt.Errorf("commit blob: %w", err)
	}
	return &meta, nil
}

func (s *DiskBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	if err := validID(id); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.root, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat blob: %w", err)
	}

	ct := mime.TypeByExtension(filepath.Ext(id))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return f, &BlobMetadata{
		ID:          id,
		FileName:    id,
		ContentType: ct,
		Size:        info.Size(),
		CreatedAt:   info.ModTime().UTC(),
	}, nil
}

func (s *DiskBlobStore) Delete(_ context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
