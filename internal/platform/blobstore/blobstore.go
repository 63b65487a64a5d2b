// Package blobstore stores documents uploaded during registration (profile
// images, licences, hospital logos). It defines the BlobStore interface, an
// in-memory implementation for tests and development, a local-disk
// implementation, and the Echo handler that serves stored files.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrInvalidID          = errors.New("invalid blob id")
)

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// MaxFileSize is the maximum allowed blob size in bytes (5 MB).
const MaxFileSize = 5 * 1024 * 1024

// AllowedContentTypes maps accepted document MIME types to the extension used
// for the stored object.
var AllowedContentTypes = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob. ID doubles as the object key and the
// last segment of its public URL.
type BlobMetadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Category    string    `json:"category"`
	Owner       string    `json:"owner,omitempty"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore defines the contract for blob storage backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, id string) error
}

// prepare sniffs and validates the content type, enforces the size limit and
// fills the derived metadata fields. It returns the full content.
func prepare(meta *BlobMetadata, content io.Reader) ([]byte, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	// The sniffed type wins over whatever the client claimed.
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ext, ok := AllowedContentTypes[ct]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContentType, ct)
	}

	h := sha256.Sum256(data)
	meta.ID = uuid.New().String() + ext
	meta.ContentType = ct
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()
	return data, nil
}

// validID rejects ids that could escape the storage root.
func validID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return ErrInvalidID
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := prepare(&meta, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{
		metadata: meta,
		content:  data,
	}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

// Len reports how many blobs are stored.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
