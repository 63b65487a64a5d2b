package blobstore

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/internal/platform/apperr"
)

// ---------------------------------------------------------------------------
// Uploader
// ---------------------------------------------------------------------------

// Uploader stores multipart files and returns the public URL of each.
type Uploader struct {
	store   BlobStore
	baseURL string
}

// NewUploader returns an Uploader whose URLs look like
// <baseURL>/uploads/<id>.
func NewUploader(store BlobStore, baseURL string) *Uploader {
	return &Uploader{store: store, baseURL: strings.TrimRight(baseURL, "/")}
}

// URLFor returns the public URL of a stored blob.
func (u *Uploader) URLFor(id string) string {
	return u.baseURL + "/uploads/" + id
}

// SaveFormFile stores one uploaded file. Size and type violations are
// validation errors; storage failures are upstream failures.
func (u *Uploader) SaveFormFile(ctx context.Context, fh *multipart.FileHeader, category, owner string) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", apperr.Upstream(err, "failed to read uploaded file")
	}
	defer src.Close()

	meta, err := u.store.Upload(ctx, BlobMetadata{
		FileName: fh.Filename,
		Category: category,
		Owner:    owner,
	}, src)
	if err != nil {
		switch {
		case errors.Is(err, ErrFileTooLarge):
			return "", apperr.Validation("%s exceeds %d MB", category, MaxFileSize/(1024*1024))
		case errors.Is(err, ErrInvalidContentType):
			return "", apperr.Validation("%s must be a PNG, JPEG, WebP or PDF file", category)
		case errors.Is(err, ErrMissingFileName):
			return "", apperr.Validation("%s has no file name", category)
		}
		return "", apperr.Upstream(err, "document upload failed")
	}
	return u.URLFor(meta.ID), nil
}

// SaveForm stores every non-empty field of form named in fields and returns
// field -> URL. When one file fails, the files already stored are removed.
func (u *Uploader) SaveForm(ctx context.Context, form *multipart.Form, owner string, fields ...string) (map[string]string, error) {
	out := make(map[string]string)
	if form == nil {
		return out, nil
	}
	for _, field := range fields {
		files := form.File[field]
		if len(files) == 0 {
			continue
		}
		url, err := u.SaveFormFile(ctx, files[0], field, owner)
		if err != nil {
			_ = u.Discard(ctx, out)
			return nil, err
		}
		out[field] = url
	}
	return out, nil
}

// Discard deletes the blobs behind urls, as returned by SaveForm. URLs that
// do not belong to this uploader and blobs that are already gone are
// skipped.
func (u *Uploader) Discard(ctx context.Context, urls map[string]string) error {
	prefix := u.URLFor("")
	var errs []error
	for field, url := range urls {
		id, ok := strings.CutPrefix(url, prefix)
		if !ok {
			continue
		}
		if err := u.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrBlobNotFound) {
			errs = append(errs, fmt.Errorf("discard %s: %w", field, err))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// BlobHandler serves stored files read-only.
type BlobHandler struct {
	store BlobStore
}

func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts the download route on the /uploads group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/:id", h.handleDownload)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	id := c.Param("id")

	rc, meta, err := h.store.Download(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) || errors.Is(err, ErrInvalidID) {
			return apperr.NotFound("file not found")
		}
		return fmt.Errorf("download %s: %w", id, err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, meta.ID))
	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}
