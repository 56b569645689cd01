// Package media stores uploaded images on disk and records them in the uploads
// table. Stored files are served under /api/files/.
package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/4xmen/chatsync/internal/apperrors"
)

const URLPrefix = "/api/files/"

var ErrNotFound = errors.New("file not found")

type Image struct {
	FileName    string
	ContentType string
	Data        io.Reader
}

type Uploader struct {
	db      *sql.DB
	dir     string
	maxSize int64
}

func New(db *sql.DB, dir string, maxSize int64) *Uploader {
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	return &Uploader{db: db, dir: dir, maxSize: maxSize}
}

// Upload stores img and returns the URL it is served under.
func (u *Uploader) Upload(ctx context.Context, ownerID string, img Image) (string, error) {
	if img.Data == nil {
		return "", apperrors.NewValidation("image", "is required")
	}
	if !strings.HasPrefix(img.ContentType, "image/") {
		return "", apperrors.NewValidation("image", "must be an image")
	}

	ext := strings.ToLower(filepath.Ext(img.FileName))
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, `/\`) {
		ext = ".jpg"
	}
	id := ulid.Make().String()
	filename := id + ext

	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	path := filepath.Join(u.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(img.Data, u.maxSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	if n > u.maxSize {
		os.Remove(path)
		return "", apperrors.NewValidation("image", fmt.Sprintf("must be smaller than %d bytes", u.maxSize))
	}

	_, err = u.db.ExecContext(ctx, `
		INSERT INTO uploads (id, owner_id, file_name, file_path, file_size, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, id, ownerID, img.FileName, path, n, img.ContentType)
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to save file record: %w", err)
	}

	return URLPrefix + filename, nil
}

// Path resolves a served file name to its location on disk.
func (u *Uploader) Path(ctx context.Context, name string) (string, string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", "", ErrNotFound
	}
	id := strings.TrimSuffix(name, filepath.Ext(name))

	var path, contentType string
	err := u.db.QueryRowContext(ctx, `SELECT file_path, COALESCE(content_type, '') FROM uploads WHERE id = ?`, id).
		Scan(&path, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query upload: %w", err)
	}
	return path, contentType, nil
}

// Stats returns the number of uploads and their total size.
func (u *Uploader) Stats(ctx context.Context) (int, int64, error) {
	var count int
	var size int64
	err := u.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM uploads`).Scan(&count, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query uploads: %w", err)
	}
	return count, size, nil
}
