package storage

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// stagingDir is the per-client directory uploads land in before admission
// moves them into a task workspace.
const stagingDir = "_tmp"

// Local is a FileStorage rooted at a directory on the local filesystem.
type Local struct {
	root       string
	maxUpload  int64
	extensions map[string]struct{}
	logger     *zap.Logger
}

// DefaultExtensions are the workflow file suffixes accepted when no explicit
// list is configured.
var DefaultExtensions = []string{".waldiez", ".json", ".py"}

// NewLocal creates the root directory if needed and returns a Local storage.
// maxUpload is the upload size limit in bytes; allowedExtensions lists the
// accepted workflow file suffixes, defaulting to DefaultExtensions.
func NewLocal(root string, maxUpload int64, allowedExtensions []string, logger *zap.Logger) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}

	if len(allowedExtensions) == 0 {
		allowedExtensions = DefaultExtensions
	}
	exts := make(map[string]struct{}, len(allowedExtensions))
	for _, e := range allowedExtensions {
		exts[strings.ToLower(e)] = struct{}{}
	}

	return &Local{
		root:       abs,
		maxUpload:  maxUpload,
		extensions: exts,
		logger:     logger.Named("storage"),
	}, nil
}

// Resolve joins a relative path onto the root and rejects traversal.
func (l *Local) Resolve(path string) (string, error) {
	full := filepath.Join(l.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(l.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}

// SaveUpload streams the reader to a uniquely named file under the client's
// staging directory while computing the md5 digest. The extension check
// happens before any bytes are read; the size check happens while streaming
// so an oversized upload never lands on disk in full.
func (l *Local) SaveUpload(ctx context.Context, clientID, filename string, r io.Reader) (*Upload, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := l.extensions[ext]; !ok {
		return nil, ErrBadExtension
	}

	relDir := filepath.Join(clientID, stagingDir)
	dir, err := l.Resolve(relDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create staging dir: %w", err)
	}

	name := uuid.NewString() + ext
	tmpPath := filepath.Join(dir, name)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: create upload file: %w", err)
	}

	hasher := md5.New()
	// Read one byte past the limit so overflow is detectable.
	n, err := io.Copy(io.MultiWriter(f, hasher), io.LimitReader(r, l.maxUpload+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("storage: write upload: %w", err)
	}
	if n > l.maxUpload {
		os.Remove(tmpPath)
		return nil, ErrTooLarge
	}

	return &Upload{
		Hash: hex.EncodeToString(hasher.Sum(nil)),
		Path: filepath.ToSlash(filepath.Join(relDir, name)),
	}, nil
}

// MoveFile moves src to dst, creating dst's parent directories. The claim on
// dst is exclusive: a hard link is attempted first so two concurrent movers
// of the same destination cannot both win, falling back to rename on
// filesystems without link support.
func (l *Local) MoveFile(ctx context.Context, src, dst string) error {
	srcPath, err := l.Resolve(src)
	if err != nil {
		return err
	}
	dstPath, err := l.Resolve(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		return ErrNotFound
	}
	if _, err := os.Stat(dstPath); err == nil {
		return ErrExists
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("storage: create destination dir: %w", err)
	}

	if err := os.Link(srcPath, dstPath); err == nil {
		if rmErr := os.Remove(srcPath); rmErr != nil {
			l.logger.Warn("failed to remove source after link", zap.String("path", src), zap.Error(rmErr))
		}
		return nil
	} else if os.IsExist(err) {
		return ErrExists
	}

	if err := os.Rename(srcPath, dstPath); err != nil {
		// Rename fails across filesystems; fall back to copy + remove.
		if copyErr := copyFileContents(srcPath, dstPath); copyErr != nil {
			return fmt.Errorf("storage: move file: %w", copyErr)
		}
		if rmErr := os.Remove(srcPath); rmErr != nil {
			l.logger.Warn("failed to remove source after copy", zap.String("path", src), zap.Error(rmErr))
		}
	}
	return nil
}

// CopyFile copies src to dst. dst must not exist.
func (l *Local) CopyFile(ctx context.Context, src, dst string) error {
	srcPath, err := l.Resolve(src)
	if err != nil {
		return err
	}
	dstPath, err := l.Resolve(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		return ErrNotFound
	}
	if _, err := os.Stat(dstPath); err == nil {
		return ErrExists
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("storage: create destination dir: %w", err)
	}
	if err := copyFileContents(srcPath, dstPath); err != nil {
		return fmt.Errorf("storage: copy file: %w", err)
	}
	return nil
}

// CopyFolder recursively copies src to dst. dst must not exist.
func (l *Local) CopyFolder(ctx context.Context, src, dst string) error {
	srcPath, err := l.Resolve(src)
	if err != nil {
		return err
	}
	dstPath, err := l.Resolve(dst)
	if err != nil {
		return err
	}
	info, err := os.Stat(srcPath)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: stat source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage: source %s is not a directory", src)
	}
	if _, err := os.Stat(dstPath); err == nil {
		return ErrExists
	}
	if err := os.CopyFS(dstPath, os.DirFS(srcPath)); err != nil {
		return fmt.Errorf("storage: copy folder: %w", err)
	}
	return nil
}

// DeleteFile removes a file. A missing file is logged and ignored.
func (l *Local) DeleteFile(ctx context.Context, path string) error {
	full, err := l.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			l.logger.Warn("delete of missing file ignored", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("storage: delete file: %w", err)
	}
	return nil
}

// DeleteFolder removes a directory tree. A missing folder is logged and ignored.
func (l *Local) DeleteFolder(ctx context.Context, path string) error {
	full, err := l.Resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); os.IsNotExist(err) {
		l.logger.Warn("delete of missing folder ignored", zap.String("path", path))
		return nil
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("storage: delete folder: %w", err)
	}
	return nil
}

// ListFiles returns the names of the regular files directly under the given
// directory. A missing directory yields an empty list, not an error.
func (l *Local) ListFiles(ctx context.Context, path string) ([]string, error) {
	full, err := l.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list files: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

// Hash returns the md5 hex digest of a stored file.
func (l *Local) Hash(ctx context.Context, path string) (string, error) {
	full, err := l.Resolve(path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: hash open: %w", err)
	}
	defer f.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("storage: hash read: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// IsFile reports whether path resolves to a regular file.
func (l *Local) IsFile(ctx context.Context, path string) bool {
	full, err := l.Resolve(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// IsDir reports whether path resolves to a directory.
func (l *Local) IsDir(ctx context.Context, path string) bool {
	full, err := l.Resolve(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.IsDir()
}

// Archive zips the task workspace into a temporary file outside the storage
// root and returns its path with a cleanup function.
func (l *Local) Archive(ctx context.Context, clientID, taskID string) (string, func(), error) {
	dir, err := l.Resolve(filepath.Join(clientID, taskID))
	if err != nil {
		return "", nil, err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", nil, ErrNotFound
	}

	tmp, err := os.CreateTemp("", "task-archive-*.zip")
	if err != nil {
		return "", nil, fmt.Errorf("storage: create archive: %w", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	zw := zip.NewWriter(tmp)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, p)
		if relErr != nil {
			return relErr
		}
		w, zipErr := zw.Create(filepath.ToSlash(rel))
		if zipErr != nil {
			return zipErr
		}
		f, openErr := os.Open(p)
		if openErr != nil {
			return openErr
		}
		defer f.Close()
		_, copyErr := io.Copy(w, f)
		return copyErr
	})
	if err == nil {
		err = zw.Close()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("storage: build archive: %w", err)
	}

	return tmp.Name(), cleanup, nil
}

// copyFileContents copies a single file preserving its mode.
func copyFileContents(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
