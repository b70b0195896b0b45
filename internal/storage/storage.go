// Package storage provides file persistence for uploaded workflows and task
// outputs. The only implementation is local filesystem storage; every path
// handed to it is relative to the storage root and validated against
// traversal before use.
package storage

import (
	"context"
	"errors"
	"io"
)

// Sentinel errors returned by storage implementations. Callers map these to
// HTTP status codes at the API layer.
var (
	ErrNotFound     = errors.New("storage: not found")
	ErrExists       = errors.New("storage: destination already exists")
	ErrTooLarge     = errors.New("storage: file exceeds maximum allowed size")
	ErrBadExtension = errors.New("storage: file type not allowed")
	ErrInvalidPath  = errors.New("storage: path escapes storage root")
)

// Upload is the result of saving an uploaded file. Hash is the md5 hex digest
// of the content; Path is the staging location the file was written to,
// relative to the storage root. The caller either moves the file into its
// final location or deletes it.
type Upload struct {
	Hash string
	Path string
}

// FileStorage stores and retrieves task files. All paths are relative to the
// storage root.
type FileStorage interface {
	// SaveUpload streams the reader to a unique file under the client's
	// staging directory while hashing it, enforcing the size limit and the
	// allowed extension list.
	SaveUpload(ctx context.Context, clientID, filename string, r io.Reader) (*Upload, error)

	// MoveFile moves src to dst, creating parent directories as needed.
	// The claim is exclusive: ErrExists when dst already exists,
	// ErrNotFound when src is missing.
	MoveFile(ctx context.Context, src, dst string) error

	// CopyFile copies src to dst. dst must not exist.
	CopyFile(ctx context.Context, src, dst string) error

	// CopyFolder recursively copies src to dst. dst must not exist.
	CopyFolder(ctx context.Context, src, dst string) error

	// DeleteFile removes a file. Missing files are not an error.
	DeleteFile(ctx context.Context, path string) error

	// DeleteFolder removes a directory tree. Missing folders are not an error.
	DeleteFolder(ctx context.Context, path string) error

	// ListFiles returns the names of the regular files directly under the
	// given directory. A missing directory yields an empty list.
	ListFiles(ctx context.Context, path string) ([]string, error)

	// Hash returns the md5 hex digest of a stored file. Deduplication only,
	// not a security boundary.
	Hash(ctx context.Context, path string) (string, error)

	// Archive builds a zip of the task workspace <clientID>/<taskID> and
	// returns its absolute path together with a cleanup function that removes
	// the archive when the caller is done streaming it.
	Archive(ctx context.Context, clientID, taskID string) (string, func(), error)

	// Resolve maps a relative storage path to an absolute filesystem path,
	// rejecting traversal. Used by the runner to stage task files.
	Resolve(path string) (string, error)

	IsFile(ctx context.Context, path string) bool
	IsDir(ctx context.Context, path string) bool
}
