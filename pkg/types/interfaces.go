package types

import (
	"context"
)

// Backend is the uniform capability set every storage kind implements.
type Backend interface {
	// Object operations
	Upload(ctx context.Context, unit UploadUnit) (*UploadResult, error)
	DeleteObject(ctx context.Context, path string, visibility Visibility, ownerID string) error
	Move(ctx context.Context, srcPath, dstPath string, visibility Visibility, ownerID string) error
	Rename(ctx context.Context, path, newName string, visibility Visibility, ownerID string) error

	// Folder operations
	CreateFolder(ctx context.Context, path string, visibility Visibility, ownerID string) error
	DeleteFolder(ctx context.Context, path string, visibility Visibility, ownerID string) error
	ListFolder(ctx context.Context, path string, visibility Visibility, ownerID string) (*Listing, error)

	// Links address private objects by their stored key
	GenerateDownloadLink(ctx context.Context, objectKey, downloadName string) (string, error)
	GeneratePreviewLink(ctx context.Context, objectKey string) (string, error)

	Kind() BackendKind
	// SupportsDirectStream reports whether the backend also implements DirectStreamer.
	SupportsDirectStream() bool
	Close() error
}

// DirectStreamer serves object bytes through the calling process instead of a signed URL.
type DirectStreamer interface {
	OpenStream(ctx context.Context, objectKey string) (*ObjectStream, error)
}

// ActivePointer is the durable record of which backend is active.
type ActivePointer struct {
	Kind     BackendKind `json:"kind"`
	ConfigID string      `json:"config_id,omitempty"`
}
