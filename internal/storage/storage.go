package storage

import (
	"context"
	"io"
)

type FileInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

// SnapshotStore keeps a trigger frame somewhere an alert recipient can open it.
type SnapshotStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}
