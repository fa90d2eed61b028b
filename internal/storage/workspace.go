package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidPath = errors.New("invalid path")

// Workspace hands out one private directory per session under basePath.
type Workspace struct {
	basePath string
	logger   *zap.Logger
}

func NewWorkspace(basePath string, logger *zap.Logger) (*Workspace, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return &Workspace{basePath: basePath, logger: logger}, nil
}

// Acquire creates the directory for sessionID. The caller must Release it.
func (w *Workspace) Acquire(sessionID string) (*Scope, error) {
	dir, err := os.MkdirTemp(w.basePath, "session-"+sessionID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Scope{dir: dir, logger: w.logger.With(zap.String("session_id", sessionID))}, nil
}

// Scope is one session's directory. Everything the session writes lives
// under it and is removed by Release.
type Scope struct {
	dir    string
	logger *zap.Logger

	once       sync.Once
	releaseErr error
}

func (s *Scope) Dir() string {
	return s.dir
}

// SaveUpload copies r into the scope under a random name that keeps the
// upload's extension, and returns the full path.
func (s *Scope) SaveUpload(r io.Reader, info FileInfo) (string, error) {
	ext := strings.ToLower(filepath.Ext(info.Filename))
	if ext == "" {
		ext = defaultExt(info.ContentType)
	}

	fullPath, err := s.Path(uuid.New().String() + ext)
	if err != nil {
		return "", fmt.Errorf("upload %q: %w", info.Filename, err)
	}

	dst, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r); err != nil {
		os.Remove(fullPath)
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return fullPath, nil
}

// Path resolves name inside the scope, rejecting anything that escapes it.
func (s *Scope) Path(name string) (string, error) {
	cleanPath := filepath.Clean(name)
	if filepath.IsAbs(cleanPath) || strings.Contains(cleanPath, "..") {
		return "", ErrInvalidPath
	}
	return filepath.Join(s.dir, cleanPath), nil
}

// Release removes the scope directory. It is safe to call more than once.
func (s *Scope) Release() error {
	s.once.Do(func() {
		if err := os.RemoveAll(s.dir); err != nil {
			s.releaseErr = fmt.Errorf("failed to remove session directory: %w", err)
			s.logger.Error("workspace release failed", zap.String("dir", s.dir), zap.Error(err))
			return
		}
		s.logger.Debug("workspace released", zap.String("dir", s.dir))
	})
	return s.releaseErr
}

func defaultExt(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/"):
		return ".jpg"
	default:
		return ".mp4"
	}
}
