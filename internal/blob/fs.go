package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// fsStore keeps artifacts on the local disk for single-host deployments
// where API and worker share a filesystem.
type fsStore struct {
	root string
}

func newFSStore(root string) (Store, error) {
	if root == "" {
		root = "data/blobs"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	log.Info().Str("root", root).Msg("Filesystem blob store initialized")
	return &fsStore{root: root}, nil
}

// path maps a key to a file below the root, refusing keys that escape it.
func (s *fsStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key: %s", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *fsStore) Upload(ctx context.Context, key string, body io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to write blob")
		return err
	}

	log.Debug().Str("key", key).Int("size", len(data)).Msg("Wrote blob")
	return nil
}

func (s *fsStore) Download(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		log.Error().Err(err).Str("key", key).Msg("Failed to read blob")
		return nil, err
	}
	return data, nil
}

func (s *fsStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fsStore) Health(ctx context.Context) error {
	_, err := os.Stat(s.root)
	return err
}
