// Package blob stores photo payloads as content-addressed files under
// the workspace directory.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

type Store struct {
	Root string
}

// NewStore creates the blob directory under the workspace.
func NewStore(workspace string) (*Store, error) {
	root := filepath.Join(workspace, ".plantline", "blobs")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{Root: root}, nil
}

func (s *Store) path(ref string) string {
	return filepath.Join(s.Root, ref[:2], ref)
}

// Save writes data and returns its content hash as the blob reference.
// Saving the same bytes twice yields the same ref.
func (s *Store) Save(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty blob")
	}
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	path := s.path(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return ref, os.Rename(tmp, path)
}

// Read returns the blob bytes for a ref.
func (s *Store) Read(ref string) ([]byte, error) {
	if len(ref) < 2 {
		return nil, fmt.Errorf("invalid blob ref %q", ref)
	}
	return os.ReadFile(s.path(ref))
}

// Remove deletes the blob for a ref. Missing blobs are not an error.
func (s *Store) Remove(ref string) error {
	if len(ref) < 2 {
		return fmt.Errorf("invalid blob ref %q", ref)
	}
	err := os.Remove(s.path(ref))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
