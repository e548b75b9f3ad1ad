// Package contentstore is a content-addressed file store. Files are staged
// while being hashed, then renamed into place under their digest, so a GUID
// is never readable while only partially written.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const chunkSize = 32 * 1024

// Store writes files under base, named by the full hex SHA-256 digest of
// their content. Staging files live in base/.staging on the same volume so
// Commit is a single rename.
type Store struct {
	base    string
	staging string
}

func New(base string) (*Store, error) {
	if base == "" {
		return nil, fmt.Errorf("content store base directory not set")
	}
	staging := filepath.Join(base, ".staging")
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, err
	}
	return &Store{base: base, staging: staging}, nil
}

// Stage streams r into a staging file in fixed-size chunks while
// accumulating the content hash, and returns the derived GUID plus the
// staging path. The caller must follow up with Commit or Discard.
func (s *Store) Stage(r io.Reader) (string, string, error) {
	f, err := os.CreateTemp(s.staging, "stage-*")
	if err != nil {
		return "", "", err
	}
	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(io.MultiWriter(f, h), r, buf); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", "", err
	}
	guid := hex.EncodeToString(h.Sum(nil))
	return guid, f.Name(), nil
}

// Commit moves a staged file into its content-addressed location. If the
// GUID already exists the staged duplicate is discarded; the original is
// left untouched (write-once per identifier).
func (s *Store) Commit(guid, staged string) (string, error) {
	final := s.Path(guid)
	if s.Exists(guid) {
		os.Remove(staged)
		return final, nil
	}
	if err := os.Rename(staged, final); err != nil {
		return "", err
	}
	return final, nil
}

// Discard removes a staged file. Safe to call after a failed Commit.
func (s *Store) Discard(staged string) {
	if staged != "" {
		os.Remove(staged)
	}
}

// Path returns the final location for a GUID, whether or not it exists yet.
func (s *Store) Path(guid string) string {
	return filepath.Join(s.base, guid)
}

func (s *Store) Exists(guid string) bool {
	_, err := os.Stat(s.Path(guid))
	return err == nil
}

// Remove deletes committed content. Missing content is not an error so the
// administrative purge stays idempotent.
func (s *Store) Remove(guid string) error {
	err := os.Remove(s.Path(guid))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
