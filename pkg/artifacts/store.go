// Package artifacts stores raw WebAssembly binaries content-addressed by
// their sha256, and loads the modules referenced by function definitions.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
)

// wasmMagic is the module preamble every stored artifact must carry.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Store is content-addressed storage for function binaries. Hashes are
// formatted "sha256:<hex>".
type Store interface {
	// Put persists data and returns its content hash. Idempotent.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

// HashBytes returns the prefixed content hash of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// parseHash validates the "sha256:<hex>" form and returns the hex part.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", nexuserr.InvalidInput("hash", fmt.Sprintf("invalid hash format: %s", hash))
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", nexuserr.InvalidInput("hash", fmt.Sprintf("invalid hash hex: %s", hash))
	}
	return raw, nil
}

// ValidateWASM rejects blobs that are not WebAssembly modules.
func ValidateWASM(data []byte) error {
	if len(data) < 8 || !bytes.Equal(data[:4], wasmMagic) {
		return nexuserr.InvalidInput("artifact", "not a WebAssembly module")
	}
	return nil
}

// FileStore keeps artifacts as flat files under one directory, named by
// their hex hash. Writes go through a temp file and a rename so a crashed
// process never leaves a partial blob under a valid name.
type FileStore struct {
	baseDir string
}

// NewFileStore ensures the directory and returns the store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(rawHash string) string {
	return filepath.Join(s.baseDir, rawHash+".wasm")
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ValidateWASM(data); err != nil {
		return "", err
	}
	hash := HashBytes(data)
	path := s.path(strings.TrimPrefix(hash, "sha256:"))

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(raw))
	if os.IsNotExist(err) {
		return nil, nexuserr.NotFound("artifact", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", hash, err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(raw)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat artifact %s: %w", hash, err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	raw, err := parseHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact %s: %w", hash, err)
	}
	return nil
}

// LoadWASM reads a module directly from a filesystem path, for function
// definitions that point at a file instead of a stored hash.
func LoadWASM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nexuserr.NotFound("artifact", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read module %s: %w", path, err)
	}
	if err := ValidateWASM(data); err != nil {
		return nil, err
	}
	return data, nil
}
