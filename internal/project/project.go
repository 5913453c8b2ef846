// Package project validates instrument project files and records what was
// loaded: name, absolute path and a content digest.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
)

// Supported digest algorithms.
const (
	HashSHA256 = "sha256"
	HashBLAKE3 = "blake3"
)

// Info identifies a loaded project. It is immutable once created.
type Info struct {
	Name          string    `json:"name"`
	FilePath      string    `json:"file_path"`
	ContentHash   string    `json:"content_hash"`
	HashAlgorithm string    `json:"hash_algorithm"`
	SizeBytes     int64     `json:"size_bytes"`
	LoadedAt      time.Time `json:"loaded_at"`
}

// Validate checks that path names a non-empty regular file and returns its
// absolute form and size.
func Validate(path string) (string, int64, error) {
	if strings.TrimSpace(path) == "" {
		return "", 0, apxerrors.NewValidationError("project path is required").WithField("project_path")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", 0, apxerrors.NewValidationError("invalid project path").
			WithField("project_path").WithValue(path).WithCause(err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, apxerrors.NewValidationError("project file not found").
				WithField("project_path").WithValue(abs)
		}
		return "", 0, apxerrors.NewValidationError("project file not accessible").
			WithField("project_path").WithValue(abs).WithCause(err)
	}
	if !info.Mode().IsRegular() {
		return "", 0, apxerrors.NewValidationError("project path is not a regular file").
			WithField("project_path").WithValue(abs)
	}
	if info.Size() == 0 {
		return "", 0, apxerrors.NewValidationError("project file is empty").
			WithField("project_path").WithValue(abs)
	}
	return abs, info.Size(), nil
}

// Inspect validates path and builds its Info. An empty name defaults to the
// file name without extension.
func Inspect(path, name, algorithm string, loadedAt time.Time) (Info, error) {
	abs, size, err := Validate(path)
	if err != nil {
		return Info{}, err
	}

	digest, err := HashFile(abs, algorithm)
	if err != nil {
		return Info{}, err
	}

	if strings.TrimSpace(name) == "" {
		base := filepath.Base(abs)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return Info{
		Name:          name,
		FilePath:      abs,
		ContentHash:   digest,
		HashAlgorithm: normalize(algorithm),
		SizeBytes:     size,
		LoadedAt:      loadedAt,
	}, nil
}

func normalize(algorithm string) string {
	if algorithm == "" {
		return HashSHA256
	}
	return strings.ToLower(algorithm)
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch normalize(algorithm) {
	case HashSHA256:
		return sha256.New(), nil
	case HashBLAKE3:
		return blake3.New(), nil
	default:
		return nil, apxerrors.NewValidationError("unsupported hash algorithm").
			WithField("hash_algorithm").WithValue(algorithm)
	}
}

// HashFile returns the hex digest of the file at path. An empty algorithm
// means sha256.
func HashFile(path, algorithm string) (string, error) {
	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", apxerrors.NewIOError("open project", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(h, f); err != nil {
		return "", apxerrors.NewIOError("hash project", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ShortHash returns the first 12 characters of a digest for log lines.
func (i Info) ShortHash() string {
	if len(i.ContentHash) <= 12 {
		return i.ContentHash
	}
	return i.ContentHash[:12]
}

// String implements fmt.Stringer.
func (i Info) String() string {
	return fmt.Sprintf("%s (%s:%s)", i.Name, i.HashAlgorithm, i.ShortHash())
}
