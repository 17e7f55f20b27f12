package downloader

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/hostget/hostget/internal/logger"
)

// ChecksumError reports a digest mismatch after a completed transfer.
type ChecksumError struct {
	Algorithm string
	Expected  string
	Actual    string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s checksum mismatch: expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

func newHasher(algorithm string) hash.Hash {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	case "sha256":
		return sha256.New()
	case "sha512":
		return sha512.New()
	default:
		return nil
	}
}

// verifyChecksum hashes the finished file and compares against the expected
// digest. Algorithms we cannot compute are skipped rather than failed, the
// transfer itself already succeeded.
func verifyChecksum(path, algorithm, expected string) error {
	hasher := newHasher(algorithm)
	if hasher == nil {
		logger.Warnf("Skipping checksum verification, unsupported algorithm %q", algorithm)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file for verification: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("hashing file: %w", err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return &ChecksumError{
			Algorithm: strings.ToLower(algorithm),
			Expected:  strings.ToLower(expected),
			Actual:    actual,
		}
	}
	return nil
}
