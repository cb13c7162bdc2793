package models

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
)

// checksum is a parsed expected digest.
type checksum struct {
	// algo is the lowercase algorithm name, e.g. "sha256".
	algo string

	// digest is the lowercase hex digest without prefix.
	digest string
}

// hashFactories maps supported algorithms to constructors and hex lengths.
var hashFactories = map[string]struct {
	newHash func() hash.Hash
	hexLen  int
}{
	"md5":    {md5.New, 32},
	"sha1":   {sha1.New, 40},
	"sha256": {sha256.New, 64},
	"sha512": {sha512.New, 128},
}

// parseChecksum parses "<hex>" or "<algo>:<hex>". Unprefixed digests are
// matched to an algorithm by length, defaulting to sha256.
func parseChecksum(s string) (checksum, error) {
	s = strings.TrimSpace(s)
	algo, digest := "", s
	if idx := strings.Index(s, ":"); idx != -1 {
		algo = strings.ToLower(strings.TrimSpace(s[:idx]))
		digest = strings.TrimSpace(s[idx+1:])
	}
	digest = strings.ToLower(digest)

	if digest == "" {
		return checksum{}, fmt.Errorf("empty digest")
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return checksum{}, fmt.Errorf("digest is not hex")
	}

	if algo == "" {
		algo = "sha256"
		for name, f := range hashFactories {
			if f.hexLen == len(digest) {
				algo = name
				break
			}
		}
	}

	f, ok := hashFactories[algo]
	if !ok {
		return checksum{}, fmt.Errorf("unsupported algorithm %q", algo)
	}
	if len(digest) != f.hexLen {
		return checksum{}, fmt.Errorf("%s digest must be %d hex characters, got %d", algo, f.hexLen, len(digest))
	}
	return checksum{algo: algo, digest: digest}, nil
}

func (c checksum) String() string {
	return c.algo + ":" + c.digest
}

// newHash returns a fresh hasher for the checksum's algorithm.
func (c checksum) newHash() hash.Hash {
	return hashFactories[c.algo].newHash()
}

// matches compares a computed digest case-insensitively.
func (c checksum) matches(actual string) bool {
	return strings.EqualFold(c.digest, actual)
}

// fileDigest streams the file at path through the checksum's algorithm.
func fileDigest(path string, c checksum) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := c.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyFile computes the digest of path and compares it to expected.
// Returns nil if the digest matches, ErrChecksumMismatch if it does not.
func verifyFile(path string, expected checksum) error {
	actual, err := fileDigest(path, expected)
	if err != nil {
		return fmt.Errorf("%w: hashing %s: %v", ErrStorageError, path, err)
	}
	if !expected.matches(actual) {
		return fmt.Errorf("%w: expected %s, got %s:%s", ErrChecksumMismatch, expected, expected.algo, actual)
	}
	return nil
}
