package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// HashService computes content validators for local files
type HashService struct {
	sha256Regex *regexp.Regexp
}

// NewHashService creates a new HashService
func NewHashService() *HashService {
	return &HashService{
		sha256Regex: regexp.MustCompile(`^[a-f0-9]{64}$`),
	}
}

// ComputeHash computes the SHA256 hash of a reader
func (s *HashService) ComputeHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileETag returns the local item validator of the file at path
func (s *HashService) FileETag(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash, err := s.ComputeHash(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hash, nil
}

// NormalizeHash strips quotes and a "sha256:" prefix and lowercases the result
func (s *HashService) NormalizeHash(hash string) string {
	normalized := strings.Trim(strings.TrimSpace(hash), `"`)
	normalized = strings.TrimPrefix(normalized, "W/")
	normalized = strings.Trim(normalized, `"`)

	if strings.HasPrefix(strings.ToLower(normalized), "sha256:") {
		normalized = normalized[7:]
	}

	return strings.ToLower(normalized)
}

// IsValidHash checks if a string is a valid SHA256 hash
func (s *HashService) IsValidHash(hash string) bool {
	if strings.TrimSpace(hash) == "" {
		return false
	}

	normalized := s.NormalizeHash(hash)
	return s.sha256Regex.MatchString(normalized)
}

// SameContent compares two validators after normalization. Empty values never match.
func (s *HashService) SameContent(a, b string) bool {
	a, b = s.NormalizeHash(a), s.NormalizeHash(b)
	return a != "" && a == b
}
