// Package validate sanitizes and bounds every value crossing into the
// memory store: content, tag lists, categories, search and cleanup
// parameters, and database paths. Validation failures are ErrInvalidInput;
// nothing in this package touches the database.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidInput marks validation failures. Callers test with errors.Is.
var ErrInvalidInput = errors.New("invalid input")

// MaxSearchOffset bounds pagination depth.
const MaxSearchOffset = 10000

var tagCharsRe = regexp.MustCompile(`^[a-z0-9:_-]+$`)

// SanitizeInput strips control characters (keeping tab and newline),
// enforces the length bound, and rejects input that is empty after
// trimming. Returns the sanitized string.
func SanitizeInput(s string, maxLen int) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if maxLen > 0 && len(out) > maxLen {
		return "", fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidInput, maxLen)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: content is empty", ErrInvalidInput)
	}
	return out, nil
}

// ValidateTags lowercases and trims each tag, enforces the per-tag charset
// and length, rejects duplicates, and bounds the list size. Returns the
// cleaned list; nil input yields an empty list.
func ValidateTags(in []string, maxTags, maxTagLen int) ([]string, error) {
	if len(in) > maxTags {
		return nil, fmt.Errorf("%w: too many tags (%d > %d)", ErrInvalidInput, len(in), maxTags)
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			return nil, fmt.Errorf("%w: empty tag", ErrInvalidInput)
		}
		if len(tag) > maxTagLen {
			return nil, fmt.Errorf("%w: tag %q exceeds %d chars", ErrInvalidInput, tag, maxTagLen)
		}
		if !tagCharsRe.MatchString(tag) {
			return nil, fmt.Errorf("%w: tag %q contains invalid characters", ErrInvalidInput, tag)
		}
		if _, dup := seen[tag]; dup {
			return nil, fmt.Errorf("%w: duplicate tag %q", ErrInvalidInput, tag)
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out, nil
}

// ValidateCategory checks a search-filter category against the canonical
// set. Empty means no filter.
func ValidateCategory(category string, canonical []string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return "", nil
	}
	for _, k := range canonical {
		if k == c {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrInvalidInput, c)
}

// ValidateSearchParams bounds a search request. Returns the sanitized
// query and the validated limit and offset.
func ValidateSearchParams(query string, limit, offset, maxQueryLen, maxLimit int) (string, int, int, error) {
	q, err := SanitizeInput(query, maxQueryLen)
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: query: %v", ErrInvalidInput, err)
	}
	if limit < 1 || limit > maxLimit {
		return "", 0, 0, fmt.Errorf("%w: limit must be in [1,%d], got %d", ErrInvalidInput, maxLimit, limit)
	}
	if offset < 0 || offset > MaxSearchOffset {
		return "", 0, 0, fmt.Errorf("%w: offset must be in [0,%d], got %d", ErrInvalidInput, MaxSearchOffset, offset)
	}
	return q, limit, offset, nil
}

// ValidateCleanupParams bounds clear-old parameters.
func ValidateCleanupParams(daysOld, maxToKeep, memoryLimit int) error {
	if daysOld < 1 || daysOld > 3650 {
		return fmt.Errorf("%w: days_old must be in [1,3650], got %d", ErrInvalidInput, daysOld)
	}
	if maxToKeep < 1 || maxToKeep > memoryLimit {
		return fmt.Errorf("%w: max_to_keep must be in [1,%d], got %d", ErrInvalidInput, memoryLimit, maxToKeep)
	}
	return nil
}

// ContentHash returns the hex SHA-256 of the trimmed, NFC-normalized
// content. Two stores of byte-different but canonically equal content
// collide here, which is the point.
func ContentHash(content string) string {
	normalized := norm.NFC.String(strings.TrimSpace(content))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ValidateDBPath checks that the database location is usable: the parent
// directory exists or can be created, and the path is not a symlink
// escaping its directory.
func ValidateDBPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: database path is empty", ErrInvalidInput)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: cannot create database directory %s: %v", ErrInvalidInput, dir, err)
	}
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("%w: unresolvable symlink %s", ErrInvalidInput, path)
		}
		absDir, _ := filepath.Abs(dir)
		if !strings.HasPrefix(target, absDir+string(filepath.Separator)) {
			return fmt.Errorf("%w: database path %s is a symlink outside %s", ErrInvalidInput, path, absDir)
		}
	}
	return nil
}
