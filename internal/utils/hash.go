// internal/utils/hash.go
package utils

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// ContentHash returns an md5 hex digest of the text.
// Used only for cache invalidation, not for security.
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CacheKey joins the parts with a separator unlikely to appear in
// normal content and hashes the result into a fixed-length key.
func CacheKey(parts ...string) string {
	return ContentHash(strings.Join(parts, ":::"))
}

// SortedKey joins a pre-sorted id list into a stable cache key.
func SortedKey(ids []string) string {
	return strings.Join(ids, ",")
}
