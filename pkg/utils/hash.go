// Package utils provides hashing, encoding and key-matching helpers for the sync cache.
//
// This file implements payload fingerprints and the identity fallback hash.
//
// Design Notes:
//   - xxhash64 is fast and well distributed; fingerprints are not a security boundary
//   - Fingerprints are 16 hex chars, cheap to compare before attempting a diff
//   - Item hashes reuse the canonical JSON form, so map order never matters
package utils

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns a short digest of a payload.
// Complexity: O(n) in payload length.
func Fingerprint(payload []byte) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], xxhash.Sum64(payload))
	return hex.EncodeToString(buf[:])
}

// HashString returns the same digest form for a string.
func HashString(s string) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], xxhash.Sum64String(s))
	return hex.EncodeToString(buf[:])
}

// SameFingerprint compares two payloads by digest.
func SameFingerprint(a, b []byte) bool {
	return xxhash.Sum64(a) == xxhash.Sum64(b)
}
