// Package hashid provides the two primitives every other capsule package
// builds on: stable content hashing over canonical JSON, and short opaque
// identifiers for runs, calls, and policies.
package hashid

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/capsule-run/capsule/canon"
)

// Hash returns the hex SHA-256 digest of v. A string or []byte is hashed
// as its raw bytes, not re-encoded as a JSON string; any other value is
// serialized as canonical JSON first. nil maps to the empty string before
// hashing, matching the convention
// that an absent value and an explicitly empty value hash identically.
func Hash(v any) string {
	if v == nil {
		return hashBytes([]byte(""))
	}
	if s, ok := v.(string); ok {
		return hashBytes([]byte(s))
	}
	if b, ok := v.([]byte); ok {
		return hashBytes(b)
	}
	encoded, err := canon.Marshal(v)
	if err != nil {
		// Hashing must never fail the caller; fall back to a stable
		// representation of the error itself so corrupted inputs still
		// produce a deterministic, if meaningless, digest rather than a
		// panic crossing the hashing boundary.
		return hashBytes([]byte(err.Error()))
	}
	return hashBytes(encoded)
}

// HashOrEmpty mirrors Hash but maps a nil value to the empty string
// directly rather than hashing it, matching the convention that an
// absent value (e.g. a denied call's nil output) has no digest at all,
// not the digest of an empty string. Callers recomputing a hash to
// compare against one stored via this convention must use HashOrEmpty,
// not Hash, or nil values will spuriously mismatch.
func HashOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	return Hash(v)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NewID returns a short opaque identifier: the first 8 hex characters of a
// fresh UUIDv4, matching the reference store's str(uuid.uuid4())[:8]
// convention. Collision probability over one store's lifetime is
// negligible but non-zero; callers needing stronger uniqueness guarantees
// should use NewFullID.
func NewID() string {
	id := uuid.NewString()
	// uuid.NewString() is a canonical 36-char string with hyphens; the
	// first 8 characters are already hex digits from the random high bits.
	return id[:8]
}

// NewFullID returns a full UUIDv4 string.
func NewFullID() string {
	return uuid.NewString()
}
