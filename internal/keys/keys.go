package keys

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// fingerprintHasher implements a key hash using Hash64 for computing fingerprints in a stable way.
type fingerprintHasher struct {
	hasher *xxhash.Digest
}

// NewFingerprintHasher returns a hasher for string values.
func NewFingerprintHasher(xhash *xxhash.Digest) *fingerprintHasher {
	return &fingerprintHasher{hasher: xhash}
}

// WriteString writes the provided string to the hash, followed by a
// separator so that ("ab","c") and ("a","bc") hash differently.
func (c *fingerprintHasher) WriteString(value string) error {
	// WritesString always returns nil error
	_, _ = c.hasher.WriteString(value)
	_, _ = c.hasher.WriteString("\x00")

	return nil
}

// Key returns the stableFingerprint that this hash defines.
func (c fingerprintHasher) Key() stableFingerprint {
	return stableFingerprint{
		stableSum: c.hasher.Sum64(),
	}
}

type stableFingerprint struct {
	stableSum uint64
}

// ToUInt64 returns the fingerprint in the form of a stable uint64 value.
func (key stableFingerprint) ToUInt64() uint64 {
	return key.stableSum
}

// String returns the fingerprint as fixed-width hex.
func (key stableFingerprint) String() string {
	s := strconv.FormatUint(key.stableSum, 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}

// Fingerprint hashes the inputs a cache namespace depends on, such as the
// relation file and the numeric kinematics, into a short stable string.
func Fingerprint(parts ...string) string {
	h := NewFingerprintHasher(xxhash.New())
	for _, p := range parts {
		_ = h.WriteString(p)
	}
	return h.Key().String()
}
