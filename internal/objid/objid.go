// Package objid defines the opaque content-address key used throughout
// winery: an object id (a.k.a. signature).
package objid

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the width, in bytes, of the default hasher's output.
const Size = sha256.Size

// ID is an opaque, fixed-width content hash. The core never assumes how
// it was produced; SHA256 below is only the default constructor used by
// callers that do not already have a hash.
type ID []byte

// SHA256 hashes content with SHA-256 and returns the resulting ID.
func SHA256(content []byte) ID {
	sum := sha256.Sum256(content)
	return sum[:]
}

// String renders the id as lowercase hex, for logging.
func (id ID) String() string {
	return hex.EncodeToString(id)
}

// Equal reports whether two ids are byte-identical.
func (id ID) Equal(other ID) bool {
	if len(id) != len(other) {
		return false
	}
	for i := range id {
		if id[i] != other[i] {
			return false
		}
	}
	return true
}

// Parse decodes a hex-encoded id.
func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return ID(b), nil
}
