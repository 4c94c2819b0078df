// Package attest implements the two-party delivery attestation digest.
//
// The gateway and the agent each compute Digest over the exact response bytes
// they handled. Equal digests mean both sides saw the same payload. The bytes
// are never decoded or re-serialized before hashing.
package attest

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidHash is returned when a hash string is not 32 bytes of hex.
var ErrInvalidHash = errors.New("attest: invalid hash")

// Hash is a 32-byte keccak-256 digest. The zero value means "unset".
type Hash [32]byte

// Digest returns keccak-256 over raw.
func Digest(raw []byte) Hash {
	return Hash(crypto.Keccak256Hash(raw))
}

// ParseHash decodes a 64 hex character string, with or without a 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != 64 {
		return h, ErrInvalidHash
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

// IsZero reports whether h is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Hex returns the 0x-prefixed lower-case encoding.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// MarshalText encodes an unset hash as the empty string.
func (h Hash) MarshalText() ([]byte, error) {
	if h.IsZero() {
		return []byte{}, nil
	}
	return []byte(h.Hex()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*h = Hash{}
		return nil
	}
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Equal reports whether two digests attest to the same bytes.
func Equal(a, b Hash) bool {
	return a == b
}
