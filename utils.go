package blockclique

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// Signature is an ed25519 signature over an object's ID.
type Signature []byte

// Hash is a generic SHA3-256 digest.
type Hash [32]byte

// String implements the Stringer interface.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText marshals Hash as a hex string.
func (h Hash) MarshalText() ([]byte, error) {
	return marshalHex(h[:]), nil
}

// UnmarshalText unmarshals a hex string to Hash.
func (h *Hash) UnmarshalText(b []byte) error {
	return unmarshalHex(h[:], b, "hash")
}

func marshalHex(b []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out
}

func unmarshalHex(dst, text []byte, what string) error {
	if len(text) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("Invalid %s", what)
	}
	_, err := hex.Decode(dst, text)
	return err
}

func pubKeyToString(pubKey ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pubKey[:])
}

// PublicKeyFromString decodes a base64 ed25519 public key.
func PublicKeyFromString(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("Invalid public key length %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// checked arithmetic for coin amounts

func addAmount(a, b uint64) (uint64, bool) {
	c := a + b
	return c, c >= a
}

func subAmount(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}
