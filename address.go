package blockclique

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// Address identifies a ledger entry. It is the SHA3-256 hash of an ed25519 public key.
type Address [32]byte

const addressChecksumSize = 4

// AddressFromPublicKey derives the address owned by the given public key.
func AddressFromPublicKey(pubKey ed25519.PublicKey) Address {
	return Address(sha3.Sum256(pubKey))
}

// Thread returns the thread whose blocks may contain this address's operations.
func (a Address) Thread(threadCount uint8) uint8 {
	return a[0] % threadCount
}

// Compare orders addresses by their bytes.
func (a Address) Compare(other Address) int {
	return bytes.Compare(a[:], other[:])
}

func addressChecksum(a Address) []byte {
	sum := sha3.Sum256(a[:])
	return sum[:addressChecksumSize]
}

// String implements the Stringer interface. Addresses render as base58 with a checksum.
func (a Address) String() string {
	return base58.Encode(append(a[:], addressChecksum(a)...))
}

// ParseAddress parses the base58 form of an address.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, err
	}
	if len(raw) != len(a)+addressChecksumSize {
		return a, fmt.Errorf("Invalid address length %d", len(raw))
	}
	copy(a[:], raw)
	if !bytes.Equal(raw[len(a):], addressChecksum(a)) {
		return a, fmt.Errorf("Invalid address checksum")
	}
	return a, nil
}

// MarshalText implements encoding.TextMarshaler so addresses work as JSON map keys.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
