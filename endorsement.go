package blockclique

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// Endorsement is a vote by a drawn endorser for the block at Slot. A block at slot S in
// thread T carries endorsements of its own-thread parent.
type Endorsement struct {
	Slot            Slot              `json:"slot"`
	Index           uint32            `json:"index"`
	EndorsedBlock   BlockID           `json:"endorsed_block"`
	SenderPublicKey ed25519.PublicKey `json:"sender_public_key"`
	Signature       Signature         `json:"signature,omitempty"`
}

// EndorsementID is an endorsement's unique identifier.
type EndorsementID [32]byte // SHA3-256 hash

// NewEndorsement returns a new unsigned endorsement.
func NewEndorsement(slot Slot, index uint32, endorsed BlockID, sender ed25519.PublicKey) *Endorsement {
	return &Endorsement{
		Slot:            slot,
		Index:           index,
		EndorsedBlock:   endorsed,
		SenderPublicKey: sender,
	}
}

// ID computes an ID for a given endorsement.
func (e Endorsement) ID() (EndorsementID, error) {
	e.Signature = nil
	eJson, err := json.Marshal(e)
	if err != nil {
		return EndorsementID{}, err
	}
	return sha3.Sum256(eJson), nil
}

// Sign is called to sign an endorsement.
func (e *Endorsement) Sign(privKey ed25519.PrivateKey) error {
	id, err := e.ID()
	if err != nil {
		return err
	}
	e.Signature = ed25519.Sign(privKey, id[:])
	return nil
}

// Verify is called to verify only that the endorsement is properly signed.
func (e Endorsement) Verify() (bool, error) {
	if len(e.SenderPublicKey) != ed25519.PublicKeySize {
		return false, nil
	}
	id, err := e.ID()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(e.SenderPublicKey, id[:], e.Signature), nil
}

// Sender returns the endorser's address.
func (e Endorsement) Sender() Address {
	return AddressFromPublicKey(e.SenderPublicKey)
}

// String implements the Stringer interface.
func (id EndorsementID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText marshals EndorsementID as a hex string.
func (id EndorsementID) MarshalText() ([]byte, error) {
	return marshalHex(id[:]), nil
}

// UnmarshalText unmarshals a hex string to EndorsementID.
func (id *EndorsementID) UnmarshalText(b []byte) error {
	return unmarshalHex(id[:], b, "endorsement ID")
}
