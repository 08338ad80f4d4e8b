package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signer produces approver signatures over canonical statement messages.
type Signer interface {
	// Sign returns the 65-byte r||s||v signature as 0x-prefixed hex.
	Sign(message string) (string, error)
	Address() string
}

// Secp256k1Signer signs EIP-191 personal messages with a local key. It backs the
// CLI `sign` command and tests; production approvers sign with their own wallets.
type Secp256k1Signer struct {
	key     *secp256k1.PrivateKey
	address string
}

// NewSecp256k1Signer generates a fresh random key.
func NewSecp256k1Signer() (*Secp256k1Signer, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return newSigner(key), nil
}

// NewSecp256k1SignerFromHex loads a 32-byte private key given as hex.
func NewSecp256k1SignerFromHex(keyHex string) (*Secp256k1Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key size: %d", len(raw))
	}
	key := secp256k1.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("invalid private key: zero scalar")
	}
	return newSigner(key), nil
}

func newSigner(key *secp256k1.PrivateKey) *Secp256k1Signer {
	return &Secp256k1Signer{key: key, address: AddressFromPublicKey(key.PubKey())}
}

func (s *Secp256k1Signer) Sign(message string) (string, error) {
	compact := ecdsa.SignCompact(s.key, PersonalMessageHash([]byte(message)), false)
	return "0x" + hex.EncodeToString(compactToRSV(compact)), nil
}

func (s *Secp256k1Signer) Address() string {
	return s.address
}

// PrivateKeyHex exports the key for `keygen`.
func (s *Secp256k1Signer) PrivateKeyHex() string {
	return "0x" + hex.EncodeToString(s.key.Serialize())
}

// compactToRSV reorders a [v][r][s] compact signature into r||s||v with v in {27, 28}.
func compactToRSV(compact []byte) []byte {
	out := make([]byte, 65)
	copy(out, compact[1:])
	out[64] = compact[0]
	return out
}
