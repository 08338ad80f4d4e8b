package crypto

import (
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

const compactMagicOffset = 27

// RecoverSigner returns the checksummed address that produced signature over the
// EIP-191 hash of message. signature is 65-byte r||s||v hex; v may be 0/1 or 27/28.
// Only the low-s form is accepted (EIP-2), so a statement has one valid signature
// per signer.
func RecoverSigner(message, signature string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil {
		return "", contracts.Errorf(contracts.ErrInvalidSignature, "signature is not hex: %v", err)
	}
	if len(raw) != 65 {
		return "", contracts.Errorf(contracts.ErrInvalidSignature, "signature must be 65 bytes, got %d", len(raw))
	}

	v := raw[64]
	if v >= compactMagicOffset {
		v -= compactMagicOffset
	}
	if v > 1 {
		return "", contracts.Errorf(contracts.ErrInvalidSignature, "unsupported recovery id %d", raw[64])
	}

	var sv secp256k1.ModNScalar
	if overflow := sv.SetByteSlice(raw[32:64]); overflow || sv.IsOverHalfOrder() {
		return "", contracts.Errorf(contracts.ErrInvalidSignature, "s value is not in the lower half of the curve order")
	}

	compact := make([]byte, 65)
	compact[0] = compactMagicOffset + v
	copy(compact[1:], raw[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, PersonalMessageHash([]byte(message)))
	if err != nil {
		return "", contracts.Errorf(contracts.ErrInvalidSignature, "recover signer: %v", err)
	}
	return AddressFromPublicKey(pub), nil
}

// VerifySignature recovers the signer of message and checks it against approvers.
// It returns the checksummed signer address on success.
func VerifySignature(message, signature string, approvers []string) (string, error) {
	signer, err := RecoverSigner(message, signature)
	if err != nil {
		return "", err
	}
	for _, a := range approvers {
		if SameAddress(a, signer) {
			return signer, nil
		}
	}
	return signer, contracts.Errorf(contracts.ErrUnauthorizedApprover, "signer %s is not an approver", signer)
}
