package crypto

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

const personalMessagePrefix = "\x19Ethereum Signed Message:\n"

// Keccak256 returns the legacy Keccak-256 digest of the concatenated inputs.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// PersonalMessageHash is the EIP-191 version 0x45 digest of message.
func PersonalMessageHash(message []byte) []byte {
	return Keccak256([]byte(personalMessagePrefix+strconv.Itoa(len(message))), message)
}

// AddressFromPublicKey derives the EIP-55 checksummed account address of pub.
func AddressFromPublicKey(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	digest := Keccak256(uncompressed[1:])
	return checksum(hex.EncodeToString(digest[12:]))
}

// ChecksumAddress validates a 20-byte hex address and returns its EIP-55 form.
func ChecksumAddress(addr string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(raw) != 40 {
		return "", fmt.Errorf("address %q: want 40 hex characters, got %d", addr, len(raw))
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("address %q: %w", addr, err)
	}
	return checksum(strings.ToLower(raw)), nil
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}

func checksum(lowerHex string) string {
	digest := hex.EncodeToString(Keccak256([]byte(lowerHex)))
	out := make([]byte, 0, 42)
	out = append(out, '0', 'x')
	for i := 0; i < len(lowerHex); i++ {
		c := lowerHex[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
