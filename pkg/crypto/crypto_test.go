package crypto

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

const (
	testKey     = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	// Signature of "Some data" by testKey, as produced by standard Ethereum tooling.
	someDataSig = "0xb91467e570a6466aa9e9876cbcd013baba02900b8979d43fe208a4a4f339f5fd" +
		"6007e74cd82e037b800186422fc2da167c747ef045e5d18a5f5d4300f8e1a0291c"
)

func TestKeccak256_Empty(t *testing.T) {
	assert.Equal(t, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", hex.EncodeToString(Keccak256()))
}

func TestPersonalMessageHash(t *testing.T) {
	got := hex.EncodeToString(PersonalMessageHash([]byte("Some data")))
	assert.Equal(t, "1da44b586eb0729ff70a73c326926f6ed5a25f5b056e7f47fbc6e58d86871655", got)
}

func TestChecksumAddress(t *testing.T) {
	got, err := ChecksumAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", got)

	_, err = ChecksumAddress("0x1234")
	assert.Error(t, err)
	_, err = ChecksumAddress("0xzzaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	assert.Error(t, err)
}

func TestSecp256k1Signer_KnownVector(t *testing.T) {
	s, err := NewSecp256k1SignerFromHex(testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address())
	assert.Equal(t, testKey, s.PrivateKeyHex())

	sig, err := s.Sign("Some data")
	require.NoError(t, err)
	assert.Equal(t, someDataSig, sig)
}

func TestRecoverSigner(t *testing.T) {
	addr, err := RecoverSigner("Some data", someDataSig)
	require.NoError(t, err)
	assert.Equal(t, testAddress, addr)

	// v as a bare recovery id is accepted too.
	raw, _ := hex.DecodeString(strings.TrimPrefix(someDataSig, "0x"))
	raw[64] = 1
	addr, err = RecoverSigner("Some data", hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, testAddress, addr)

	other, err := RecoverSigner("Other data", someDataSig)
	if err == nil {
		assert.NotEqual(t, testAddress, other)
	}
}

func TestRecoverSigner_Malformed(t *testing.T) {
	_, err := RecoverSigner("m", "0xnothex")
	assert.ErrorIs(t, err, contracts.ErrInvalidSignature)

	_, err = RecoverSigner("m", "0x"+strings.Repeat("ab", 64))
	assert.ErrorIs(t, err, contracts.ErrInvalidSignature)

	raw, _ := hex.DecodeString(strings.TrimPrefix(someDataSig, "0x"))
	raw[64] = 30
	_, err = RecoverSigner("Some data", hex.EncodeToString(raw))
	assert.ErrorIs(t, err, contracts.ErrInvalidSignature)
}

func TestRecoverSigner_RejectsHighS(t *testing.T) {
	raw, err := hex.DecodeString(strings.TrimPrefix(someDataSig, "0x"))
	require.NoError(t, err)

	// (r, n-s) with the recovery id flipped recovers the same key.
	var sv secp256k1.ModNScalar
	require.False(t, sv.SetByteSlice(raw[32:64]))
	sv.Negate()
	high := sv.Bytes()
	malleated := append([]byte{}, raw...)
	copy(malleated[32:64], high[:])
	malleated[64] = 27 + 28 - raw[64]

	_, err = RecoverSigner("Some data", hex.EncodeToString(malleated))
	assert.ErrorIs(t, err, contracts.ErrInvalidSignature)

	_, err = VerifySignature("Some data", "0x"+hex.EncodeToString(malleated), []string{testAddress})
	assert.ErrorIs(t, err, contracts.ErrInvalidSignature)

	// s at or above the curve order.
	overflow := append([]byte{}, raw...)
	copy(overflow[32:64], bytes.Repeat([]byte{0xff}, 32))
	_, err = RecoverSigner("Some data", hex.EncodeToString(overflow))
	assert.ErrorIs(t, err, contracts.ErrInvalidSignature)
}

func TestSecp256k1Signer_ProducesLowS(t *testing.T) {
	signer, err := NewSecp256k1Signer()
	require.NoError(t, err)
	for _, msg := range []string{"a", "epoch-1", "Some data"} {
		sig, err := signer.Sign(msg)
		require.NoError(t, err)
		addr, err := RecoverSigner(msg, sig)
		require.NoError(t, err)
		assert.Equal(t, signer.Address(), addr)
	}
}

func TestVerifySignature(t *testing.T) {
	s, err := NewSecp256k1Signer()
	require.NoError(t, err)

	msg := BuildCanonicalMessage(StatementFields{
		NodeID: "node-1", ScopeID: "core", EpochID: "ep-1",
		AllocationSetHash: strings.Repeat("a", 64), PoolTotalCredits: "1000",
	})
	sig, err := s.Sign(msg)
	require.NoError(t, err)

	addr, err := VerifySignature(msg, sig, []string{testAddress, strings.ToLower(s.Address())})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	_, err = VerifySignature(msg, sig, []string{testAddress})
	assert.ErrorIs(t, err, contracts.ErrUnauthorizedApprover)

	// A signature for one epoch does not verify for another.
	replayed := BuildCanonicalMessage(StatementFields{
		NodeID: "node-1", ScopeID: "core", EpochID: "ep-2",
		AllocationSetHash: strings.Repeat("a", 64), PoolTotalCredits: "1000",
	})
	_, err = VerifySignature(replayed, sig, []string{s.Address()})
	assert.Error(t, err)
}

func TestBuildCanonicalMessage(t *testing.T) {
	msg := BuildCanonicalMessage(StatementFields{
		NodeID:            "caf\u00e9",
		ScopeID:           "core",
		EpochID:           "ep-1",
		AllocationSetHash: "ABCDEF",
		PoolTotalCredits:  "10",
	})
	want := "Epoch Payout Statement v1\nNode: caf\u00e9\nScope: core\nEpoch: ep-1\nAllocation Hash: abcdef\nPool Total: 10"
	assert.Equal(t, want, msg)

	decomposed := BuildCanonicalMessage(StatementFields{
		NodeID: "cafe\u0301", ScopeID: "core", EpochID: "ep-1",
		AllocationSetHash: "abcdef", PoolTotalCredits: "10",
	})
	assert.Equal(t, msg, decomposed)
}

func TestNewSecp256k1SignerFromHex_Invalid(t *testing.T) {
	_, err := NewSecp256k1SignerFromHex("0x1234")
	assert.Error(t, err)
	_, err = NewSecp256k1SignerFromHex(strings.Repeat("00", 32))
	assert.Error(t, err)
	_, err = NewSecp256k1SignerFromHex("not-hex")
	assert.Error(t, err)
}
