package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Throwaway key, publicly known (hardhat test account).
const (
	testPrivateKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testAddress    = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	polygonChainID = 137
)

func testOrderPayload() OrderPayload {
	return OrderPayload{
		Salt:          "12345",
		Maker:         testAddress,
		Signer:        testAddress,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       "7000123",
		MakerAmount:   "25000000",
		TakerAmount:   "9500000",
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          1,
		SignatureType: 0,
	}
}

func TestNewSignerDerivesAddress(t *testing.T) {
	signer, err := NewSigner(testPrivateKey, polygonChainID)
	require.NoError(t, err)
	assert.Equal(t, testAddress, signer.Address().Hex())

	prefixed, err := NewSigner("0x"+testPrivateKey, polygonChainID)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), prefixed.Address())
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	_, err := NewSigner("not-a-key", polygonChainID)
	require.Error(t, err)
}

func TestSignOrder(t *testing.T) {
	signer, err := NewSigner(testPrivateKey, polygonChainID)
	require.NoError(t, err)

	sig, err := signer.SignOrder(testOrderPayload())
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(sig, "0x"))
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.GreaterOrEqual(t, raw[64], byte(27), "recovery byte must be normalized to 27/28")

	// Deterministic nonces: the same payload signs to the same bytes.
	again, err := signer.SignOrder(testOrderPayload())
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	// Any field change moves the digest.
	other := testOrderPayload()
	other.TakerAmount = "9400000"
	otherSig, err := signer.SignOrder(other)
	require.NoError(t, err)
	assert.NotEqual(t, sig, otherSig)
}

func TestSignOrderRejectsMalformedNumbers(t *testing.T) {
	signer, err := NewSigner(testPrivateKey, polygonChainID)
	require.NoError(t, err)

	bad := testOrderPayload()
	bad.Salt = "0xf00"
	_, err = signer.SignOrder(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "salt")
}

func TestSignAuthMessage(t *testing.T) {
	signer, err := NewSigner(testPrivateKey, polygonChainID)
	require.NoError(t, err)

	sig, err := signer.SignAuthMessage(testAddress, 1700000000, 0)
	require.NoError(t, err)
	assert.Len(t, sig, 132)

	again, err := signer.SignAuthMessage(testAddress, 1700000000, 0)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	moved, err := signer.SignAuthMessage(testAddress, 1700000001, 0)
	require.NoError(t, err)
	assert.NotEqual(t, sig, moved)
}
