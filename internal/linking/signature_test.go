package linking

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Known-good signature produced by a real wallet over a link challenge.
const (
	knownMessage   = "Please sign this message to connect your Discord username hmuendel with your wallet address. Session ID: b2a76f67b6c1bdf61cea3b2c.046c5bfeea4351a17b8be03a516380a13ebd1396d69a57ff306a3249fc6d0763d3071171cda9d1f6250e7a3b82344fccd85c7ca92da0"
	knownSignature = "0x092e15f49b64ae802fa4d5e8d2439e92a174b23dabe99650191f1028377d4e7711952f199bf84f5e49868b9db68ef2ce1f7ab5dbeb34afa6393d517afc42cd251c"
	knownAddress   = "0xcb313f361847e245954fd338cb21b5f4225b17d1"
)

func TestRecoverAddress_KnownSignature(t *testing.T) {
	recovered, err := RecoverAddress(knownMessage, knownSignature)
	require.NoError(t, err)
	assert.Equal(t, knownAddress, recovered)
}

func TestRecoverAddress_WrongMessageRecoversDifferentSigner(t *testing.T) {
	recovered, err := RecoverAddress("obviously wrong message", knownSignature)
	require.NoError(t, err)
	assert.NotEqual(t, knownAddress, recovered)
}

func TestRecoverAddress_RejectsMalformedInput(t *testing.T) {
	_, err := RecoverAddress("msg", "not hex")
	assert.Error(t, err)

	_, err = RecoverAddress("msg", "0xdeadbeef")
	assert.Error(t, err)

	// 65 bytes but an impossible recovery id.
	bad := make([]byte, 65)
	bad[64] = 9
	_, err = RecoverAddress("msg", hex.EncodeToString(bad))
	assert.Error(t, err)
}

func TestRecoverAddress_RoundTrip(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	message := "Please sign this message to connect your Discord username alice with your wallet address. Session ID: abc"
	signature := signMessage(priv, message)

	recovered, err := RecoverAddress(message, signature)
	require.NoError(t, err)
	assert.Equal(t, addressOf(priv), recovered)
}

// signMessage produces an r||s||v personal-sign signature the way a wallet
// would.
func signMessage(priv *secp256k1.PrivateKey, message string) string {
	compact := ecdsa.SignCompact(priv, personalDigest(message), false)
	eth := make([]byte, 65)
	copy(eth, compact[1:])
	eth[64] = compact[0] // v moves to the end in Ethereum encoding
	return "0x" + hex.EncodeToString(eth)
}

func addressOf(priv *secp256k1.PrivateKey) string {
	uncompressed := priv.PubKey().SerializeUncompressed()
	hash := keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(hash[12:])
}
