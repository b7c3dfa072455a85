package linking

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// Wallets sign the challenge with personal_sign, which prefixes the message
// before hashing so a signature can never double as a transaction.
const signedMessagePrefix = "\x19Ethereum Signed Message:\n"

// RecoverAddress recovers the signing address from a 65-byte r||s||v
// signature over message. The recovered address is returned lowercased.
func RecoverAddress(message, signatureHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("signature is not valid hex: %w", err)
	}
	if len(raw) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}

	v := raw[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", fmt.Errorf("invalid recovery id %d", raw[64])
	}

	// RecoverCompact wants v first.
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], raw[:64])

	digest := personalDigest(message)
	pub, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return "", fmt.Errorf("signature recovery failed: %w", err)
	}

	// Address = last 20 bytes of keccak256 over the uncompressed point
	// without its format byte.
	uncompressed := pub.SerializeUncompressed()
	hash := keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(hash[12:]), nil
}

func personalDigest(message string) []byte {
	prefixed := signedMessagePrefix + strconv.Itoa(len(message)) + message
	return keccak256([]byte(prefixed))
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
