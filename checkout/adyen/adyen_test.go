package adyen

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/phantom/models"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, *PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv, &PublicKey{rsaKey: &priv.PublicKey}
}

// The CSE envelope is exactly three dollar-separated
// parts, the first of which is the literal version marker.
func TestEncryptCardEnvelopeFormat(t *testing.T) {
	_, pub := testKeyPair(t)
	card := models.Card{Number: "4111111111111111", Holder: "Jane Doe", ExpiryMonth: "03", ExpiryYearFull: "2030", CVV: "737"}

	envelope, err := EncryptCard(pub, card)
	require.NoError(t, err)

	parts := strings.Split(envelope, "$")
	require.Len(t, parts, 3)
	assert.Equal(t, envelopePrefix, parts[0])
	assert.NotEmpty(t, parts[1])
	assert.NotEmpty(t, parts[2])

	_, err = base64.StdEncoding.DecodeString(parts[1])
	assert.NoError(t, err)
	_, err = base64.StdEncoding.DecodeString(parts[2])
	assert.NoError(t, err)
}

// Decrypts a real envelope end to end to confirm the wire format
// actually round-trips to the plaintext card fields, not just that it
// has the right shape.
func TestEncryptCardRoundTrips(t *testing.T) {
	priv, pub := testKeyPair(t)
	card := models.Card{Number: "4111111111111111", Holder: "Jane Doe", ExpiryMonth: "03", ExpiryYearFull: "2030", CVV: "737"}

	envelope, err := EncryptCard(pub, card)
	require.NoError(t, err)

	parts := strings.Split(envelope, "$")
	require.Len(t, parts, 3)

	wrappedKey, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	ivAndCiphertext, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)

	aesKey, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, wrappedKey, nil)
	require.NoError(t, err)

	iv := ivAndCiphertext[:aes.BlockSize]
	ciphertext := ivAndCiphertext[aes.BlockSize:]

	block, err := aes.NewCipher(aesKey)
	require.NoError(t, err)
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	padLen := int(plaintext[len(plaintext)-1])
	plaintext = plaintext[:len(plaintext)-padLen]

	var decoded cardFields
	require.NoError(t, json.Unmarshal(plaintext, &decoded))
	assert.Equal(t, card.Number, decoded.Number)
	assert.Equal(t, card.Holder, decoded.Holder)
	assert.Equal(t, card.CVV, decoded.CVC)
	assert.Equal(t, card.ExpiryMonth, decoded.ExpiryMonth)
	assert.Equal(t, card.ExpiryYearFull, decoded.ExpiryYear)
}

func TestEncryptFieldEnvelopeFormat(t *testing.T) {
	_, pub := testKeyPair(t)
	envelope, err := EncryptField(pub, "cvc", "737")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(envelope, envelopePrefix+"$"))
	assert.Equal(t, 3, len(strings.Split(envelope, "$")))
}

func TestParseHexKeyRejectsInvalidInput(t *testing.T) {
	_, err := ParseHexKey("not-hex", "also-not-hex")
	assert.Error(t, err)
}
