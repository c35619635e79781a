// Package adyen implements Adyen Client-Side Encryption (CSE) v0_1_25:
// an ephemeral AES-256-CBC key encrypts the card payload, the AES key
// is wrapped with RSA-OAEP/SHA1 under the site's published public key,
// and the two ciphertexts are joined into Adyen's dollar-delimited
// envelope format.
package adyen

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/resilience"
)

const envelopePrefix = "adyenjs_0_1_25"

// PublicKey is a parsed Adyen CSE public key, typically published by
// the target site as "<exponent-hex>|<modulus-hex>".
type PublicKey struct {
	rsaKey *rsa.PublicKey
}

// ParseHexKey parses Adyen's "exponent|modulus" hex-encoded key format.
func ParseHexKey(exponentHex, modulusHex string) (*PublicKey, error) {
	e, ok := new(big.Int).SetString(exponentHex, 16)
	if !ok {
		return nil, resilience.Validation("invalid Adyen public key exponent")
	}
	n, ok := new(big.Int).SetString(modulusHex, 16)
	if !ok {
		return nil, resilience.Validation("invalid Adyen public key modulus")
	}
	return &PublicKey{rsaKey: &rsa.PublicKey{N: n, E: int(e.Int64())}}, nil
}

// ParsePEM parses a standard PEM-encoded RSA public key, for sites that
// publish it that way instead of Adyen's hex pair format.
func ParsePEM(pemBytes []byte) (*PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, resilience.Validation("invalid PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, resilience.Validation("invalid public key: " + err.Error())
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, resilience.Validation("public key is not RSA")
	}
	return &PublicKey{rsaKey: rsaPub}, nil
}

type cardFields struct {
	Number         string `json:"number"`
	Holder         string `json:"holderName"`
	CVC            string `json:"cvc"`
	ExpiryMonth    string `json:"expiryMonth"`
	ExpiryYear     string `json:"expiryYear"`
	Generationtime string `json:"generationtime"`
}

// EncryptCard builds the full adyenjs_0_1_25$<wrapped key>$<iv+ciphertext>
// envelope for a payment card.
func EncryptCard(pub *PublicKey, card models.Card) (string, error) {
	payload := cardFields{
		Number:         card.Number,
		Holder:         card.Holder,
		CVC:            card.CVV,
		ExpiryMonth:    card.ExpiryMonth,
		ExpiryYear:     card.ExpiryYearFull,
		Generationtime: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", resilience.Transient("failed to marshal card payload", err)
	}
	return encryptEnvelope(pub, data)
}

// EncryptField encrypts a single field name/value pair, for the
// supplemented single-field re-encryption path (e.g. re-submitting a
// CVV after a declined attempt without re-sending the full PAN).
func EncryptField(pub *PublicKey, field, value string) (string, error) {
	payload := map[string]string{
		field:            value,
		"generationtime": time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", resilience.Transient("failed to marshal field payload", err)
	}
	return encryptEnvelope(pub, data)
}

func encryptEnvelope(pub *PublicKey, plaintext []byte) (string, error) {
	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return "", resilience.Transient("failed to generate AES key", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", resilience.Transient("failed to generate IV", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", resilience.Transient("failed to build AES cipher", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	wrappedKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub.rsaKey, aesKey, nil)
	if err != nil {
		return "", resilience.Transient("failed to wrap AES key", err)
	}

	ivAndCiphertext := append(append([]byte(nil), iv...), ciphertext...)

	return fmt.Sprintf("%s$%s$%s",
		envelopePrefix,
		base64.StdEncoding.EncodeToString(wrappedKey),
		base64.StdEncoding.EncodeToString(ivAndCiphertext),
	), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}
