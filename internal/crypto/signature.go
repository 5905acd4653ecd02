package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"
)

// spkiPrefix is the fixed DER header of an Ed25519 SubjectPublicKeyInfo.
var spkiPrefix = []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}

const spkiLength = 12 + ed25519.PublicKeySize

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ParsePublicKey accepts a raw 32-byte key or an SPKI DER container, either
// base64 encoded, or a PEM "PUBLIC KEY" block.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrInvalidPublicKey
	}
	if strings.HasPrefix(encoded, "-----BEGIN") {
		block, _ := pem.Decode([]byte(encoded))
		if block == nil {
			return nil, ErrInvalidPublicKey
		}
		return publicKeyFromDER(block.Bytes)
	}
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	return publicKeyFromDER(raw)
}

func publicKeyFromDER(der []byte) (ed25519.PublicKey, error) {
	if len(der) == spkiLength && bytes.Equal(der[:len(spkiPrefix)], spkiPrefix) {
		return ed25519.PublicKey(bytes.Clone(der[len(spkiPrefix):])), nil
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	return key, nil
}

// EncodePublicKey returns the canonical text form: base64 of the SPKI DER.
func EncodePublicKey(key ed25519.PublicKey) string {
	der := make([]byte, 0, spkiLength)
	der = append(der, spkiPrefix...)
	der = append(der, key...)
	return base64.StdEncoding.EncodeToString(der)
}

// CanonicalPublicKey normalises any accepted key encoding to EncodePublicKey form.
func CanonicalPublicKey(encoded string) (string, error) {
	key, err := ParsePublicKey(encoded)
	if err != nil {
		return "", err
	}
	return EncodePublicKey(key), nil
}

func ParseSignature(encoded string) ([]byte, error) {
	sig, err := decodeBase64(strings.TrimSpace(encoded))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}

func IsValidPublicKey(encoded string) bool {
	_, err := ParsePublicKey(encoded)
	return err == nil
}

func IsValidSignature(encoded string) bool {
	_, err := ParseSignature(encoded)
	return err == nil
}

// Verify reports whether signature is a valid Ed25519 signature of message
// under publicKey. Malformed inputs yield false.
func Verify(message, signature, publicKey string) bool {
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := ParseSignature(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(key, []byte(message), sig)
}

// CalculateDeviceID is the lowercase hex SHA-256 of the raw 32-byte key, so
// raw and SPKI encodings of the same key share a device id.
func CalculateDeviceID(publicKey string) (string, error) {
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:]), nil
}

// Sign is used by clients and tests; the server never holds private keys.
func Sign(priv ed25519.PrivateKey, message string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(message)))
}

func decodeBase64(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.RawURLEncoding.DecodeString(value)
}
