package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"
)

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen error: %v", err)
	}
	return pub, priv
}

func TestVerifyRoundTrip(t *testing.T) {
	pub, priv := newKey(t)
	message := `{"action":"register","timestamp":1700000000000,"nonce":"x"}`
	sig := Sign(priv, message)

	for name, key := range map[string]string{
		"spki": EncodePublicKey(pub),
		"raw":  base64.StdEncoding.EncodeToString(pub),
	} {
		if !Verify(message, sig, key) {
			t.Fatalf("expected %s key to verify", name)
		}
	}
}

func TestVerifyRejectsBitFlips(t *testing.T) {
	pub, priv := newKey(t)
	message := "hello molt"
	sigBytes := ed25519.Sign(priv, []byte(message))
	key := EncodePublicKey(pub)

	for i := 0; i < len(sigBytes)*8; i += 37 {
		flipped := append([]byte(nil), sigBytes...)
		flipped[i/8] ^= 1 << (i % 8)
		if Verify(message, base64.StdEncoding.EncodeToString(flipped), key) {
			t.Fatalf("expected signature bit flip %d to fail", i)
		}
	}

	msgBytes := []byte(message)
	for i := 0; i < len(msgBytes)*8; i += 5 {
		flipped := append([]byte(nil), msgBytes...)
		flipped[i/8] ^= 1 << (i % 8)
		if Verify(string(flipped), base64.StdEncoding.EncodeToString(sigBytes), key) {
			t.Fatalf("expected message bit flip %d to fail", i)
		}
	}

	other, _ := newKey(t)
	if Verify(message, base64.StdEncoding.EncodeToString(sigBytes), EncodePublicKey(other)) {
		t.Fatalf("expected verification under another key to fail")
	}
}

func TestVerifyMalformedInputs(t *testing.T) {
	pub, priv := newKey(t)
	sig := Sign(priv, "m")
	key := EncodePublicKey(pub)

	cases := []struct {
		name, sig, key string
	}{
		{"empty key", sig, ""},
		{"garbage key", sig, "not-base64!!"},
		{"short key", sig, base64.StdEncoding.EncodeToString(pub[:31])},
		{"short signature", base64.StdEncoding.EncodeToString([]byte("short")), key},
		{"empty signature", "", key},
	}
	for _, tc := range cases {
		if Verify("m", tc.sig, tc.key) {
			t.Fatalf("%s: expected false", tc.name)
		}
	}
	if IsValidSignature("") || IsValidPublicKey("abc") {
		t.Fatalf("expected structural checks to reject malformed input")
	}
}

func TestCalculateDeviceIDStableAcrossEncodings(t *testing.T) {
	pub, _ := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if len(der) != 44 {
		t.Fatalf("expected 44-byte SPKI, got %d", len(der))
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	rawID, err := CalculateDeviceID(base64.StdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatalf("raw device id error: %v", err)
	}
	for _, encoded := range []string{base64.StdEncoding.EncodeToString(der), EncodePublicKey(pub), pemKey} {
		id, err := CalculateDeviceID(encoded)
		if err != nil {
			t.Fatalf("device id error: %v", err)
		}
		if id != rawID {
			t.Fatalf("expected %s, got %s", rawID, id)
		}
	}
	if len(rawID) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(rawID))
	}
	if _, err := CalculateDeviceID("@@"); err == nil {
		t.Fatalf("expected malformed key to fail")
	}
}

func TestCanonicalPublicKey(t *testing.T) {
	pub, _ := newKey(t)
	canonical, err := CanonicalPublicKey(base64.RawStdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatalf("canonical error: %v", err)
	}
	if canonical != EncodePublicKey(pub) {
		t.Fatalf("expected canonical SPKI form")
	}
}

func TestSessionTokenHash(t *testing.T) {
	token, err := IssueSessionToken()
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	other, _ := IssueSessionToken()
	if token.Value == other.Value {
		t.Fatalf("expected distinct tokens")
	}
	if !strings.HasPrefix(token.Value, "mrs_") {
		t.Fatalf("unexpected token format %q", token.Value)
	}
	if token.Hash != HashSessionToken(token.Value) || token.Hash == other.Hash {
		t.Fatalf("expected deterministic, distinct hashes")
	}
	if HashSessionToken(" "+token.Value+"\n") != token.Hash {
		t.Fatalf("expected whitespace-insensitive hash")
	}
}
