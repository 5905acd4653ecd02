package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"time"

	"moltregistry/internal/crypto"
	"moltregistry/internal/envelope"
)

type keyInfo struct {
	PublicKey string `json:"publicKey"`
	DeviceID  string `json:"deviceId"`
}

func generateKey(path string) (keyInfo, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return keyInfo{}, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return keyInfo{}, err
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, block, 0o600); err != nil {
		return keyInfo{}, err
	}
	return describeKey(pub)
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("key file is not PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key file does not hold an Ed25519 key")
	}
	return priv, nil
}

func describeKey(pub ed25519.PublicKey) (keyInfo, error) {
	encoded := crypto.EncodePublicKey(pub)
	deviceID, err := crypto.CalculateDeviceID(encoded)
	if err != nil {
		return keyInfo{}, err
	}
	return keyInfo{PublicKey: encoded, DeviceID: deviceID}, nil
}

type signedMessage struct {
	PublicKey string `json:"publicKey"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// signEnvelope builds a fresh envelope for action and signs it.
func signEnvelope(priv ed25519.PrivateKey, action, content, postID string) (signedMessage, error) {
	env, err := envelope.New(action, time.Now())
	if err != nil {
		return signedMessage{}, err
	}
	env.Content = content
	env.PostID = postID
	msg, err := env.Encode()
	if err != nil {
		return signedMessage{}, err
	}
	return signedMessage{
		PublicKey: crypto.EncodePublicKey(publicOf(priv)),
		Message:   msg,
		Signature: crypto.Sign(priv, msg),
	}, nil
}

func publicOf(priv ed25519.PrivateKey) ed25519.PublicKey {
	return priv.Public().(ed25519.PublicKey)
}
