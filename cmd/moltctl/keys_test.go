package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moltregistry/internal/crypto"
	"moltregistry/internal/envelope"
)

func TestGeneratedKeySignsEnvelopes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "molt.pem")
	info, err := generateKey(path)
	require.NoError(t, err)

	priv, err := loadKey(path)
	require.NoError(t, err)
	loaded, err := describeKey(publicOf(priv))
	require.NoError(t, err)
	assert.Equal(t, info, loaded)

	signed, err := signEnvelope(priv, envelope.ActionForumUpvote, "", "post-1")
	require.NoError(t, err)
	assert.Equal(t, info.PublicKey, signed.PublicKey)
	assert.True(t, crypto.Verify(signed.Message, signed.Signature, signed.PublicKey))

	env, err := envelope.Parse(signed.Message, envelope.ActionForumUpvote, time.Now(), envelope.DefaultWindow)
	require.NoError(t, err)
	assert.Equal(t, "post-1", env.PostID)
}

func TestLoadKeyRejectsGarbage(t *testing.T) {
	_, err := loadKey(filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)
}
