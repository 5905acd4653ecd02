package http

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moltregistry/internal/auth"
	"moltregistry/internal/config"
	"moltregistry/internal/crypto"
	"moltregistry/internal/envelope"
	"moltregistry/internal/forum"
	"moltregistry/internal/guard"
	"moltregistry/internal/identity"
	"moltregistry/internal/lookup"
	"moltregistry/internal/model"
	"moltregistry/internal/registration"
	"moltregistry/internal/store/memory"
	"moltregistry/internal/worldid/mocks"
)

const (
	testSecret = "test-secret"
	testIssuer = "test-issuer"
)

type testApp struct {
	server   *httptest.Server
	store    *memory.Store
	registry *identity.Registry
	verifier *mocks.MockVerifier
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	return newTestAppWith(t, config.Config{JWTSecret: testSecret, JWTIssuer: testIssuer})
}

func newTestAppWith(t *testing.T, cfg config.Config) *testApp {
	t.Helper()
	ctrl := gomock.NewController(t)
	verifier := mocks.NewMockVerifier(ctrl)

	store := memory.New()
	nonces := guard.NewMemory()
	registry := identity.NewRegistry(store, nil, nil)
	manager := registration.NewManager(store, registry, verifier, nonces, registration.Options{
		SessionTTL:      15 * time.Minute,
		FreshnessWindow: envelope.DefaultWindow,
	}, nil)
	engine := forum.NewEngine(store, verifier, nonces, guard.NewMemory(), nil, forum.Options{
		UnverifiedPostLimit: 5,
	}, nil)

	server := NewServer(cfg, manager, engine, lookup.NewService(store), nil)
	app := httptest.NewServer(server.Router())
	t.Cleanup(app.Close)
	return &testApp{server: app, store: store, registry: registry, verifier: verifier}
}

type testKey struct {
	public string
	priv   ed25519.PrivateKey
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testKey{public: crypto.EncodePublicKey(pub), priv: priv}
}

func (k testKey) signed(t *testing.T, action string, mutate func(*envelope.Envelope)) (string, string) {
	t.Helper()
	env, err := envelope.New(action, time.Now())
	require.NoError(t, err)
	if mutate != nil {
		mutate(&env)
	}
	msg, err := env.Encode()
	require.NoError(t, err)
	return msg, crypto.Sign(k.priv, msg)
}

func doReq(t *testing.T, method, url, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, url, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func orbProof(nullifier string) map[string]string {
	return map[string]string{
		"merkle_root":        "0x1",
		"nullifier_hash":     nullifier,
		"proof":              "0x2",
		"verification_level": "orb",
	}
}

func (a *testApp) register(t *testing.T, k testKey, deviceID, nullifier string) map[string]interface{} {
	t.Helper()
	msg, sig := k.signed(t, envelope.ActionRegister, nil)
	resp, body := doReq(t, http.MethodPost, a.server.URL+"/register/init", "", map[string]string{
		"deviceId":  deviceID,
		"publicKey": k.public,
		"message":   msg,
		"signature": sig,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	token, _ := body["sessionToken"].(string)
	require.NotEmpty(t, token)

	a.verifier.EXPECT().VerifyProof(gomock.Any(), gomock.Any(), deviceID).Return(nil)
	resp, body = doReq(t, http.MethodPost, a.server.URL+"/register/complete", "", map[string]interface{}{
		"sessionToken": token,
		"proof":        orbProof(nullifier),
		"signal":       deviceID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	body["sessionToken"] = token
	return body
}

func TestRegistrationRotationAndLeaderboard(t *testing.T) {
	app := newTestApp(t)
	k1, k2 := newTestKey(t), newTestKey(t)

	first := app.register(t, k1, "D1", "0xhuman")
	molt := first["molt"].(map[string]interface{})
	assert.Equal(t, true, molt["active"])

	// The session is single use.
	resp, body := doReq(t, http.MethodPost, app.server.URL+"/register/complete", "", map[string]interface{}{
		"sessionToken": first["sessionToken"],
		"proof":        orbProof("0xhuman"),
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "session_completed", body["error"])
	assert.Equal(t, "conflict", body["category"])

	second := app.register(t, k2, "D2", "0xhuman")
	assert.Len(t, second["superseded"], 1)

	resp, body = doReq(t, http.MethodGet, app.server.URL+"/molts/device/D1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["registered"])
	assert.Equal(t, false, body["active"])

	resp, body = doReq(t, http.MethodGet, app.server.URL+"/molts/device/unknown", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["registered"])

	resp, body = doReq(t, http.MethodGet, app.server.URL+"/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, float64(2), entry["total"])
	assert.Equal(t, float64(1), entry["active"])

	resp, body = doReq(t, http.MethodGet, app.server.URL+"/humans/0xhuman/molts", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(1), body["active"])

	resp, body = doReq(t, http.MethodGet, app.server.URL+"/register/sessions/"+first["sessionToken"].(string), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	resp, _ = doReq(t, http.MethodGet, app.server.URL+"/molts/key?publicKey=garbage", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterInitRejectsBadInput(t *testing.T) {
	app := newTestApp(t)
	k := newTestKey(t)
	msg, sig := k.signed(t, envelope.ActionRegister, nil)

	resp, body := doReq(t, http.MethodPost, app.server.URL+"/register/init", "", map[string]string{
		"deviceId":  "D1",
		"publicKey": k.public,
		"message":   msg,
		"signature": sig,
		"extra":     "field",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])

	other := newTestKey(t)
	resp, body = doReq(t, http.MethodPost, app.server.URL+"/register/init", "", map[string]string{
		"deviceId":  "D1",
		"publicKey": other.public,
		"message":   msg,
		"signature": sig,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "signature_invalid", body["error"])

	resp, _ = doReq(t, http.MethodGet, app.server.URL+"/register/sessions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestForumEndpoints(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	author, voterKey := newTestKey(t), newTestKey(t)
	for _, b := range []struct {
		k       testKey
		device  string
		nullify string
	}{{author, "D1", "0xa"}, {voterKey, "D2", "0xb"}} {
		_, err := app.registry.BindOrRotate(ctx, identity.BindRequest{
			DeviceID: b.device, PublicKey: b.k.public, NullifierHash: b.nullify, Level: model.LevelOrb,
		})
		require.NoError(t, err)
	}

	msg, sig := author.signed(t, envelope.ActionForumPost, func(e *envelope.Envelope) { e.Content = "hello molts" })
	postReq := map[string]string{"publicKey": author.public, "signature": sig, "message": msg, "content": "hello molts"}
	resp, body := doReq(t, http.MethodPost, app.server.URL+"/forum/posts", "", postReq)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "agent", body["authorKind"])
	postID := body["id"].(string)

	// Replaying the same signed message is refused.
	resp, body = doReq(t, http.MethodPost, app.server.URL+"/forum/posts", "", postReq)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "nonce_replayed", body["error"])

	msg, sig = voterKey.signed(t, envelope.ActionForumUpvote, func(e *envelope.Envelope) { e.PostID = postID })
	resp, body = doReq(t, http.MethodPost, app.server.URL+"/forum/posts/"+postID+"/vote", "", map[string]string{
		"publicKey": voterKey.public, "signature": sig, "message": msg, "direction": "up",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	post := body["post"].(map[string]interface{})
	assert.Equal(t, float64(1), post["agentUpvoteCount"])
	assert.Equal(t, float64(1), post["uniqueHumanCount"])

	app.verifier.EXPECT().VerifyProof(gomock.Any(), gomock.Any(), "").Return(nil)
	resp, body = doReq(t, http.MethodPost, app.server.URL+"/forum/posts/"+postID+"/vote/human", "", map[string]interface{}{
		"proof": orbProof("0xhuman"), "direction": "down",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	post = body["post"].(map[string]interface{})
	assert.Equal(t, float64(1), post["humanDownvoteCount"])
	assert.Equal(t, float64(0), post["score"])

	// The vote left a footprint, so the nullifier alone now authenticates.
	resp, body = doReq(t, http.MethodPost, app.server.URL+"/forum/posts/human", "", map[string]string{
		"nullifierHash": "0xhuman", "content": "a human speaks",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "human", body["authorKind"])

	resp, body = doReq(t, http.MethodPost, app.server.URL+"/forum/posts/human", "", map[string]string{
		"nullifierHash": "0xhuman", "content": "again",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "human_already_posted", body["error"])

	resp, body = doReq(t, http.MethodPost, app.server.URL+"/forum/posts/human", "", map[string]string{
		"nullifierHash": "0xstranger", "content": "hi",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "human_not_recognized", body["error"])

	resp, body = doReq(t, http.MethodGet, app.server.URL+"/forum/posts?sort=new&limit=10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["posts"], 2)

	resp, _ = doReq(t, http.MethodGet, app.server.URL+"/forum/posts/"+postID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doReq(t, http.MethodGet, app.server.URL+"/forum/posts/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = doReq(t, http.MethodGet, app.server.URL+"/forum/posts?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminRecount(t *testing.T) {
	app := newTestApp(t)
	post, err := app.store.CreatePost(context.Background(), model.ForumPost{
		Content: "x", AuthorKind: model.AuthorAgent, AuthorNullifierHash: "0xa", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, app.store.ApplyCounterDelta(context.Background(), post.ID, model.PostCounters{Upvotes: 9}))
	url := app.server.URL + "/admin/forum/posts/" + post.ID + "/recount"

	resp, body := doReq(t, http.MethodPost, url, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_token", body["error"])

	viewer := mustToken(t, "viewer")
	resp, _ = doReq(t, http.MethodPost, url, viewer, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := mustToken(t, auth.RoleAdmin)
	resp, body = doReq(t, http.MethodPost, url, admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, float64(0), body["upvoteCount"])
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	app := newTestAppWith(t, config.Config{JWTIssuer: testIssuer})
	url := app.server.URL + "/admin/forum/posts/any/recount"

	forged, err := auth.NewAccessToken("dev-secret", testIssuer, time.Minute, auth.Claims{Operator: "ops", Role: auth.RoleAdmin})
	require.NoError(t, err)
	resp, body := doReq(t, http.MethodPost, url, forged, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "admin_disabled", body["error"])
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	resp, body := doReq(t, http.MethodGet, app.server.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func mustToken(t *testing.T, role string) string {
	t.Helper()
	token, err := auth.NewAccessToken(testSecret, testIssuer, time.Minute, auth.Claims{Operator: "ops", Role: role})
	require.NoError(t, err)
	return token
}
