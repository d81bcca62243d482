package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mkts-backend/internal/errs"
)

// fakeSSO serves the token endpoint, handing out sequential access tokens
// and recording the refresh tokens it was offered.
func fakeSSO(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var offered []string
	n := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		refresh := r.Form.Get("refresh_token")
		offered = append(offered, refresh)
		if refresh == "revoked" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		n++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + string(rune('0'+n)),
			"refresh_token": "rotated-" + string(rune('0'+n)),
			"token_type":    "Bearer",
			"expires_in":    1199,
		})
	}))
	t.Cleanup(server.Close)
	return server, &offered
}

func testStore(t *testing.T, server *httptest.Server, bootstrapRefresh string) *Store {
	t.Helper()
	store, err := NewStore(Config{
		ClientID:     "client",
		SecretKey:    "secret",
		RefreshToken: bootstrapRefresh,
		TokenURL:     server.URL + "/token",
		AuthorizeURL: server.URL + "/authorize",
		CallbackURL:  "http://localhost:8000/callback",
		TokenFile:    filepath.Join(t.TempDir(), "token.json"),
	})
	require.NoError(t, err)
	return store
}

func TestGet_RefreshesAndPersists(t *testing.T) {
	server, _ := fakeSSO(t)
	store := testStore(t, server, "bootstrap-rt")

	tok, err := store.Get(context.Background(), "esi-markets.structure_markets.v1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.True(t, tok.Valid(time.Now()))

	// The refreshed token is on disk in the persisted format.
	b, err := os.ReadFile(store.cfg.TokenFile)
	require.NoError(t, err)
	var saved Token
	require.NoError(t, json.Unmarshal(b, &saved))
	assert.Equal(t, "access-1", saved.AccessToken)
	assert.Equal(t, "rotated-1", saved.RefreshToken)
	assert.Greater(t, saved.ExpiresAt, time.Now().Unix())
}

func TestGet_ServesCachedTokenWithoutRefresh(t *testing.T) {
	server, offered := fakeSSO(t)
	store := testStore(t, server, "bootstrap-rt")
	ctx := context.Background()

	_, err := store.Get(ctx)
	require.NoError(t, err)
	_, err = store.Get(ctx)
	require.NoError(t, err)

	// Only the first Get hits the endpoint.
	assert.Len(t, *offered, 1)
}

func TestGet_FallsBackToBootstrapToken(t *testing.T) {
	server, offered := fakeSSO(t)
	store := testStore(t, server, "bootstrap-rt")

	// Seed a token file whose refresh token the SSO rejects.
	expired := &Token{AccessToken: "stale", RefreshToken: "revoked", ExpiresAt: time.Now().Add(-time.Hour).Unix()}
	require.NoError(t, store.save(expired))

	tok, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	// The revoked cached token is offered first, then the bootstrap one.
	require.GreaterOrEqual(t, len(*offered), 2)
	assert.Equal(t, "revoked", (*offered)[0])
	assert.Equal(t, "bootstrap-rt", (*offered)[len(*offered)-1])
}

func TestGet_NoCredentialsIsAuthError(t *testing.T) {
	server, _ := fakeSSO(t)
	store := testStore(t, server, "")

	_, err := store.Get(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAuth))
}

func TestToken_ValidAppliesSkew(t *testing.T) {
	now := time.Now()
	tok := &Token{AccessToken: "x", ExpiresAt: now.Add(20 * time.Second).Unix()}
	// Expires within the 30s skew window, so it is already invalid.
	assert.False(t, tok.Valid(now))

	tok.ExpiresAt = now.Add(2 * time.Minute).Unix()
	assert.True(t, tok.Valid(now))

	tok.AccessToken = ""
	assert.False(t, tok.Valid(now))
}

func TestNewStore_RequiresClientCredentials(t *testing.T) {
	_, err := NewStore(Config{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConfig))
}

func TestAuthorizeURL_CarriesStateAndScopes(t *testing.T) {
	server, _ := fakeSSO(t)
	store := testStore(t, server, "")
	u := store.AuthorizeURL("state123", "scope-a", "scope-b")
	assert.Contains(t, u, "state=state123")
	assert.Contains(t, u, "scope-a")
	assert.Contains(t, u, "client_id=client")
}
