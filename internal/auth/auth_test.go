package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/manpreetbhatti/codelattice/internal/db"
	"github.com/manpreetbhatti/codelattice/internal/store"
)

func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if r.ParseForm() != nil || r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"bearer"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":         4242,
			"login":      "octocat",
			"name":       "The Octocat",
			"avatar_url": "https://example.com/a.png",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newGitHub(t *testing.T) (*GitHub, *miniredis.Miniredis, *db.Database) {
	t.Helper()
	gh := fakeGitHub(t)

	mr := miniredis.RunT(t)
	kv := store.NewRedis(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { kv.Close() })

	database, err := db.New(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	a := NewGitHub(GitHubConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/auth/github/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   gh.URL + "/login/oauth/authorize",
			TokenURL:  gh.URL + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		APIURL: gh.URL,
	}, kv, database, nil)
	return a, mr, database
}

func stateOf(t *testing.T, loginURL string) string {
	t.Helper()
	u, err := url.Parse(loginURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestLoginStoresState(t *testing.T) {
	a, mr, _ := newGitHub(t)

	loginURL, err := a.LoginURL(context.Background())
	require.NoError(t, err)

	state := stateOf(t, loginURL)
	assert.True(t, mr.Exists(StateKey(state)))
	assert.Equal(t, StateTTL, mr.TTL(StateKey(state)))
}

func TestCallbackCreatesUser(t *testing.T) {
	a, mr, database := newGitHub(t)
	ctx := context.Background()

	loginURL, err := a.LoginURL(ctx)
	require.NoError(t, err)
	state := stateOf(t, loginURL)

	user, err := a.Callback(ctx, state, "good-code")
	require.NoError(t, err)
	assert.Equal(t, int64(4242), user.GitHubID)
	assert.Equal(t, "octocat", user.Login)
	assert.False(t, mr.Exists(StateKey(state)), "state is single use")

	stored, err := database.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "The Octocat", stored.Name)

	_, err = a.Callback(ctx, state, "good-code")
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestCallbackStateConsumedOnce(t *testing.T) {
	a, _, _ := newGitHub(t)
	ctx := context.Background()

	loginURL, err := a.LoginURL(ctx)
	require.NoError(t, err)
	state := stateOf(t, loginURL)

	const callers = 5
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Callback(ctx, state, "good-code")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidState):
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, rejected)
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	a, _, _ := newGitHub(t)

	_, err := a.Callback(context.Background(), "forged", "good-code")
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestCallbackRejectsExpiredState(t *testing.T) {
	a, mr, _ := newGitHub(t)
	ctx := context.Background()

	loginURL, err := a.LoginURL(ctx)
	require.NoError(t, err)
	mr.FastForward(StateTTL + 1)

	_, err = a.Callback(ctx, stateOf(t, loginURL), "good-code")
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestCallbackBadCode(t *testing.T) {
	a, _, _ := newGitHub(t)
	ctx := context.Background()

	loginURL, err := a.LoginURL(ctx)
	require.NoError(t, err)

	_, err = a.Callback(ctx, stateOf(t, loginURL), "bad-code")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidState))
}
