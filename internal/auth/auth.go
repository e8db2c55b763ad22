// Package auth signs users in through GitHub and records them in the
// datastore.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/manpreetbhatti/codelattice/internal/db"
	"github.com/manpreetbhatti/codelattice/internal/store"
)

const (
	stateKeyPrefix = "oauth_state:"

	StateTTL         = 10 * time.Minute
	DefaultGitHubAPI = "https://api.github.com"
)

var ErrInvalidState = errors.New("invalid or expired oauth state")

// StateKey returns the durable store key holding a pending login's state.
func StateKey(state string) string {
	return stateKeyPrefix + state
}

// Authenticator exchanges an external identity for a User record.
type Authenticator interface {
	// LoginURL starts a login and returns where to send the browser.
	LoginURL(ctx context.Context) (string, error)
	// Callback completes a login started by LoginURL.
	Callback(ctx context.Context, state, code string) (*db.User, error)
}

type Users interface {
	UpsertUser(ctx context.Context, u *db.User) error
}

type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Overrides for GitHub Enterprise and tests; zero values use github.com.
	Endpoint oauth2.Endpoint
	APIURL   string
}

type GitHub struct {
	oauth  *oauth2.Config
	apiURL string
	kv     store.KV
	users  Users
	log    *slog.Logger
}

func NewGitHub(cfg GitHubConfig, kv store.KV, users Users, logger *slog.Logger) *GitHub {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = github.Endpoint
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultGitHubAPI
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     endpoint,
		},
		apiURL: strings.TrimSuffix(apiURL, "/"),
		kv:     kv,
		users:  users,
		log:    logger.With("component", "auth"),
	}
}

func (g *GitHub) LoginURL(ctx context.Context) (string, error) {
	state := uuid.NewString()
	if err := g.kv.SetEx(ctx, StateKey(state), []byte("1"), StateTTL); err != nil {
		return "", errors.Wrap(err, "store oauth state")
	}
	return g.oauth.AuthCodeURL(state), nil
}

func (g *GitHub) Callback(ctx context.Context, state, code string) (*db.User, error) {
	if state == "" || code == "" {
		return nil, ErrInvalidState
	}

	_, err := g.kv.GetDel(ctx, StateKey(state))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, errors.Wrap(err, "consume oauth state")
	}

	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "exchange code")
	}

	profile, err := g.fetchProfile(ctx, token)
	if err != nil {
		return nil, err
	}

	user := &db.User{
		ID:        uuid.NewString(),
		GitHubID:  profile.ID,
		Login:     profile.Login,
		Name:      profile.Name,
		Email:     profile.Email,
		AvatarURL: profile.AvatarURL,
	}
	if err := g.users.UpsertUser(ctx, user); err != nil {
		return nil, errors.Wrap(err, "save user")
	}

	g.log.Info("user signed in", "user_id", user.ID, "login", user.Login)
	return user, nil
}

type githubProfile struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

func (g *GitHub) fetchProfile(ctx context.Context, token *oauth2.Token) (*githubProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL+"/user", nil)
	if err != nil {
		return nil, errors.Wrap(err, "build profile request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch profile")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch profile: unexpected status %s", resp.Status)
	}

	var profile githubProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, errors.Wrap(err, "decode profile")
	}
	if profile.ID == 0 || profile.Login == "" {
		return nil, errors.New("profile is missing id or login")
	}
	return &profile, nil
}
