package service

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/rowmail/rowmail/internal/log"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

// tokenSlack is how close to expiry a token may be and still be presented.
const tokenSlack = 2 * time.Minute

// CanvasInstance is one configured Canvas deployment. AuthURL and TokenURL
// are absolute; BurstSize and BurstPause override the global pacing when
// the instance imposes its own API quota.
type CanvasInstance struct {
	Name         string
	BaseURL      string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	BurstSize    int
	BurstPause   time.Duration
}

func (c CanvasInstance) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

// TokenManager stores and refreshes per (user, instance) OAuth tokens.
// Tokens are shared across workflows; a refresh updates the stored pair.
type TokenManager struct {
	store     storage.Store
	instances map[string]CanvasInstance
}

func NewTokenManager(store storage.Store, instances []CanvasInstance) *TokenManager {
	byName := make(map[string]CanvasInstance, len(instances))
	for _, inst := range instances {
		byName[inst.Name] = inst
	}
	return &TokenManager{store: store, instances: byName}
}

// Instance looks up a configured Canvas instance.
func (m *TokenManager) Instance(name string) (CanvasInstance, bool) {
	inst, ok := m.instances[name]
	return inst, ok
}

// AccessToken returns a presentable access token for the user against the
// instance, refreshing first when the stored one is expired or inside the
// slack window. A missing or unrefreshable token is an OAuthError, which
// aborts the run requesting it.
func (m *TokenManager) AccessToken(ctx context.Context, user, instance string) (string, error) {
	stored, err := m.store.GetToken(user, instance)
	if err != nil {
		return "", &models.OAuthError{Instance: instance, Err: err}
	}
	if stored.Usable(time.Now(), tokenSlack) {
		return stored.AccessToken, nil
	}
	return m.Refresh(ctx, user, instance)
}

// Refresh exchanges the stored refresh token for a new pair and persists it.
func (m *TokenManager) Refresh(ctx context.Context, user, instance string) (string, error) {
	inst, ok := m.instances[instance]
	if !ok {
		return "", &models.OAuthError{Instance: instance, Err: storage.ErrNotFound}
	}
	stored, err := m.store.GetToken(user, instance)
	if err != nil {
		return "", &models.OAuthError{Instance: instance, Err: err}
	}
	src := inst.oauthConfig().TokenSource(ctx, &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute), // force the refresh
	})
	fresh, err := src.Token()
	if err != nil {
		return "", &models.OAuthError{Instance: instance, Err: err}
	}
	stored.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		stored.RefreshToken = fresh.RefreshToken
	}
	stored.Expiry = fresh.Expiry
	if err := m.store.SaveToken(stored); err != nil {
		return "", &models.OAuthError{Instance: instance, Err: err}
	}
	log.GetLogger().Infof("Refreshed Canvas token for %s against %s", user, instance)
	return stored.AccessToken, nil
}

// Store saves a token obtained through the interactive authorization flow.
func (m *TokenManager) Store(t models.OAuthToken) error {
	return m.store.SaveToken(t)
}
