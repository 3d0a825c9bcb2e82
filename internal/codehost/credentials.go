package codehost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/secret"
	"basegraph.app/conductor/internal/store"
)

// refreshSkew is how long before expiry a token stops being used.
const refreshSkew = 5 * time.Minute

// Token is a freshly minted access token.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenExchanger mints a new access token for an account through the provider's
// app-auth flow. refreshToken is empty for flows that do not use one.
type TokenExchanger interface {
	Exchange(ctx context.Context, cred *model.Credential, refreshToken string) (*Token, error)
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// CredentialResolver hands out decrypted access tokens, refreshing them synchronously
// when they are within five minutes of expiry. Concurrent refreshes for one account
// are collapsed into a single exchange.
type CredentialResolver struct {
	store     store.CredentialStore
	box       *secret.Box
	exchanger TokenExchanger
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedToken
	group singleflight.Group
}

func NewCredentialResolver(credentials store.CredentialStore, box *secret.Box, exchanger TokenExchanger) *CredentialResolver {
	return &CredentialResolver{
		store:     credentials,
		box:       box,
		exchanger: exchanger,
		now:       time.Now,
		cache:     make(map[string]cachedToken),
	}
}

func (r *CredentialResolver) fresh(expiresAt time.Time) bool {
	return expiresAt.Sub(r.now()) > refreshSkew
}

// Token returns a usable access token for accountID. Errors wrap ErrCredentialRefresh.
func (r *CredentialResolver) Token(ctx context.Context, accountID string) (string, error) {
	r.mu.RLock()
	cached, ok := r.cache[accountID]
	r.mu.RUnlock()
	if ok && r.fresh(cached.expiresAt) {
		return cached.token, nil
	}

	v, err, _ := r.group.Do(accountID, func() (any, error) {
		return r.resolve(ctx, accountID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, e.g. after the provider rejected it.
func (r *CredentialResolver) Invalidate(accountID string) {
	r.mu.Lock()
	delete(r.cache, accountID)
	r.mu.Unlock()
}

func (r *CredentialResolver) resolve(ctx context.Context, accountID string) (string, error) {
	// A flight that finished between the caller's cache miss and this one already did the work.
	r.mu.RLock()
	cached, ok := r.cache[accountID]
	r.mu.RUnlock()
	if ok && r.fresh(cached.expiresAt) {
		return cached.token, nil
	}

	cred, err := r.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: no credential for account %s", ErrCredentialRefresh, accountID)
		}
		return "", fmt.Errorf("%w: loading credential: %w", ErrCredentialRefresh, err)
	}

	if r.fresh(cred.ExpiresAt) {
		token, err := r.box.Decrypt(cred.EncryptedToken)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrCredentialRefresh, err)
		}
		r.remember(accountID, token, cred.ExpiresAt)
		return token, nil
	}

	return r.refresh(ctx, cred)
}

func (r *CredentialResolver) refresh(ctx context.Context, cred *model.Credential) (string, error) {
	if r.exchanger == nil {
		return "", fmt.Errorf("%w: token for %s expired and no exchanger is configured", ErrCredentialRefresh, cred.AccountID)
	}

	var refreshToken string
	if cred.EncryptedRefreshToken != nil {
		rt, err := r.box.Decrypt(*cred.EncryptedRefreshToken)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrCredentialRefresh, err)
		}
		refreshToken = rt
	}

	start := r.now()
	tok, err := r.exchanger.Exchange(ctx, cred, refreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: exchanging token for %s: %w", ErrCredentialRefresh, cred.AccountID, err)
	}

	encrypted, err := r.box.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCredentialRefresh, err)
	}
	updated := &model.Credential{
		AccountID:      cred.AccountID,
		Provider:       cred.Provider,
		EncryptedToken: encrypted,
		InstallationID: cred.InstallationID,
		ExpiresAt:      tok.ExpiresAt,
	}
	if tok.RefreshToken != "" {
		encRefresh, err := r.box.Encrypt(tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrCredentialRefresh, err)
		}
		updated.EncryptedRefreshToken = &encRefresh
	}

	// A rotated refresh token that is not persisted is lost, so this is fatal too.
	if err := r.store.Upsert(ctx, updated); err != nil {
		return "", fmt.Errorf("%w: persisting refreshed token: %w", ErrCredentialRefresh, err)
	}

	r.remember(cred.AccountID, tok.AccessToken, tok.ExpiresAt)
	slog.InfoContext(ctx, "access token refreshed",
		"account_id", cred.AccountID,
		"provider", cred.Provider,
		"expires_at", tok.ExpiresAt,
		"duration_ms", r.now().Sub(start).Milliseconds())
	return tok.AccessToken, nil
}

func (r *CredentialResolver) remember(accountID, token string, expiresAt time.Time) {
	r.mu.Lock()
	r.cache[accountID] = cachedToken{token: token, expiresAt: expiresAt}
	r.mu.Unlock()
}
