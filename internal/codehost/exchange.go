package codehost

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"

	"basegraph.app/conductor/internal/model"
)

// gitlabTokenLifetime is used when the token endpoint omits expires_in.
const gitlabTokenLifetime = 2 * time.Hour

// GitLabOAuthExchanger refreshes GitLab OAuth access tokens with the stored refresh token.
type GitLabOAuthExchanger struct {
	config     oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

func NewGitLabOAuthExchanger(baseURL, clientID, clientSecret string, httpClient *http.Client) *GitLabOAuthExchanger {
	base := strings.TrimSuffix(baseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &GitLabOAuthExchanger{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth/authorize",
				TokenURL:  base + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		now:        time.Now,
	}
}

func (e *GitLabOAuthExchanger) Exchange(ctx context.Context, cred *model.Credential, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token stored")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	// An already-expired token forces the source to hit the token endpoint.
	src := e.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       e.now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing gitlab token: %w", err)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = e.now().Add(gitlabTokenLifetime)
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// GitHubAppExchanger mints installation access tokens by signing an app JWT.
type GitHubAppExchanger struct {
	appID      int64
	key        *rsa.PrivateKey
	apiURL     string
	httpClient *http.Client
	now        func() time.Time
}

func NewGitHubAppExchanger(apiURL string, appID int64, privateKeyPEM []byte, httpClient *http.Client) (*GitHubAppExchanger, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key: %w", err)
	}
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &GitHubAppExchanger{
		appID:      appID,
		key:        key,
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

// AppJWT signs the short-lived app token. iat is backdated to absorb clock drift.
func (e *GitHubAppExchanger) AppJWT() (string, error) {
	now := e.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(e.appID, 10),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(e.key)
}

func (e *GitHubAppExchanger) Exchange(ctx context.Context, cred *model.Credential, _ string) (*Token, error) {
	if cred.InstallationID == nil {
		return nil, errors.New("credential has no installation id")
	}

	signed, err := e.AppJWT()
	if err != nil {
		return nil, fmt.Errorf("signing app jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", e.apiURL, *cred.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding installation token: %w", err)
	}
	if payload.Token == "" {
		return nil, errors.New("installation token response had no token")
	}
	return &Token{AccessToken: payload.Token, ExpiresAt: payload.ExpiresAt}, nil
}
