// Package github links tasks to GitHub activity. It receives App webhooks,
// mirrors pull request and issue state onto tasks, and posts back through
// the REST API using installation tokens.
package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// appJWTTTL is the lifetime of the App JWT; GitHub rejects anything over
// ten minutes.
const appJWTTTL = 9 * time.Minute

// AppAuth signs App JWTs and exchanges them for installation tokens.
type AppAuth struct {
	appID      int64
	privateKey *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	tokens map[int64]installationToken
}

type installationToken struct {
	Token     string
	ExpiresAt time.Time
}

// NewAppAuth loads the App's private key from a PEM file.
func NewAppAuth(appID int64, privateKeyPath, baseURL string) (*AppAuth, error) {
	pemData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &AppAuth{
		appID:      appID,
		privateKey: key,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     make(map[int64]installationToken),
	}, nil
}

// AppJWT issues a short-lived RS256 JWT identifying the App itself.
func (a *AppAuth) AppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", a.appID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a token for one installation, reusing a cached
// token until shortly before it expires.
func (a *AppAuth) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	cached, ok := a.tokens[installationID]
	a.mu.Unlock()
	if ok && time.Until(cached.ExpiresAt) > time.Minute {
		return cached.Token, nil
	}

	appJWT, err := a.AppJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("installation token request failed: %s", resp.Status)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode installation token: %w", err)
	}

	a.mu.Lock()
	a.tokens[installationID] = installationToken{Token: body.Token, ExpiresAt: body.ExpiresAt}
	a.mu.Unlock()

	return body.Token, nil
}
