// Package oauth verifies Google id_tokens through the tokeninfo endpoint.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNotConfigured    = errors.New("google client id not configured")
	ErrInvalidToken     = errors.New("invalid id token")
	ErrEmailNotVerified = errors.New("email not verified by provider")
)

// Profile is the part of the tokeninfo payload the service needs.
type Profile struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// flexBool accepts both true and "true"; tokeninfo returns strings.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch strings.ToLower(s) {
	case "true":
		*b = true
	case "false", "", "null":
		*b = false
	default:
		return fmt.Errorf("bad boolean %q", s)
	}
	return nil
}

type tokenInfo struct {
	Aud           string   `json:"aud"`
	Sub           string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
	Name          string   `json:"name"`
	Picture       string   `json:"picture"`
}

type GoogleVerifier struct {
	ClientID     string
	TokenInfoURL string
	httpClient   *http.Client
}

const DefaultTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

var defaultClient = &http.Client{Timeout: 5 * time.Second}

func NewGoogleVerifier(clientID, tokenInfoURL string) *GoogleVerifier {
	return &GoogleVerifier{
		ClientID:     clientID,
		TokenInfoURL: tokenInfoURL,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (g *GoogleVerifier) client() *http.Client {
	if g.httpClient != nil {
		return g.httpClient
	}
	return defaultClient
}

func (g *GoogleVerifier) tokenInfoURL() string {
	if g.TokenInfoURL != "" {
		return g.TokenInfoURL
	}
	return DefaultTokenInfoURL
}

// Verify introspects idToken and checks audience and email verification.
func (g *GoogleVerifier) Verify(ctx context.Context, idToken string) (*Profile, error) {
	if g == nil || g.ClientID == "" {
		return nil, ErrNotConfigured
	}
	idToken = strings.TrimSpace(idToken)
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, jwt.MapClaims{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	u, err := url.Parse(g.tokenInfoURL())
	if err != nil {
		return nil, fmt.Errorf("tokeninfo url: %w", err)
	}
	q := u.Query()
	q.Set("id_token", idToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: introspection failed: %v", ErrInvalidToken, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: tokeninfo status %d", ErrInvalidToken, resp.StatusCode)
	}

	var info tokenInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: decode tokeninfo: %v", ErrInvalidToken, err)
	}
	if info.Aud != g.ClientID {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if info.Email == "" || info.Sub == "" {
		return nil, fmt.Errorf("%w: missing email or subject", ErrInvalidToken)
	}
	if !info.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	return &Profile{
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: true,
		Name:          info.Name,
		Picture:       info.Picture,
	}, nil
}
