package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/Skotchmaster/academy/internal/session"
	"github.com/Skotchmaster/academy/internal/transport"
)

// APIError is a request the server answered with success=false.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("academy: %s (status %d)", e.Message, e.Status)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	Session    *SessionContext
}

// NewClient returns a client with its own cookie jar, so it carries one
// server session like a browser would.
func NewClient(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			Jar:     jar,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Session: &SessionContext{},
	}, nil
}

func (c *Client) post(ctx context.Context, req transport.Request) (*transport.Response, error) {
	body, err := withAction(req)
	if err != nil {
		return nil, err
	}
	if !session.CSRFExempt(req.Action()) && c.Session.CSRFToken() == "" {
		if _, err := c.FetchCSRF(ctx); err != nil {
			return nil, err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if tok := c.Session.CSRFToken(); tok != "" {
		httpReq.Header.Set(session.HeaderName, tok)
	}
	return c.do(httpReq)
}

func (c *Client) get(ctx context.Context, action string) (*transport.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth?action="+action, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (*transport.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var out transport.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		return &out, &APIError{Status: resp.StatusCode, Message: out.Message}
	}
	return &out, nil
}

// withAction encodes req with its action tag added.
func withAction(req transport.Request) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	action, _ := json.Marshal(req.Action())
	fields["action"] = action
	return json.Marshal(fields)
}

// FetchCSRF asks the server for the session token and stores it.
func (c *Client) FetchCSRF(ctx context.Context) (string, error) {
	res, err := c.get(ctx, transport.ActionCSRF)
	if err != nil {
		return "", err
	}
	c.Session.SetCSRFToken(res.Token)
	return res.Token, nil
}

// Register returns the verification link when the server could not confirm
// the email went out.
func (c *Client) Register(ctx context.Context, name, email, password string) (string, error) {
	res, err := c.post(ctx, &transport.RegisterRequest{Name: name, Email: email, Password: password})
	if err != nil {
		return "", err
	}
	return res.VerifyLink, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	res, err := c.post(ctx, &transport.LoginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	c.Session.SetUser(res.User)
	return c.Session.User(), nil
}

func (c *Client) GoogleLogin(ctx context.Context, idToken string) (*User, error) {
	res, err := c.post(ctx, &transport.GoogleLoginRequest{IDToken: idToken})
	if err != nil {
		return nil, err
	}
	c.Session.SetUser(res.User)
	return c.Session.User(), nil
}

// Logout ends the server session and clears the local one even when the
// server call fails.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.post(ctx, &transport.LogoutRequest{})
	c.Session.Clear()
	return err
}

// Me refreshes the cached user from the server.
func (c *Client) Me(ctx context.Context) (*User, error) {
	res, err := c.get(ctx, transport.ActionMe)
	if err != nil {
		if _, ok := err.(*APIError); ok {
			c.Session.SetUser(nil)
		}
		return nil, err
	}
	c.Session.SetUser(res.User)
	return c.Session.User(), nil
}

func (c *Client) UpdateProfile(ctx context.Context, req transport.UpdateProfileRequest) (*User, error) {
	res, err := c.post(ctx, &req)
	if err != nil {
		return nil, err
	}
	c.Session.SetUser(res.User)
	return c.Session.User(), nil
}

func (c *Client) UpdatePlan(ctx context.Context, id uint, planName string) (*User, error) {
	res, err := c.post(ctx, &transport.UpdatePlanRequest{ID: id, Plan: planName})
	if err != nil {
		return nil, err
	}
	if cur := c.Session.User(); cur != nil && cur.ID == id {
		c.Session.SetUser(res.User)
	}
	return res.User, nil
}

func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	_, err := c.post(ctx, &transport.ForgotPasswordRequest{Email: email})
	return err
}

func (c *Client) ResetPassword(ctx context.Context, token, password string) error {
	_, err := c.post(ctx, &transport.ResetPasswordRequest{Token: token, Password: password})
	return err
}

func (c *Client) VerifyEmail(ctx context.Context, email, token string) error {
	_, err := c.post(ctx, &transport.VerifyEmailRequest{Email: email, Token: token})
	return err
}

func (c *Client) ResendVerification(ctx context.Context, email string) (string, error) {
	res, err := c.post(ctx, &transport.ResendVerificationRequest{Email: email})
	if err != nil {
		return "", err
	}
	return res.VerifyLink, nil
}
