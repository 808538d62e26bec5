// Package kratos wraps the slice of the Ory Kratos public API the login
// endpoint depends on: the API-flavored self-service password flow and
// whoami session introspection.
package kratos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	base string
	hc   *http.Client
}

type Identity struct {
	ID     string         `json:"id"`
	Traits map[string]any `json:"traits"`
}

// HTTPError carries a non-2xx Kratos response; callers switch on StatusCode
// to separate bad credentials from provider outages.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("kratos: http %d: %s", e.StatusCode, msg)
}

func New(publicBaseURL string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if base == "" {
		return nil, errors.New("kratos: missing public base url")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("kratos: invalid public base url")
	}
	return &Client{
		base: base,
		hc:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// LoginPassword runs the three-step API login: create a flow, submit the
// password credentials against it, then resolve the session to an identity.
func (c *Client) LoginPassword(ctx context.Context, identifier string, password string) (Identity, error) {
	var flow struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodGet, "/self-service/login/api", nil, nil, &flow); err != nil {
		return Identity{}, err
	}
	if flow.ID == "" {
		return Identity{}, errors.New("kratos: missing login flow id")
	}

	creds := map[string]any{
		"method":     "password",
		"identifier": identifier,
		"password":   password,
	}
	var session struct {
		SessionToken string `json:"session_token"`
	}
	if err := c.call(ctx, http.MethodPost, "/self-service/login?flow="+flow.ID, creds, nil, &session); err != nil {
		return Identity{}, err
	}
	if session.SessionToken == "" {
		return Identity{}, errors.New("kratos: missing session token")
	}

	return c.Whoami(ctx, session.SessionToken)
}

func (c *Client) Whoami(ctx context.Context, sessionToken string) (Identity, error) {
	headers := map[string]string{"X-Session-Token": sessionToken}
	var out struct {
		Identity Identity `json:"identity"`
	}
	if err := c.call(ctx, http.MethodGet, "/sessions/whoami", nil, headers, &out); err != nil {
		return Identity{}, err
	}
	return out.Identity, nil
}

func (c *Client) call(ctx context.Context, method string, path string, body any, headers map[string]string, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
