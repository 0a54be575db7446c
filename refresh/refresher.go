package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/go-authgate/session-client/token"
)

const (
	// RefreshPath is the refresh endpoint relative to the server URL.
	RefreshPath = "/api/v1/user/refresh_token"
	// RefreshTokenHeader carries the refresh token on the refresh call.
	RefreshTokenHeader = "SOJ-Refresh-Token"

	codeOK           = 200
	codeUnauthorized = 401
)

// ErrRefreshTokenExpired indicates that the refresh token has expired or is invalid
var ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

// Doer sends HTTP requests. *retry.Client from go-httpretry satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPRefresher calls the SOJ refresh endpoint.
type HTTPRefresher struct {
	client    Doer
	serverURL string
}

// NewHTTPRefresher creates an HTTPRefresher for serverURL.
func NewHTTPRefresher(client Doer, serverURL string) *HTTPRefresher {
	return &HTTPRefresher{
		client:    client,
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Refresh posts refreshToken to the refresh endpoint and returns the new token pair.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		r.serverURL+RefreshPath,
		http.NoBody,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(RefreshTokenHeader, refreshToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrRefreshTokenExpired
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}

	if env.Code != codeOK {
		if env.Code == codeUnauthorized || mentionsExpiredRefreshToken(env.Message) {
			return nil, ErrRefreshTokenExpired
		}
		return nil, fmt.Errorf("refresh failed with code %d: %s", env.Code, env.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, env.Message)
	}

	tok, err := token.ParsePair(env.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh response: %w", err)
	}
	return tok, nil
}

func mentionsExpiredRefreshToken(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "refresh") &&
		(strings.Contains(m, "expired") || strings.Contains(m, "invalid"))
}
