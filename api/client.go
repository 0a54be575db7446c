// Package api is the authenticated request pipeline for the SOJ server.
//
// Every call goes through Client.Do: the current access token is attached,
// the response envelope is inspected, and an authorization failure is
// answered by asking the refresh coordinator for a new token and replaying
// the request exactly once.
package api

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/go-authgate/session-client/credential"
	"github.com/go-authgate/session-client/refresh"
	"github.com/go-authgate/session-client/token"
)

const (
	// AccessTokenHeader carries the access token on every authenticated call.
	AccessTokenHeader = "SOJ-Access-Token"
	// RequestIDHeader identifies a call; a replay keeps the original id.
	RequestIDHeader = "X-Request-Id"

	// LogoutPath revokes the refresh token sent in SOJ-Refresh-Token.
	LogoutPath = "/api/v1/user/logout"

	codeOK           = 200
	codeUnauthorized = 401
	defaultMessage   = "request failed"
)

// Doer sends HTTP requests. *retry.Client from go-httpretry satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// TokenProvider hands out a replacement for a rejected access token.
// *refresh.Coordinator satisfies it.
type TokenProvider interface {
	Token(ctx context.Context, rejected string) (string, error)
}

// CredentialStore is the part of the credential store the pipeline uses.
type CredentialStore interface {
	Get(ctx context.Context) (credential.Record, error)
	Set(ctx context.Context, rec credential.Record) error
	Clear(ctx context.Context) error
}

// Observer is told when a request is refused and when it is replayed.
type Observer interface {
	AccessTokenRejected(method, path string)
	Replaying(method, path string)
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is sent as JSON; a []byte is sent verbatim.
	Body   any
	Header http.Header
}

// Envelope is the response wrapper used by every SOJ endpoint.
type Envelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Decode unmarshals the envelope data into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.New("response has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client performs authenticated SOJ API calls.
type Client struct {
	http      Doer
	serverURL string
	store     CredentialStore
	tokens    TokenProvider
	logger    *zap.Logger
	observer  Observer
}

// NewClient creates a Client.
func NewClient(
	doer Doer,
	serverURL string,
	store CredentialStore,
	tokens TokenProvider,
	opts ...Option,
) *Client {
	c := &Client{
		http:      doer,
		serverURL: strings.TrimRight(serverURL, "/"),
		store:     store,
		tokens:    tokens,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pending is one call in flight and whether it has used its replay.
type pending struct {
	req     *Request
	body    []byte
	id      string
	retried bool
}

func newPending(req *Request) (*pending, error) {
	p := &pending{req: req, id: uuid.NewString()}
	switch b := req.Body.(type) {
	case nil:
	case []byte:
		p.body = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		p.body = data
	}
	return p, nil
}

// Do performs req. A refused access token is refreshed through the token
// provider and the request is replayed once; a second refusal is terminal
// and matches ErrUnauthorized.
func (c *Client) Do(ctx context.Context, req *Request) (*Envelope, error) {
	p, err := newPending(req)
	if err != nil {
		return nil, err
	}

	rec, err := c.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	accessToken := rec.AccessToken

	for {
		env, err := c.dispatch(ctx, p, accessToken)
		if err == nil || !errors.Is(err, ErrUnauthorized) {
			return env, err
		}

		if p.retried {
			c.logger.Warn("access token refused after refresh",
				zap.String("request_id", p.id),
				zap.String("path", req.Path),
			)
			return nil, err
		}
		p.retried = true

		c.logger.Debug("access token refused",
			zap.String("request_id", p.id),
			zap.String("path", req.Path),
		)
		if c.observer != nil {
			c.observer.AccessTokenRejected(req.Method, req.Path)
		}

		accessToken, err = c.tokens.Token(ctx, accessToken)
		if err != nil {
			return nil, err
		}

		if c.observer != nil {
			c.observer.Replaying(req.Method, req.Path)
		}
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Envelope, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Envelope, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Login performs a login request and stores the token pair it returns.
// It is sent once, without credentials and without the refresh protocol.
func (c *Client) Login(ctx context.Context, req *Request) (credential.Record, error) {
	p, err := newPending(req)
	if err != nil {
		return credential.Record{}, err
	}

	env, err := c.dispatch(ctx, p, "")
	if err != nil {
		return credential.Record{}, err
	}

	tok, err := token.ParsePair(env.Data)
	if err != nil {
		return credential.Record{}, fmt.Errorf("invalid login response: %w", err)
	}

	if err := c.store.Set(ctx, credential.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}); err != nil {
		return credential.Record{}, err
	}
	return c.store.Get(ctx)
}

// Logout revokes the refresh token on the server and clears the local
// session. The local session is cleared even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	rec, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	var serverErr error
	if rec.RefreshToken != "" {
		p, err := newPending(&Request{
			Method: http.MethodGet,
			Path:   LogoutPath,
			Header: http.Header{refresh.RefreshTokenHeader: {rec.RefreshToken}},
		})
		if err != nil {
			return err
		}
		_, serverErr = c.dispatch(ctx, p, rec.AccessToken)
	}

	if err := c.store.Clear(ctx); err != nil {
		return errors.Join(serverErr, err)
	}
	return serverErr
}

func (c *Client) newHTTPRequest(ctx context.Context, p *pending, accessToken string) (*http.Request, error) {
	target := c.serverURL + p.req.Path
	if len(p.req.Query) > 0 {
		target += "?" + p.req.Query.Encode()
	}

	var body io.Reader = http.NoBody
	if p.body != nil {
		body = bytes.NewReader(p.body)
	}

	method := p.req.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, vs := range p.req.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, p.id)
	if p.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set(AccessTokenHeader, accessToken)
	}
	return req, nil
}

// dispatch sends p once with accessToken and interprets the response.
func (c *Client) dispatch(ctx context.Context, p *pending, accessToken string) (*Envelope, error) {
	req, err := c.newHTTPRequest(ctx, p, accessToken)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("api request",
		zap.String("request_id", p.id),
		zap.String("method", req.Method),
		zap.String("path", p.req.Path),
		zap.Bool("replay", p.retried),
	)

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		c.logger.Warn("api request failed",
			zap.String("request_id", p.id),
			zap.String("path", p.req.Path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env Envelope
	parseErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
		if parseErr == nil {
			apiErr.Code = env.Code
			if env.Message != "" {
				apiErr.Message = env.Message
			}
		}
		return nil, apiErr
	}

	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse response: %w", parseErr)
	}

	if env.Code != codeOK {
		msg := env.Message
		if msg == "" {
			msg = defaultMessage
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: msg}
	}

	return &env, nil
}
