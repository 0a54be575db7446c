// Package refresh serializes access token refreshes.
//
// A Coordinator is either idle or refreshing. The first caller that finds it
// idle performs the single refresh call; everyone arriving while it runs is
// queued and released, in arrival order, with the outcome of that one call.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-client/credential"
)

// DefaultTimeout bounds a refresh call. Every queued request waits on it.
const DefaultTimeout = 10 * time.Second

var (
	// ErrRefreshFailed wraps every refresh failure handed to callers.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrNoRefreshToken means there was nothing to refresh with.
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Terminator ends the session after an unrecoverable refresh failure.
type Terminator interface {
	Terminate(ctx context.Context, reason error)
}

// CredentialStore is the part of the credential store the coordinator uses.
type CredentialStore interface {
	Get(ctx context.Context) (credential.Record, error)
	UpdateAccessToken(ctx context.Context, accessToken string) error
	UpdateRefreshToken(ctx context.Context, refreshToken string) error
}

// Observer is notified of coordinator transitions. Calls are made outside
// the coordinator's lock.
type Observer interface {
	Refreshing()
	Queued(depth int)
	Resolved(released int, err error)
}

// State is the coordinator state.
type State int

const (
	Idle State = iota
	Refreshing
)

func (s State) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

type outcome struct {
	token string
	err   error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each refresh call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// Coordinator guarantees at most one refresh call in flight.
type Coordinator struct {
	store      CredentialStore
	refresher  Refresher
	terminator Terminator
	timeout    time.Duration
	logger     *zap.Logger
	observer   Observer

	mu      sync.Mutex
	state   State
	waiters []chan outcome
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(
	store CredentialStore,
	refresher Refresher,
	terminator Terminator,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:      store,
		refresher:  refresher,
		terminator: terminator,
		timeout:    DefaultTimeout,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns an access token to replace rejected, the token a request was
// refused with.
//
// While a refresh is in flight the caller is queued behind it. When idle, a
// stored token that already differs from rejected is returned as is, since a
// refresh finished after the request was sent; otherwise the caller performs
// the refresh on behalf of everyone who queues up meanwhile.
func (c *Coordinator) Token(ctx context.Context, rejected string) (string, error) {
	c.mu.Lock()
	if c.state == Refreshing {
		w := make(chan outcome, 1)
		c.waiters = append(c.waiters, w)
		depth := len(c.waiters)
		c.mu.Unlock()

		c.notify(func(o Observer) { o.Queued(depth) })
		select {
		case out := <-w:
			return out.token, out.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	rec, err := c.store.Get(ctx)
	if err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if rec.AccessToken != "" && rec.AccessToken != rejected {
		c.mu.Unlock()
		return rec.AccessToken, nil
	}

	c.state = Refreshing
	c.mu.Unlock()

	c.notify(func(o Observer) { o.Refreshing() })

	// the refresh outlives the caller that started it
	detached := context.WithoutCancel(ctx)
	token, err := c.refresh(detached, rec.RefreshToken)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		c.logger.Warn("token refresh failed", zap.Error(err))
		c.terminator.Terminate(detached, err)
	} else {
		c.logger.Debug("token refreshed")
	}

	released := c.resolve(outcome{token: token, err: err})
	c.notify(func(o Observer) { o.Resolved(released, err) })
	return token, err
}

func (c *Coordinator) refresh(ctx context.Context, refreshToken string) (token string, err error) {
	// a panicking Refresher must still resolve the queue
	defer func() {
		if r := recover(); r != nil {
			token, err = "", fmt.Errorf("refresher panicked: %v", r)
		}
	}()

	if refreshToken == "" {
		return "", ErrNoRefreshToken
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tok, err := c.refresher.Refresh(rctx, refreshToken)
	if err != nil {
		return "", err
	}
	if tok == nil || tok.AccessToken == "" {
		return "", errors.New("refresh returned no access token")
	}

	if err := c.store.UpdateAccessToken(ctx, tok.AccessToken); err != nil {
		return "", err
	}
	// rotation mode: keep the newly issued refresh token
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if err := c.store.UpdateRefreshToken(ctx, tok.RefreshToken); err != nil {
			return "", err
		}
	}
	return tok.AccessToken, nil
}

// resolve returns to Idle and releases every waiter, in queue order, with out.
func (c *Coordinator) resolve(out outcome) int {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.state = Idle
	c.mu.Unlock()

	for _, w := range waiters {
		w <- out
	}
	return len(waiters)
}

func (c *Coordinator) notify(fn func(Observer)) {
	if c.observer != nil {
		fn(c.observer)
	}
}
