// Package session ends an unrecoverable session: it wipes the stored
// credentials and sends the user to the login entry point, remembering where
// they were so they can return after signing in again.
package session

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultLoginPath is the login entry point.
	DefaultLoginPath = "/login"
	// RedirectParam carries the return target on the login URL.
	RedirectParam = "redirect"

	defaultCooldown = 2 * time.Second
)

// Navigator abstracts the host's navigation object.
type Navigator interface {
	// Location returns the current path, including any query string.
	Location() string
	// Navigate moves to target.
	Navigate(target string)
}

// Clearer erases stored credentials.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Option configures a Terminator.
type Option func(*Terminator)

// WithLoginPath overrides the login entry point.
func WithLoginPath(path string) Option {
	return func(t *Terminator) { t.loginPath = path }
}

// WithCooldown sets the window during which a second navigation is suppressed.
func WithCooldown(d time.Duration) Option {
	return func(t *Terminator) { t.cooldown = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Terminator) { t.logger = l }
}

// Terminator clears the session and redirects to login.
type Terminator struct {
	store     Clearer
	nav       Navigator
	loginPath string
	cooldown  time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	lastNavTime time.Time
}

// NewTerminator creates a Terminator.
func NewTerminator(store Clearer, nav Navigator, opts ...Option) *Terminator {
	t := &Terminator{
		store:     store,
		nav:       nav,
		loginPath: DefaultLoginPath,
		cooldown:  defaultCooldown,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Terminate clears the credential store, then navigates to the login entry
// point with the current location as the return target. Calling it while
// already on the login route, or again within the cooldown, clears but does
// not navigate.
func (t *Terminator) Terminate(ctx context.Context, reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.Clear(ctx); err != nil {
		t.logger.Error("failed to clear credentials", zap.Error(err))
	}

	location := t.nav.Location()
	if t.onLoginRoute(location) {
		t.logger.Debug("session terminated on login route", zap.Error(reason))
		return
	}
	if !t.lastNavTime.IsZero() && t.now().Sub(t.lastNavTime) < t.cooldown {
		t.logger.Debug("login redirect already issued", zap.Error(reason))
		return
	}

	target := LoginURL(t.loginPath, location)
	t.lastNavTime = t.now()
	t.logger.Info("session terminated",
		zap.String("from", location),
		zap.String("to", target),
		zap.Error(reason),
	)
	t.nav.Navigate(target)
}

func (t *Terminator) onLoginRoute(location string) bool {
	path := location
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return path == t.loginPath
}

// LoginURL builds the login route carrying from as its return target.
func LoginURL(loginPath, from string) string {
	if from == "" {
		return loginPath
	}
	return loginPath + "?" + url.Values{RedirectParam: {from}}.Encode()
}

// ReturnTarget extracts the return target from a login URL. Only local
// absolute paths are honoured; anything else yields "/".
func ReturnTarget(loginURL string) string {
	u, err := url.Parse(loginURL)
	if err != nil {
		return "/"
	}
	target := u.Query().Get(RedirectParam)
	if !strings.HasPrefix(target, "/") ||
		strings.HasPrefix(target, "//") ||
		strings.HasPrefix(target, `/\`) {
		return "/"
	}
	return target
}
