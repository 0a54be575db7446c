package tui

import (
	"time"

	"github.com/go-authgate/session-client/token"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ ServerURL string }

// MsgSessionLoaded signals that stored credentials were found.
type MsgSessionLoaded struct{ Identity *token.Identity }

// MsgSessionMissing signals that no credentials are stored.
type MsgSessionMissing struct{}

// MsgLoggingIn signals that a login request is in progress.
type MsgLoggingIn struct{ Username string }

// MsgLoginOK signals that login succeeded and the pair was stored.
type MsgLoginOK struct{ Identity *token.Identity }

// MsgLoginFailed signals that login failed.
type MsgLoginFailed struct{ Err error }

// MsgDispatching signals that the concurrent requests are being sent.
type MsgDispatching struct {
	Count int
	Path  string
}

// MsgRequestOK signals that one request completed.
type MsgRequestOK struct {
	N       int
	Elapsed time.Duration
}

// MsgRequestFailed signals that one request failed.
type MsgRequestFailed struct {
	N   int
	Err error
}

// MsgAccessTokenRejected signals that a request was refused with 401.
type MsgAccessTokenRejected struct{ Method, Path string }

// MsgReplaying signals that a request is replayed with a fresh token.
type MsgReplaying struct{ Method, Path string }

// MsgRefreshing signals that the single refresh call started.
type MsgRefreshing struct{}

// MsgQueued signals that a request is waiting on the refresh.
type MsgQueued struct{ Depth int }

// MsgResolved signals that the refresh finished and waiters were released.
type MsgResolved struct {
	Released int
	Err      error
}

// MsgRedirected signals that the session was terminated.
type MsgRedirected struct{ Target string }

// MsgDone signals completion of the demo run.
type MsgDone struct{ Summary Summary }

// MsgFatal signals a fatal error that should terminate the run.
type MsgFatal struct{ Err error }
