package tui

import (
	"fmt"
	"io"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/session-client/token"
)

// Summary is the outcome of a demo run.
type Summary struct {
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	// Redirect is the last login redirect issued, if any.
	Redirect string
}

// Displayer abstracts all output from the session demo. It also receives
// refresh coordinator and request pipeline events, and is called from many
// goroutines at once.
type Displayer interface {
	Banner(serverURL string)
	SessionLoaded(identity *token.Identity)
	SessionMissing()
	LoggingIn(username string)
	LoginOK(identity *token.Identity)
	LoginFailed(err error)
	Dispatching(count int, path string)
	RequestOK(n int, elapsed time.Duration)
	RequestFailed(n int, err error)
	AccessTokenRejected(method, path string)
	Replaying(method, path string)
	Refreshing()
	Queued(depth int)
	Resolved(released int, err error)
	Redirected(target string)
	Done(s Summary)
	Fatal(err error)
}

func describeIdentity(identity *token.Identity) string {
	if identity == nil {
		return "identity unknown"
	}
	role := "user"
	switch {
	case identity.IsBanned():
		role = "banned"
	case identity.Level >= token.LevelSuperAdmin:
		role = "super admin"
	case identity.IsAdmin():
		role = "admin"
	}
	return fmt.Sprintf("user %d (%s)", identity.SubjectID, role)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *PlainDisplayer) Banner(serverURL string) {
	p.printf("=== SOJ Session Client Demo ===\nServer: %s\n\n", serverURL)
}

func (p *PlainDisplayer) SessionLoaded(identity *token.Identity) {
	p.printf("Found stored session for %s\n", describeIdentity(identity))
}

func (p *PlainDisplayer) SessionMissing() {
	p.printf("No stored session, requests will be sent anonymously\n")
}

func (p *PlainDisplayer) LoggingIn(username string) {
	p.printf("Logging in as %s...\n", username)
}

func (p *PlainDisplayer) LoginOK(identity *token.Identity) {
	p.printf("Logged in as %s\n", describeIdentity(identity))
}

func (p *PlainDisplayer) LoginFailed(err error) {
	p.printf("Login failed: %v\n", err)
}

func (p *PlainDisplayer) Dispatching(count int, path string) {
	p.printf("Sending %d concurrent requests to %s...\n", count, path)
}

func (p *PlainDisplayer) RequestOK(n int, elapsed time.Duration) {
	p.printf("Request #%d succeeded in %s\n", n, elapsed.Round(time.Millisecond))
}

func (p *PlainDisplayer) RequestFailed(n int, err error) {
	p.printf("Request #%d failed: %v\n", n, err)
}

func (p *PlainDisplayer) AccessTokenRejected(method, path string) {
	p.printf("Access token rejected (401) for %s %s\n", method, path)
}

func (p *PlainDisplayer) Replaying(method, path string) {
	p.printf("Token refreshed, replaying %s %s\n", method, path)
}

func (p *PlainDisplayer) Refreshing() {
	p.printf("Refreshing access token...\n")
}

func (p *PlainDisplayer) Queued(depth int) {
	p.printf("Request queued behind refresh (%d waiting)\n", depth)
}

func (p *PlainDisplayer) Resolved(released int, err error) {
	if err != nil {
		p.printf("Refresh failed, released %d waiting requests: %v\n", released, err)
		return
	}
	p.printf("Token refreshed, released %d waiting requests\n", released)
}

func (p *PlainDisplayer) Redirected(target string) {
	p.printf("Session ended, redirecting to %s\n", target)
}

func (p *PlainDisplayer) Done(s Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintf(p.w, "Succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(p.w, "Failed:    %d\n", s.Failed)
	fmt.Fprintf(p.w, "Elapsed:   %s\n", s.Elapsed.Round(time.Millisecond))
	if s.Redirect != "" {
		fmt.Fprintf(p.w, "Redirect:  %s\n", s.Redirect)
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	p.printf("Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)                  {}
func (NoopDisplayer) SessionLoaded(_ *token.Identity)  {}
func (NoopDisplayer) SessionMissing()                  {}
func (NoopDisplayer) LoggingIn(_ string)               {}
func (NoopDisplayer) LoginOK(_ *token.Identity)        {}
func (NoopDisplayer) LoginFailed(_ error)              {}
func (NoopDisplayer) Dispatching(_ int, _ string)      {}
func (NoopDisplayer) RequestOK(_ int, _ time.Duration) {}
func (NoopDisplayer) RequestFailed(_ int, _ error)     {}
func (NoopDisplayer) AccessTokenRejected(_, _ string)  {}
func (NoopDisplayer) Replaying(_, _ string)            {}
func (NoopDisplayer) Refreshing()                      {}
func (NoopDisplayer) Queued(_ int)                     {}
func (NoopDisplayer) Resolved(_ int, _ error)          {}
func (NoopDisplayer) Redirected(_ string)              {}
func (NoopDisplayer) Done(_ Summary)                   {}
func (NoopDisplayer) Fatal(_ error)                    {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(serverURL string) {
	t.p.Send(MsgBanner{ServerURL: serverURL})
}

func (t *ProgramDisplayer) SessionLoaded(identity *token.Identity) {
	t.p.Send(MsgSessionLoaded{Identity: identity})
}

func (t *ProgramDisplayer) SessionMissing() {
	t.p.Send(MsgSessionMissing{})
}

func (t *ProgramDisplayer) LoggingIn(username string) {
	t.p.Send(MsgLoggingIn{Username: username})
}

func (t *ProgramDisplayer) LoginOK(identity *token.Identity) {
	t.p.Send(MsgLoginOK{Identity: identity})
}

func (t *ProgramDisplayer) LoginFailed(err error) {
	t.p.Send(MsgLoginFailed{Err: err})
}

func (t *ProgramDisplayer) Dispatching(count int, path string) {
	t.p.Send(MsgDispatching{Count: count, Path: path})
}

func (t *ProgramDisplayer) RequestOK(n int, elapsed time.Duration) {
	t.p.Send(MsgRequestOK{N: n, Elapsed: elapsed})
}

func (t *ProgramDisplayer) RequestFailed(n int, err error) {
	t.p.Send(MsgRequestFailed{N: n, Err: err})
}

func (t *ProgramDisplayer) AccessTokenRejected(method, path string) {
	t.p.Send(MsgAccessTokenRejected{Method: method, Path: path})
}

func (t *ProgramDisplayer) Replaying(method, path string) {
	t.p.Send(MsgReplaying{Method: method, Path: path})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) Queued(depth int) {
	t.p.Send(MsgQueued{Depth: depth})
}

func (t *ProgramDisplayer) Resolved(released int, err error) {
	t.p.Send(MsgResolved{Released: released, Err: err})
}

func (t *ProgramDisplayer) Redirected(target string) {
	t.p.Send(MsgRedirected{Target: target})
}

func (t *ProgramDisplayer) Done(s Summary) {
	t.p.Send(MsgDone{Summary: s})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
