package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/session-client/api"
	"github.com/go-authgate/session-client/credential"
	"github.com/go-authgate/session-client/refresh"
	"github.com/go-authgate/session-client/session"
	"github.com/go-authgate/session-client/tui"
)

const (
	loginPath        = "/api/v1/user/login"
	redisPingTimeout = 5 * time.Second
)

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	warnInsecure(cfg.serverURL)

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner(cfg.serverURL)
		runErr := run(cfg, d)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner(cfg.serverURL)
		if err := run(cfg, d); err != nil {
			os.Exit(1)
		}
	}
}

func run(cfg *config, d tui.Displayer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg.logFile)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer func() { _ = logger.Sync() }()

	backend, closeBackend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer closeBackend()

	httpClient, err := newHTTPClient(cfg.requestTimeout, logger.Named("http"))
	if err != nil {
		d.Fatal(err)
		return err
	}

	sc := newSessionClient(cfg, httpClient, credential.NewStore(backend), d, logger)
	summary, err := sc.demo(ctx, cfg)
	if err != nil {
		d.Fatal(err)
		return err
	}
	d.Done(summary)
	return nil
}

// newLogger writes debug logs to path. The terminal belongs to the display,
// so without a path logging is disabled.
func newLogger(path string) (*zap.Logger, error) {
	if path == "" {
		return zap.NewNop(), nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(f),
		zapcore.DebugLevel,
	)
	return zap.New(core).Named("soj"), nil
}

// newBackend opens the configured credential backend. The returned func
// releases it.
func newBackend(
	ctx context.Context,
	cfg *config,
	logger *zap.Logger,
) (credential.Backend, func(), error) {
	switch cfg.store {
	case storeRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return credential.NewRedisBackend(rdb, cfg.redisPrefix), func() { _ = rdb.Close() }, nil

	case storeMemory:
		return credential.NewMemoryBackend(), func() {}, nil

	default:
		return credential.NewFileBackend(cfg.tokenFile, logger.Named("credential")), func() {}, nil
	}
}

// retryLogger sends go-httpretry's slog-style output to zap so nothing is
// written to the terminal the display owns.
type retryLogger struct {
	s *zap.SugaredLogger
}

func (l retryLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l retryLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l retryLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l retryLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }

// newHTTPClient builds the transport shared by the pipeline and the
// refresher. Retries are disabled: the pipeline replays only after a refresh.
func newHTTPClient(timeout time.Duration, logger *zap.Logger) (*retry.Client, error) {
	baseHTTPClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}

	client, err := retry.NewClient(
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(0),
		retry.WithLogger(retryLogger{s: logger.Sugar()}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return client, nil
}

// consoleNavigator stands in for the browser location in the CLI: it tracks
// the current path and reports redirects to the display.
type consoleNavigator struct {
	mu       sync.Mutex
	location string
	last     string
	d        tui.Displayer
}

func newConsoleNavigator(location string, d tui.Displayer) *consoleNavigator {
	return &consoleNavigator{location: location, d: d}
}

func (n *consoleNavigator) Location() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.location
}

func (n *consoleNavigator) Navigate(target string) {
	n.mu.Lock()
	n.location = target
	n.last = target
	n.mu.Unlock()
	n.d.Redirected(target)
}

func (n *consoleNavigator) lastRedirect() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}

// sessionClient bundles the wired request pipeline.
type sessionClient struct {
	client *api.Client
	store  *credential.Store
	nav    *consoleNavigator
	d      tui.Displayer
}

func newSessionClient(
	cfg *config,
	doer api.Doer,
	store *credential.Store,
	d tui.Displayer,
	logger *zap.Logger,
) *sessionClient {
	nav := newConsoleNavigator(cfg.location, d)

	terminator := session.NewTerminator(store, nav,
		session.WithLogger(logger.Named("session")),
	)
	coordinator := refresh.NewCoordinator(
		store,
		refresh.NewHTTPRefresher(doer, cfg.serverURL),
		terminator,
		refresh.WithTimeout(cfg.refreshTimeout),
		refresh.WithLogger(logger.Named("refresh")),
		refresh.WithObserver(d),
	)
	client := api.NewClient(doer, cfg.serverURL, store, coordinator,
		api.WithLogger(logger.Named("api")),
		api.WithObserver(d),
	)

	return &sessionClient{client: client, store: store, nav: nav, d: d}
}

// demo optionally logs in, then sends cfg.requests concurrent requests to
// cfg.path. Request failures are reported, not returned.
func (s *sessionClient) demo(ctx context.Context, cfg *config) (tui.Summary, error) {
	rec, err := s.store.Get(ctx)
	if err != nil {
		return tui.Summary{}, fmt.Errorf("failed to read credentials: %w", err)
	}
	if rec.Authenticated() {
		s.d.SessionLoaded(rec.Identity)
	} else {
		s.d.SessionMissing()
	}

	if cfg.username != "" {
		s.d.LoggingIn(cfg.username)
		rec, err := s.client.Login(ctx, &api.Request{
			Method: http.MethodPost,
			Path:   loginPath,
			Body:   map[string]string{"email": cfg.username, "password": cfg.password},
		})
		if err != nil {
			s.d.LoginFailed(err)
			return tui.Summary{}, fmt.Errorf("login failed: %w", err)
		}
		s.d.LoginOK(rec.Identity)
	}

	s.d.Dispatching(cfg.requests, cfg.path)

	var succeeded, failed atomic.Int32
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= cfg.requests; i++ {
		g.Go(func() error {
			reqStart := time.Now()
			if _, err := s.client.Get(gctx, cfg.path, nil); err != nil {
				failed.Add(1)
				s.d.RequestFailed(i, err)
				return nil
			}
			succeeded.Add(1)
			s.d.RequestOK(i, time.Since(reqStart))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tui.Summary{}, err
	}

	return tui.Summary{
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Elapsed:   time.Since(start),
		Redirect:  s.nav.lastRedirect(),
	}, ctx.Err()
}
