package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v3"
)

// Timeout defaults
const (
	defaultRequestTimeout = 15 * time.Second
	defaultRefreshTimeout = 10 * time.Second
)

// Credential store backends
const (
	storeFile   = "file"
	storeRedis  = "redis"
	storeMemory = "memory"
)

// config holds the CLI configuration.
type config struct {
	serverURL string

	// Credential storage
	store       string
	tokenFile   string
	redisAddr   string
	redisPrefix string

	// Demo workload
	path     string
	requests int
	location string

	// Optional login before the workload
	username string
	password string

	requestTimeout time.Duration
	refreshTimeout time.Duration

	logFile string
}

// loadConfig parses configuration with priority: flag > env (SOJ_*) > config file > default.
func loadConfig(args []string) (*config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	fs := flag.NewFlagSet("soj-session", flag.ContinueOnError)

	cfg := &config{}
	fs.StringVar(&cfg.serverURL, "server-url", "http://localhost:8080", "SOJ server URL")
	fs.StringVar(&cfg.store, "store", storeFile, "credential store: file, redis or memory")
	fs.StringVar(&cfg.tokenFile, "token-file", ".soj-session.json", "credential file for the file store")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "localhost:6379", "Redis address for the redis store")
	fs.StringVar(&cfg.redisPrefix, "redis-prefix", "soj:session:", "key prefix for the redis store")
	fs.StringVar(&cfg.path, "path", "/api/v1/contest/list", "API path requested by every worker")
	fs.IntVar(&cfg.requests, "requests", 3, "number of concurrent requests")
	fs.StringVar(&cfg.location, "location", "/", "current location reported to the session terminator")
	fs.StringVar(&cfg.username, "username", "", "log in with this account email before sending requests")
	fs.StringVar(&cfg.password, "password", "", "password for -username")
	fs.DurationVar(&cfg.requestTimeout, "request-timeout", defaultRequestTimeout, "timeout of a single HTTP round trip")
	fs.DurationVar(&cfg.refreshTimeout, "refresh-timeout", defaultRefreshTimeout, "timeout of the token refresh call")
	fs.StringVar(&cfg.logFile, "log-file", "", "write debug logs to this file")
	fs.String("config", "", "config file path")

	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("SOJ"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	if err := validateServerURL(c.serverURL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	switch c.store {
	case storeFile:
		if c.tokenFile == "" {
			return errors.New("token file must be set for the file store")
		}
	case storeRedis:
		if c.redisAddr == "" {
			return errors.New("redis address must be set for the redis store")
		}
	case storeMemory:
	default:
		return fmt.Errorf("unknown store %q (want file, redis or memory)", c.store)
	}

	if !strings.HasPrefix(c.path, "/") {
		return fmt.Errorf("path must start with /, got: %s", c.path)
	}
	if c.requests < 1 {
		return fmt.Errorf("requests must be at least 1, got: %d", c.requests)
	}
	if (c.username == "") != (c.password == "") {
		return errors.New("username and password must be provided together")
	}
	if c.requestTimeout <= 0 || c.refreshTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

// warnInsecure prints a warning if the server URL uses HTTP instead of HTTPS.
func warnInsecure(serverURL string) {
	if strings.HasPrefix(strings.ToLower(serverURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
