package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/go-authgate/session-client/credential"
	"github.com/go-authgate/session-client/refresh"
	"github.com/go-authgate/session-client/tui"
)

func testConfig(serverURL string) *config {
	return &config{
		serverURL:      serverURL,
		store:          storeMemory,
		path:           "/api/v1/contest/list",
		requests:       3,
		location:       "/contest/1",
		requestTimeout: 5 * time.Second,
		refreshTimeout: 5 * time.Second,
	}
}

func writeEnvelope(w http.ResponseWriter, code int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"code": code, "data": data, "message": message})
}

func newTestSession(t *testing.T, cfg *config, access, refreshToken string) *sessionClient {
	t.Helper()

	httpClient, err := newHTTPClient(cfg.requestTimeout, zap.NewNop())
	if err != nil {
		t.Fatalf("newHTTPClient() error = %v", err)
	}

	store := credential.NewStore(credential.NewMemoryBackend())
	if err := store.Set(context.Background(), credential.Record{
		AccessToken:  access,
		RefreshToken: refreshToken,
	}); err != nil {
		t.Fatalf("store.Set() error = %v", err)
	}

	return newSessionClient(cfg, httpClient, store, tui.NoopDisplayer{}, zap.NewNop())
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "https", url: "https://oj.example.com"},
		{name: "http with port", url: "http://localhost:8080"},
		{name: "empty", url: "", wantErr: true},
		{name: "missing scheme", url: "oj.example.com", wantErr: true},
		{name: "ftp scheme", url: "ftp://oj.example.com", wantErr: true},
		{name: "missing host", url: "https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config)
		errText string
	}{
		{name: "valid", mutate: func(c *config) {}},
		{name: "unknown store", mutate: func(c *config) { c.store = "s3" }, errText: "unknown store"},
		{name: "file store without file", mutate: func(c *config) {
			c.store = storeFile
			c.tokenFile = ""
		}, errText: "token file"},
		{name: "relative path", mutate: func(c *config) { c.path = "api/v1" }, errText: "must start with /"},
		{name: "no requests", mutate: func(c *config) { c.requests = 0 }, errText: "at least 1"},
		{name: "username without password", mutate: func(c *config) { c.username = "a@b.c" }, errText: "together"},
		{name: "zero timeout", mutate: func(c *config) { c.refreshTimeout = 0 }, errText: "positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://localhost:8080")
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.errText == "" {
				if err != nil {
					t.Fatalf("validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("validate() error = %v, want containing %q", err, tt.errText)
			}
		})
	}
}

func TestLoadConfig_Priority(t *testing.T) {
	t.Setenv("SOJ_REQUESTS", "5")
	t.Setenv("SOJ_STORE", "redis")

	cfg, err := loadConfig([]string{"-store", "memory", "-server-url", "https://oj.example.com"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.store != storeMemory {
		t.Errorf("flag should win over env, got store %q", cfg.store)
	}
	if cfg.requests != 5 {
		t.Errorf("env should win over default, got requests %d", cfg.requests)
	}
	if cfg.requestTimeout != defaultRequestTimeout {
		t.Errorf("expected default request timeout, got %s", cfg.requestTimeout)
	}
}

func TestNewHTTPClient_DoesNotRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sc := newTestSession(t, testConfig(server.URL), "T1", "R1")
	if _, err := sc.client.Get(context.Background(), "/api/v1/contest/list", nil); err == nil {
		t.Fatal("expected error for 500 response")
	}

	if got := attempts.Load(); got != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", got)
	}
}

func TestNewHTTPClient_LogsThroughZap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	client, err := newHTTPClient(time.Second, zap.New(core))
	if err != nil {
		t.Fatalf("newHTTPClient() error = %v", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, addr, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := client.DoWithContext(context.Background(), req)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected transport error for closed server")
	}

	if logs.FilterMessage("request failed after all retries").Len() != 1 {
		t.Errorf("expected transport failure to be logged through zap, got %v", logs.All())
	}
}

func TestDemo_ConcurrentRequestsShareOneRefresh(t *testing.T) {
	var refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(refresh.RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		time.Sleep(200 * time.Millisecond)
		writeEnvelope(w, 200, map[string]string{"access_token": "T2", "refresh_token": "R2"}, "ok")
	})
	mux.HandleFunc("/api/v1/contest/list", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("SOJ-Access-Token") != "T2" {
			writeEnvelope(w, 401, nil, "token expired")
			return
		}
		writeEnvelope(w, 200, []string{}, "ok")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.requests = 5
	sc := newTestSession(t, cfg, "T1", "R1")

	summary, err := sc.demo(context.Background(), cfg)
	if err != nil {
		t.Fatalf("demo() error = %v", err)
	}

	if summary.Succeeded != 5 || summary.Failed != 0 {
		t.Errorf("expected 5 successes, got %+v", summary)
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Errorf("expected 1 refresh call, got %d", got)
	}
	if summary.Redirect != "" {
		t.Errorf("unexpected redirect %q", summary.Redirect)
	}

	rec, _ := sc.store.Get(context.Background())
	if rec.AccessToken != "T2" || rec.RefreshToken != "R2" {
		t.Errorf("expected rotated pair to be stored, got %+v", rec)
	}
}

func TestDemo_RefreshFailureRedirectsToLogin(t *testing.T) {
	var refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(refresh.RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		writeEnvelope(w, 401, nil, "refresh token expired")
	})
	mux.HandleFunc("/api/v1/contest/list", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := testConfig(server.URL)
	sc := newTestSession(t, cfg, "T1", "R1")

	summary, err := sc.demo(context.Background(), cfg)
	if err != nil {
		t.Fatalf("demo() error = %v", err)
	}

	if summary.Failed != 3 {
		t.Errorf("expected 3 failures, got %+v", summary)
	}
	if want := "/login?redirect=%2Fcontest%2F1"; summary.Redirect != want {
		t.Errorf("expected redirect %q, got %q", want, summary.Redirect)
	}

	rec, _ := sc.store.Get(context.Background())
	if rec.Authenticated() || rec.RefreshToken != "" {
		t.Errorf("expected credentials to be cleared, got %+v", rec)
	}
}

func TestDemo_Login(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode login body: %v", err)
		}
		if body["email"] != "alice@example.com" || body["password"] != "secret" {
			t.Errorf("unexpected login body %v", body)
		}
		writeEnvelope(w, 200, map[string]string{"access_token": "T1", "refresh_token": "R1"}, "ok")
	})
	mux.HandleFunc("/api/v1/contest/list", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("SOJ-Access-Token") != "T1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeEnvelope(w, 200, nil, "ok")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.username = "alice@example.com"
	cfg.password = "secret"
	sc := newTestSession(t, cfg, "", "")

	summary, err := sc.demo(context.Background(), cfg)
	if err != nil {
		t.Fatalf("demo() error = %v", err)
	}
	if summary.Succeeded != 3 {
		t.Errorf("expected 3 successes after login, got %+v", summary)
	}
}

func TestNewBackend(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		mutate func(c *config)
	}{
		{name: "memory", mutate: func(c *config) { c.store = storeMemory }},
		{name: "file", mutate: func(c *config) {
			c.store = storeFile
			c.tokenFile = filepath.Join(t.TempDir(), "session.json")
		}},
		{name: "redis", mutate: func(c *config) {
			c.store = storeRedis
			c.redisAddr = mr.Addr()
			c.redisPrefix = "test:"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://localhost:8080")
			tt.mutate(cfg)

			backend, closeBackend, err := newBackend(context.Background(), cfg, zap.NewNop())
			if err != nil {
				t.Fatalf("newBackend() error = %v", err)
			}
			defer closeBackend()

			ctx := context.Background()
			store := credential.NewStore(backend)
			if err := store.Set(ctx, credential.Record{AccessToken: "T1", RefreshToken: "R1"}); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			rec, err := store.Get(ctx)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if rec.AccessToken != "T1" || rec.RefreshToken != "R1" {
				t.Errorf("unexpected record %+v", rec)
			}
		})
	}
}

func TestNewBackend_RedisUnavailable(t *testing.T) {
	cfg := testConfig("http://localhost:8080")
	cfg.store = storeRedis
	cfg.redisAddr = "127.0.0.1:1"

	if _, _, err := newBackend(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatal("expected error when Redis is unreachable")
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("")
	if err != nil {
		t.Fatalf("newLogger(\"\") error = %v", err)
	}
	logger.Info("dropped")

	path := filepath.Join(t.TempDir(), "client.log")
	logger, err = newLogger(path)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Debug("refresh started", zap.Int("waiters", 2))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "refresh started") {
		t.Errorf("log file does not contain entry: %s", data)
	}
}
