package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"esi-search-proxy/internal/auth"
	"esi-search-proxy/internal/client"
	"esi-search-proxy/internal/config"
	"esi-search-proxy/internal/metrics"
	"esi-search-proxy/internal/model"
	"esi-search-proxy/internal/service"
)

// fixedTokens is a TokenSource returning a fixed token or error.
type fixedTokens struct {
	token string
	err   error
}

func (f fixedTokens) Token(context.Context) (*model.AccessToken, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.AccessToken{AccessToken: f.token, TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		ESI: config.ESIConfig{
			SSOURL:      "https://login.example",
			BaseURL:     baseURL,
			CharacterID: 90000001,
		},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

// newTestHandler wires a ProxyHandler against upstream and returns it with
// the buffer its logger writes JSON records to.
func newTestHandler(t *testing.T, upstreamURL string, tokens auth.TokenSource) (*ProxyHandler, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := testConfig(upstreamURL)
	svc, err := service.NewProxyService(client.NewESIClient(cfg, logger, nil), tokens, cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return NewProxyHandler(svc, logger, metrics.New()), &logs
}

// errorRecords returns the decoded ERROR level records in logs.
func errorRecords(t *testing.T, logs *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if rec["level"] == "ERROR" {
			out = append(out, rec)
		}
	}
	return out
}

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func TestProxyHandler_LegacyOnlineScenario(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v3/characters/12345/online/" {
			t.Errorf("upstream got %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		_, _ = w.Write([]byte(`{"online": false, "last_login": "2026-10-01T00:00:00Z"}`))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, fixedTokens{})
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/characters/12345/online", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := rec.Body.String(); body != "false" {
		t.Errorf("body = %q, want %q", body, "false")
	}
}

func TestProxyHandler_SearchScenario(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.RequestURI != "/v3/characters/90000001/search/?search=Foo&categories=character" {
			t.Errorf("RequestURI = %q", r.RequestURI)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q, want %q", r.Header.Get("Authorization"), "Bearer tok")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"character":[1]}`))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, fixedTokens{token: "tok"})
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/latest/search?search=Foo&categories=character", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); body != `{"character":[1]}` {
		t.Errorf("body = %q", body)
	}
}

func TestProxyHandler_FiltersHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, key := range []string{"X-Proxy-Auth", "X-Entity-Id", "X-Token-Type"} {
			if v := r.Header.Values(key); len(v) != 0 {
				t.Errorf("%s forwarded upstream: %q", key, v)
			}
		}
		if r.Host == "evil.example" {
			t.Errorf("Host override forwarded upstream")
		}
		if r.Header.Get("X-User-Agent") != "esi-client/1.0" {
			t.Errorf("X-User-Agent = %q, want forwarded", r.Header.Get("X-User-Agent"))
		}
		if got := r.Header.Values("If-None-Match"); len(got) != 2 {
			t.Errorf("If-None-Match = %q, want both values", got)
		}
		w.Header().Set("Strict-Transport-Security", "max-age=31536000")
		w.Header().Set("X-Esi-Error-Limit-Reset", "42")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, fixedTokens{})

	req := httptest.NewRequest(http.MethodGet, "/latest/status/", http.NoBody)
	req.Header["x-proxy-auth"] = []string{"secret"}
	req.Header["X-ENTITY-ID"] = []string{"1"}
	req.Header.Set("X-Token-Type", "character")
	req.Header["Host"] = []string{"evil.example"}
	req.Header.Set("X-User-Agent", "esi-client/1.0")
	req.Header.Add("If-None-Match", `"a"`)
	req.Header.Add("If-None-Match", `"b"`)

	rec := serve(t, h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	for key := range rec.Header() {
		if strings.EqualFold(key, "Strict-Transport-Security") || strings.EqualFold(key, "Transfer-Encoding") {
			t.Errorf("response header %q should be stripped", key)
		}
	}
	if rec.Header().Get("X-Esi-Error-Limit-Reset") != "42" {
		t.Error("X-Esi-Error-Limit-Reset should be forwarded")
	}
}

func TestProxyHandler_StreamsChunkedBody(t *testing.T) {
	payload := strings.Repeat("0123456789", 10000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		for i := 0; i < len(payload); i += 4096 {
			end := min(i+4096, len(payload))
			_, _ = w.Write([]byte(payload[i:end]))
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, fixedTokens{})
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/latest/markets/prices/", http.NoBody))

	if rec.Body.String() != payload {
		t.Errorf("body length = %d, want %d", rec.Body.Len(), len(payload))
	}
	if rec.Header().Get("Transfer-Encoding") != "" {
		t.Error("Transfer-Encoding should not be copied")
	}
}

func TestProxyHandler_FailuresAnswer503Once(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		tokens   auth.TokenSource
		upstream http.HandlerFunc
		badURL   bool
	}{
		{
			name:   "token exchange failure",
			path:   "/latest/search/?search=Foo",
			tokens: fixedTokens{err: auth.ErrTokenExchangeFailed},
		},
		{
			name:   "token verification failure",
			path:   "/v2/search/",
			tokens: fixedTokens{err: auth.ErrTokenVerificationFailed},
		},
		{
			name:   "dispatch failure",
			path:   "/latest/status/",
			tokens: fixedTokens{},
			badURL: true,
		},
		{
			name:   "malformed legacy body",
			path:   "/legacy/characters/1/online/",
			tokens: fixedTokens{},
			upstream: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseURL := "http://127.0.0.1:1"
			if !tt.badURL {
				handler := tt.upstream
				if handler == nil {
					handler = func(w http.ResponseWriter, r *http.Request) {
						t.Error("upstream should not be called")
					}
				}
				upstream := httptest.NewServer(handler)
				defer upstream.Close()
				baseURL = upstream.URL
			}

			h, logs := newTestHandler(t, baseURL, tt.tokens)
			rec := serve(t, h, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("body = %q, want empty", rec.Body.String())
			}

			records := errorRecords(t, logs)
			if len(records) != 1 {
				t.Fatalf("error records = %d, want exactly 1: %s", len(records), logs.String())
			}
			if records[0]["method"] != http.MethodGet {
				t.Errorf("logged method = %v", records[0]["method"])
			}
			wantRoute, _, _ := strings.Cut(tt.path, "?")
			if records[0]["route"] != wantRoute {
				t.Errorf("logged route = %v, want %q", records[0]["route"], wantRoute)
			}
			if records[0]["err"] == "" || records[0]["err"] == nil {
				t.Error("logged record should carry the causing error")
			}
		})
	}
}

func TestProxyHandler_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, fixedTokens{})

	req := httptest.NewRequest(http.MethodGet, "/latest/status/", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := serve(t, h, req.WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestProxyHandler_POSTBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `["Jita","Amarr"]` {
			t.Errorf("body = %q", string(body))
		}
		if r.ContentLength != int64(len(body)) {
			t.Errorf("ContentLength = %d, want %d", r.ContentLength, len(body))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"systems":[]}`))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, fixedTokens{})
	req := httptest.NewRequest(http.MethodPost, "/latest/universe/ids/", strings.NewReader(`["Jita","Amarr"]`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(t, h, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
