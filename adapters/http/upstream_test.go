package http_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apihttp "github.com/artpar/metergate/adapters/http"
	"github.com/artpar/metergate/domain/proxy"
)

func TestNewUpstreamClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     apihttp.UpstreamConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: apihttp.UpstreamConfig{
				BaseURL:         "https://api.example.com",
				Timeout:         30 * time.Second,
				MaxIdleConns:    50,
				IdleConnTimeout: 60 * time.Second,
			},
		},
		{"minimal config with defaults", apihttp.UpstreamConfig{BaseURL: "https://api.example.com"}, false},
		{"invalid URL", apihttp.UpstreamConfig{BaseURL: "://invalid-url"}, true},
		{"empty URL", apihttp.UpstreamConfig{BaseURL: ""}, true},
		{"relative URL", apihttp.UpstreamConfig{BaseURL: "/just/a/path"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := apihttp.NewUpstreamClient(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			client.Close()
		})
	}
}

func TestUpstreamClient_Forward(t *testing.T) {
	var got *http.Request
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = r.Clone(context.Background())
		gotBody = string(b)
		w.Header().Set("X-Origin", "yes")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL + "/base/"})
	if err != nil {
		t.Fatalf("NewUpstreamClient: %v", err)
	}
	defer client.Close()

	resp, err := client.Forward(context.Background(), proxy.Request{
		Method:   "POST",
		Path:     "/v1/items",
		Query:    "a=1",
		Headers:  proxy.Header{"Host": {"public.example.com"}, "X-Custom": {"v"}, "Accept": {"text/html", "application/json"}, "Keep-Alive": {"timeout=5"}},
		Body:     []byte("payload"),
		RemoteIP: "203.0.113.9",
		TraceID:  "req-1",
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if resp.Status != http.StatusCreated {
		t.Errorf("Status = %d, want 201", resp.Status)
	}
	if string(resp.Body) != "created" {
		t.Errorf("Body = %q, want created", resp.Body)
	}
	if resp.Headers.Get("X-Origin") != "yes" {
		t.Errorf("X-Origin = %q, want yes", resp.Headers.Get("X-Origin"))
	}
	if got := resp.Headers["Set-Cookie"]; len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Set-Cookie = %v, want [a=1 b=2]", got)
	}
	if _, ok := resp.Headers["Connection"]; ok {
		t.Error("hop-by-hop response header forwarded")
	}

	if got.URL.Path != "/base/v1/items" {
		t.Errorf("origin path = %q, want /base/v1/items", got.URL.Path)
	}
	if got.URL.RawQuery != "a=1" {
		t.Errorf("origin query = %q, want a=1", got.URL.RawQuery)
	}
	if gotBody != "payload" {
		t.Errorf("origin body = %q, want payload", gotBody)
	}
	if got.Header.Get("X-Custom") != "v" {
		t.Errorf("X-Custom = %q, want v", got.Header.Get("X-Custom"))
	}
	if accept := got.Header.Values("Accept"); len(accept) != 2 {
		t.Errorf("Accept = %v, want both values", accept)
	}
	if got.Header.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop request header forwarded")
	}
	if got.Header.Get("X-Forwarded-For") != "203.0.113.9" {
		t.Errorf("X-Forwarded-For = %q", got.Header.Get("X-Forwarded-For"))
	}
	if got.Header.Get("X-Forwarded-Host") != "public.example.com" {
		t.Errorf("X-Forwarded-Host = %q", got.Header.Get("X-Forwarded-Host"))
	}
	if got.Header.Get("X-Request-ID") != "req-1" {
		t.Errorf("X-Request-ID = %q", got.Header.Get("X-Request-ID"))
	}
}

func TestUpstreamClient_OversizedResponseRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 65)))
	}))
	defer server.Close()

	tests := []struct {
		name    string
		limit   int64
		wantErr bool
	}{
		{"over limit", 64, true},
		{"exactly at limit", 65, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL, MaxBodyBytes: tt.limit})
			if err != nil {
				t.Fatalf("NewUpstreamClient: %v", err)
			}
			defer client.Close()

			resp, err := client.Forward(context.Background(), proxy.Request{Method: "GET", Path: "/big"})
			if tt.wantErr {
				if !errors.Is(err, apihttp.ErrResponseTooLarge) {
					t.Errorf("err = %v, want ErrResponseTooLarge", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			if len(resp.Body) != 65 {
				t.Errorf("body = %d bytes, want 65", len(resp.Body))
			}
		})
	}
}

func TestUpstreamClient_TimeoutIsDeadlineExceeded(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, _ := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	defer client.Close()

	_, err := client.Forward(context.Background(), proxy.Request{Method: "GET", Path: "/slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestUpstreamClient_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	client, _ := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck with 404 origin: %v", err)
	}

	server.Close()
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck with closed origin: expected error")
	}
}
