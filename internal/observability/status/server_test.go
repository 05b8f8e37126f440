package status

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"planbot/pkg/logx"
)

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Token: "s3cret"}, func() any { return map[string]string{"state": "idle"} }, logx.Nop())
	h := s.Handler()

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "healthz is open", path: "/healthz", want: http.StatusOK},
		{name: "status without token", path: "/status", want: http.StatusUnauthorized},
		{name: "status with query token", path: "/status?token=s3cret", want: http.StatusOK},
		{name: "status with bearer", path: "/status", header: "Bearer s3cret", want: http.StatusOK},
		{name: "wrong bearer", path: "/status", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "pprof disabled", path: "/debug/pprof/?token=s3cret", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: code = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestServeStatusDocument(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0", Pprof: true}, func() any { return map[string]int{"runs": 3} }, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	var addr string
	for i := 0; i < 100 && addr == ""; i++ {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatal("server did not bind")
	}
	for _, path := range []string{"/status", "/debug/pprof/"} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
		if path == "/status" && !strings.Contains(string(body), `"runs": 3`) {
			t.Fatalf("status body = %s", body)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0"}, func() any { return nil }, logx.Nop())
	if err := s.Serve(context.Background()); err == nil {
		t.Fatal("Serve on 0.0.0.0 without token = nil, want error")
	}
	for addr, want := range map[string]bool{"127.0.0.1:1": true, "localhost:1": true, "[::1]:1": true, ":6060": false, "10.0.0.1:1": false} {
		if got := IsLoopbackAddr(addr); got != want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
