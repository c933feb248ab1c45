package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewRoutes(t *testing.T) {
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	a, err := New(context.Background(), Options{Listen: "127.0.0.1:0", Handler: mcpHandler})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cases := map[string]int{
		"/mcp":     http.StatusTeapot,
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
	}
	for path, want := range cases {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Fatalf("%s = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(context.Background(), Options{Listen: "127.0.0.1:0", Handler: http.NotFoundHandler()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}
