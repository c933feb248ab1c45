package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func probe(h http.HandlerFunc) int {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec.Code
}

func TestReadyz(t *testing.T) {
	var failing error
	h := New(func(context.Context) error { return failing })

	if code := probe(h.Healthz); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if code := probe(h.Readyz); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready = %d", code)
	}
	h.SetReady()
	if code := probe(h.Readyz); code != http.StatusOK {
		t.Fatalf("readyz = %d", code)
	}
	failing = errors.New("locked")
	if code := probe(h.Readyz); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing check = %d", code)
	}
	h.SetNotReady()
	failing = nil
	if code := probe(h.Readyz); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after shutdown = %d", code)
	}
}
