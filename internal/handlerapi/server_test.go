package handlerapi

import (
	"net/http/httptest"
	"testing"
)

func TestRouterServesDecoyForUnknownPaths(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	for _, path := range []string{"/", "/admin", "/wp-login.php", "/anything"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		router.ServeHTTP(rec, req)

		if rec.Code != 200 {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
			t.Errorf("%s: content-type = %q, want text/html", path, ct)
		}
	}
}

func TestRouterHealthAndReady(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		router.ServeHTTP(rec, req)
		if rec.Code != 200 {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestRouterConnectWithoutTokenFallsBackToDecoy(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/connect", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("content-type = %q, want text/html", ct)
	}
}
