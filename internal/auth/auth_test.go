package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func doRequest(t *testing.T, mw echo.MiddlewareFunc, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	}, mw)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyMiddleware_ValidHeader(t *testing.T) {
	rec := doRequest(t, APIKeyMiddleware("secret"), func(r *http.Request) {
		r.Header.Set("X-API-Key", "secret")
	})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAPIKeyMiddleware_QueryParam(t *testing.T) {
	rec := doRequest(t, APIKeyMiddleware("secret"), func(r *http.Request) {
		q := r.URL.Query()
		q.Set("api_key", "secret")
		r.URL.RawQuery = q.Encode()
	})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAPIKeyMiddleware_MissingKey(t *testing.T) {
	rec := doRequest(t, APIKeyMiddleware("secret"), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAPIKeyMiddleware_WrongKey(t *testing.T) {
	rec := doRequest(t, APIKeyMiddleware("secret"), func(r *http.Request) {
		r.Header.Set("X-API-Key", "wrong")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAPIKeyMiddleware_DisabledWhenEmpty(t *testing.T) {
	rec := doRequest(t, APIKeyMiddleware(""), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("signing-secret", time.Minute)

	token, err := issuer.Issue("sess-1", "file-1")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.SessionID != "sess-1" || claims.FileID != "file-1" {
		t.Errorf("claims mismatch: %+v", claims)
	}
}

func TestTokenIssuer_Expired(t *testing.T) {
	issuer := NewTokenIssuer("signing-secret", -time.Minute)
	token, err := issuer.Issue("sess-1", "file-1")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestTokenIssuer_WrongSecret(t *testing.T) {
	token, err := NewTokenIssuer("secret-a", time.Minute).Issue("s", "f")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if _, err := NewTokenIssuer("secret-b", time.Minute).Verify(token); err == nil {
		t.Fatal("expected error for token signed with another secret")
	}
}
