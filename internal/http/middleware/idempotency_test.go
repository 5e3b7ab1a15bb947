package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestHelpers_GetIdempotencyKey_IsReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	// Not set
	if k, ok := GetIdempotencyKey(c); k != "" || ok {
		t.Fatalf("expected empty key when not set")
	}
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false by default")
	}

	// Set non-string for key → should return false
	c.Set(ctxKeyIdemKey, 123)
	if k, ok := GetIdempotencyKey(c); k != "" || !(!ok) {
		t.Fatalf("expected GetIdempotencyKey to be absent for non-string value")
	}
	// Set bool and check IsReplay=true
	c.Set(ctxKeyIdemReplay, true)
	if !IsReplay(c) {
		t.Fatalf("expected IsReplay=true")
	}
	// Non-bool value should not panic, should be false
	c.Set(ctxKeyIdemReplay, "yes")
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false for non-bool")
	}
}

func TestIdempotencyValidator_NoHeader_NoLookupCalled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	lookupCalled := false
	lookup := func(_ context.Context, _ string, _ string, _ string, _ time.Time) (bool, error) {
		lookupCalled = true
		return false, nil
	}
	r.Use(IdempotencyValidator(IdempotencyOptions{}, lookup))
	r.GET("/ping", func(c *gin.Context) {
		// header absent ⇒ no key stashed
		if _, ok := GetIdempotencyKey(c); ok {
			t.Fatalf("key should not be present when header missing")
		}
		c.Status(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if lookupCalled {
		t.Fatalf("lookup should not be called when header missing")
	}
}

func TestIdempotencyValidator_InvalidKey_Length(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{MaxLen: 5}, nil)) // very small
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(HeaderIdempotencyKey, "abcdef") // 6 > 5
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["code"] != "bad_idempotency_key" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestIdempotencyValidator_InvalidKey_Pattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// only digits allowed → alpha will fail
	r.Use(IdempotencyValidator(IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, nil))
	r.POST("/y", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/y", nil)
	req.Header.Set(HeaderIdempotencyKey, "abc123") // invalid
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestIdempotencyValidator_Valid_NoLookup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// MaxLen <= 0 triggers default 200, Pattern nil triggers default regex
	r.Use(IdempotencyValidator(IdempotencyOptions{}, nil))
	r.POST("/z", func(c *gin.Context) {
		key, ok := GetIdempotencyKey(c)
		if !ok || key != "abc-123" {
			t.Fatalf("expected stashed key abc-123, got %q ok=%v", key, ok)
		}
		if IsReplay(c) {
			t.Fatalf("expected IsReplay=false when lookup=nil")
		}
		if IsRateBypass(c) {
			t.Fatalf("expected IsRateBypass=false when lookup=nil")
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/z", nil)
	req.Header.Set(HeaderIdempotencyKey, "abc-123") // matches default pattern
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func newScopeRouter(t *testing.T, lookup IdempotencyLookup, check func(*gin.Context)) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{
		Scope: func(c *gin.Context) string {
			if c.FullPath() == "/chat-sessions/new" {
				return "sessions.new"
			}
			return ""
		},
	}, lookup))
	h := func(c *gin.Context) {
		check(c)
		c.Status(http.StatusOK)
	}
	r.POST("/chat-sessions/new", h)
	r.POST("/chat-sessions/insert", h)
	return r
}

func TestIdempotencyValidator_Valid_WithLookup_MissAndHit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("lookup miss", func(t *testing.T) {
		lookup := func(_ context.Context, userID, scope, key string, now time.Time) (bool, error) {
			if userID != "u1" || scope != "sessions.new" || key != "key-1" || now.IsZero() {
				t.Fatalf("lookup args: uid=%q scope=%q key=%q now=%v", userID, scope, key, now)
			}
			return false, nil
		}
		r := newScopeRouter(t, lookup, func(c *gin.Context) {
			if IsReplay(c) || IsRateBypass(c) {
				t.Fatalf("expected no replay/bypass on miss")
			}
		})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/chat-sessions/new", nil)
		req.Header.Set(HeaderIdempotencyKey, "key-1")
		req.Header.Set(HeaderUserID, "u1")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("miss: expected 200, got %d", w.Code)
		}
	})

	t.Run("lookup hit sets replay and bypass", func(t *testing.T) {
		lookup := func(_ context.Context, userID, _, key string, _ time.Time) (bool, error) {
			if userID != "u9" || key != "k-9" {
				t.Fatalf("unexpected user/key: %q %q", userID, key)
			}
			return true, nil
		}
		r := newScopeRouter(t, lookup, func(c *gin.Context) {
			if !IsReplay(c) || !IsRateBypass(c) {
				t.Fatalf("expected replay and bypass on hit")
			}
		})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/chat-sessions/new", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-9")
		req.Header.Set(HeaderUserID, "u9")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("hit: expected 200, got %d", w.Code)
		}
	})

	t.Run("unscoped route and anonymous caller skip lookup", func(t *testing.T) {
		called := false
		lookup := func(context.Context, string, string, string, time.Time) (bool, error) {
			called = true
			return true, nil
		}
		r := newScopeRouter(t, lookup, func(c *gin.Context) {
			if IsReplay(c) {
				t.Fatalf("unexpected replay")
			}
		})

		req := httptest.NewRequest(http.MethodPost, "/chat-sessions/insert", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-1")
		req.Header.Set(HeaderUserID, "u1")
		r.ServeHTTP(httptest.NewRecorder(), req)

		req = httptest.NewRequest(http.MethodPost, "/chat-sessions/new", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-1")
		r.ServeHTTP(httptest.NewRecorder(), req)

		if called {
			t.Fatalf("lookup should not run without scope or user")
		}
	})

	t.Run("lookup error is not a replay", func(t *testing.T) {
		lookup := func(context.Context, string, string, string, time.Time) (bool, error) {
			return true, errors.New("db down")
		}
		r := newScopeRouter(t, lookup, func(c *gin.Context) {
			if IsReplay(c) {
				t.Fatalf("lookup error must not mark replay")
			}
		})
		req := httptest.NewRequest(http.MethodPost, "/chat-sessions/new", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-1")
		req.Header.Set(HeaderUserID, "u1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	})
}
