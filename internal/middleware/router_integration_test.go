package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// TestRouterIntegration_ProtectedRoutes_WithAPIKey は
// APIKey -> RateLimit のミドルウェアチェーンがchi.Routerで正しく動作することを検証する。
func TestRouterIntegration_ProtectedRoutes_WithAPIKey(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    200,
		PublishRate:     100,
		PublishBurst:    200,
		CleanupInterval: 1 * time.Minute,
	})
	defer rl.Stop()

	r := chi.NewRouter()
	r.Use(NewCORSMiddleware("http://localhost:3000"))

	// ヘルスチェック（認証不要）
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// 認証が必要なルートグループ
	r.Group(func(r chi.Router) {
		r.Use(NewAPIKeyMiddleware("router-test-key"))
		r.Use(rl.GeneralMiddleware())

		r.Get("/api/posts/scheduled", func(w http.ResponseWriter, r *http.Request) {
			caller, _ := CallerFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"caller": caller})
		})

		r.Post("/api/posts", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"status": "created"})
		})
	})

	// テスト1: ヘルスチェックは認証不要
	t.Run("health_no_auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}
	})

	// テスト2: 保護ルートはAPIキーなしで401
	t.Run("GET_protected_no_key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/posts/scheduled", nil)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
		}
	})

	// テスト3: 保護ルートはAPIキーありで通る
	t.Run("GET_protected_with_key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/posts/scheduled", nil)
		req.Header.Set("X-API-Key", "router-test-key")
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}

		var body map[string]string
		json.NewDecoder(w.Result().Body).Decode(&body)
		if body["caller"] == "" {
			t.Error("expected caller in response body")
		}
	})

	// テスト4: POSTもAPIキーありで通る
	t.Run("POST_with_key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/posts", nil)
		req.Header.Set("X-API-Key", "router-test-key")
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusCreated {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusCreated)
		}
	})

	// テスト5: 間違ったAPIキーは401
	t.Run("POST_wrong_key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/posts", nil)
		req.Header.Set("X-API-Key", "wrong-key")
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
		}
	})
}
