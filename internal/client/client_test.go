package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
)

type stubTokens struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (s *stubTokens) Token(ctx context.Context) (string, error) {
	return s.token, s.err
}

func (s *stubTokens) Invalidate() {
	s.invalidated.Add(1)
}

type stubLimiter struct {
	waitErr error
	waits   atomic.Int32
	records atomic.Int32
}

func (s *stubLimiter) Wait(ctx context.Context, p model.Platform, operation string) error {
	s.waits.Add(1)
	return s.waitErr
}

func (s *stubLimiter) Record(p model.Platform, operation string) {
	s.records.Add(1)
}

func newTestClient(endpoint string, tokens *stubTokens, limiter *stubLimiter) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(tokens, limiter, Config{
		Endpoint:      endpoint,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 10 * time.Millisecond,
		NonRetryable: []string{
			"invalid credentials", "unauthorized", "forbidden",
			"not found", "duplicate", "invalid media", "content too long",
		},
	}, logger)
	return c
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "PLATFORM_ERROR", "message": message},
	})
}

func TestPostToPlatform_Success(t *testing.T) {
	var gotAuth string
	var gotReq postRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(postResponse{ID: "tw-123", URL: "https://twitter.com/i/status/123"})
	}))
	defer srv.Close()

	tokens := &stubTokens{token: "token-abc"}
	limiter := &stubLimiter{}
	c := newTestClient(srv.URL, tokens, limiter)

	result, err := c.PostToPlatform(context.Background(), model.PlatformTwitter, model.PostContent{Text: "hello"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !result.Success {
		t.Error("Success = false, want true")
	}
	if result.PostID != "tw-123" {
		t.Errorf("PostID = %q, want tw-123", result.PostID)
	}
	if result.Platform != model.PlatformTwitter {
		t.Errorf("Platform = %q, want twitter", result.Platform)
	}
	if gotAuth != "Bearer token-abc" {
		t.Errorf("Authorization = %q, want Bearer token-abc", gotAuth)
	}
	if gotReq.Platform != model.PlatformTwitter || gotReq.Content.Text != "hello" {
		t.Errorf("リクエストボディが想定と異なる: %+v", gotReq)
	}
	if got := limiter.waits.Load(); got != 1 {
		t.Errorf("Wait呼び出し回数 = %d, want 1", got)
	}
	if got := limiter.records.Load(); got != 1 {
		t.Errorf("Record呼び出し回数 = %d, want 1", got)
	}
}

// 認証エラー（unauthorized）は再試行せず1回の試行で打ち切るべき。
func TestPostToPlatform_UnauthorizedFailsAfterSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusUnauthorized, "unauthorized")
	}))
	defer srv.Close()

	tokens := &stubTokens{token: "token-abc"}
	c := newTestClient(srv.URL, tokens, &stubLimiter{})

	_, err := c.PostToPlatform(context.Background(), model.PlatformTwitter, model.PostContent{Text: "hello"})
	if err == nil {
		t.Fatal("エラーを返すべき")
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("試行回数 = %d, want 1", got)
	}
	if !model.IsPermanentPlatformError(err) {
		t.Errorf("恒久エラーであるべき: %v", err)
	}
	if got := tokens.invalidated.Load(); got != 1 {
		t.Errorf("トークンは破棄されるべき: Invalidate呼び出し回数 = %d", got)
	}
}

func TestPostToPlatform_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeAPIError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		json.NewEncoder(w).Encode(postResponse{ID: "tw-456"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, &stubTokens{token: "t"}, &stubLimiter{})

	result, err := c.PostToPlatform(context.Background(), model.PlatformTwitter, model.PostContent{Text: "hello"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if got := calls.Load(); got != 3 {
		t.Errorf("試行回数 = %d, want 3", got)
	}
	if result.PostID != "tw-456" {
		t.Errorf("PostID = %q, want tw-456", result.PostID)
	}
}

func TestPostToPlatform_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
	}))
	defer srv.Close()

	limiter := &stubLimiter{}
	c := newTestClient(srv.URL, &stubTokens{token: "t"}, limiter)

	_, err := c.PostToPlatform(context.Background(), model.PlatformMastodon, model.PostContent{Text: "hello"})
	if err == nil {
		t.Fatal("エラーを返すべき")
	}

	if got := calls.Load(); got != 3 {
		t.Errorf("試行回数 = %d, want 3", got)
	}
	apiErr, ok := model.AsAPIError(err)
	if !ok || apiErr.Code != model.ErrCodeRetryExhausted {
		t.Errorf("再試行上限到達エラーであるべき: %v", err)
	}
	if got := limiter.records.Load(); got != 3 {
		t.Errorf("Record呼び出し回数 = %d, want 3（試行ごとに記録すべき）", got)
	}
}

// 5xxでも本文に再試行不可パターンが含まれていたら即座に打ち切るべき。
func TestPostToPlatform_NonRetryableSubstringOverridesStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusServiceUnavailable, "Duplicate content detected")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, &stubTokens{token: "t"}, &stubLimiter{})

	_, err := c.PostToPlatform(context.Background(), model.PlatformTwitter, model.PostContent{Text: "hello"})
	if err == nil {
		t.Fatal("エラーを返すべき")
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("試行回数 = %d, want 1", got)
	}
	if !model.IsPermanentPlatformError(err) {
		t.Errorf("恒久エラーであるべき: %v", err)
	}
}

func TestPostToPlatform_RateLimitedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			writeAPIError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		json.NewEncoder(w).Encode(postResponse{ID: "tw-789"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, &stubTokens{token: "t"}, &stubLimiter{})

	result, err := c.PostToPlatform(context.Background(), model.PlatformTwitter, model.PostContent{Text: "hello"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("試行回数 = %d, want 2（429は再試行可能）", got)
	}
	if result.PostID != "tw-789" {
		t.Errorf("PostID = %q, want tw-789", result.PostID)
	}
}

func TestPostToPlatform_LimiterWaitErrorStopsBeforeRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	limiter := &stubLimiter{waitErr: context.Canceled}
	c := newTestClient(srv.URL, &stubTokens{token: "t"}, limiter)

	_, err := c.PostToPlatform(context.Background(), model.PlatformTwitter, model.PostContent{Text: "hello"})
	if err == nil {
		t.Fatal("エラーを返すべき")
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("HTTPリクエスト回数 = %d, want 0", got)
	}
}

func TestPostToPlatform_TokenErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tokens := &stubTokens{err: model.NewAuthFailedError("署名の検証に失敗しました")}
	c := newTestClient(srv.URL, tokens, &stubLimiter{})

	_, err := c.PostToPlatform(context.Background(), model.PlatformTwitter, model.PostContent{Text: "hello"})
	if err == nil {
		t.Fatal("エラーを返すべき")
	}

	apiErr, ok := model.AsAPIError(err)
	if !ok || apiErr.Code != model.ErrCodeAuthFailed {
		t.Errorf("認証エラーであるべき: %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("HTTPリクエスト回数 = %d, want 0", got)
	}
}

func TestPostToPlatform_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusServiceUnavailable, "service unavailable")
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(&stubTokens{token: "t"}, &stubLimiter{}, Config{
		Endpoint:   srv.URL,
		MaxRetries: 3,
		RetryDelay: 10 * time.Second,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.PostToPlatform(ctx, model.PlatformTwitter, model.PostContent{Text: "hello"})
	if err == nil {
		t.Fatal("エラーを返すべき")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("キャンセル後は速やかに戻るべき: elapsed = %v", elapsed)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorClass
	}{
		{200, ErrorClassNone},
		{201, ErrorClassNone},
		{400, ErrorClassPermanent},
		{401, ErrorClassPermanent},
		{403, ErrorClassPermanent},
		{404, ErrorClassPermanent},
		{408, ErrorClassTransient},
		{409, ErrorClassPermanent},
		{413, ErrorClassPermanent},
		{422, ErrorClassPermanent},
		{429, ErrorClassTransient},
		{500, ErrorClassTransient},
		{502, ErrorClassTransient},
		{503, ErrorClassTransient},
	}
	for _, tc := range cases {
		if got := ClassifyHTTPStatus(tc.status); got != tc.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestIsRetryable_AgreesWithErrorTaxonomy(t *testing.T) {
	transient := model.NewPlatformTransientError(model.PlatformTwitter, "upstream timeout")
	if !model.IsTransientPlatformError(transient) {
		t.Error("一時エラーはIsTransientPlatformErrorを満たすべき")
	}
	if !IsRetryable(transient) {
		t.Error("一時エラーは再試行可能であるべき")
	}

	rateLimited := model.NewRateLimitedError(model.PlatformTwitter, 30)
	if !model.IsTransientPlatformError(rateLimited) {
		t.Error("レート制限エラーはIsTransientPlatformErrorを満たすべき")
	}
	if !IsRetryable(rateLimited) {
		t.Error("レート制限エラーは再試行可能であるべき")
	}

	permanent := model.NewPlatformPermanentError(model.PlatformTwitter, "duplicate content")
	if model.IsTransientPlatformError(permanent) {
		t.Error("恒久エラーはIsTransientPlatformErrorを満たさないべき")
	}
	if IsRetryable(permanent) {
		t.Error("恒久エラーは再試行しないべき")
	}
}

func TestContainsNonRetryable_CaseInsensitive(t *testing.T) {
	patterns := []string{"invalid credentials", "duplicate"}

	if !ContainsNonRetryable("Error: INVALID CREDENTIALS provided", patterns) {
		t.Error("大文字小文字を無視して一致すべき")
	}
	if !ContainsNonRetryable("status 403: duplicate post", patterns) {
		t.Error("部分一致で検出すべき")
	}
	if ContainsNonRetryable("temporary failure", patterns) {
		t.Error("無関係なメッセージは一致しないべき")
	}
	if ContainsNonRetryable("anything", nil) {
		t.Error("パターン未設定の場合は一致しないべき")
	}
}

func TestCalculateBackoff(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{10, 10 * time.Second},
		{0, time.Second},
	}
	for _, tc := range cases {
		if got := CalculateBackoff(tc.attempt, base, max); got != tc.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
