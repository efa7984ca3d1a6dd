package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, body)
	})
}

func get(t *testing.T, h http.Handler, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerSwapper_Swap(t *testing.T) {
	s := newHandlerSwapper(textHandler("one"))
	assert.Equal(t, "one", get(t, s, "/", "").Body.String())
	s.Swap(textHandler("two"))
	assert.Equal(t, "two", get(t, s, "/", "").Body.String())
}

func TestRequireToken(t *testing.T) {
	h := requireToken(textHandler("ok"), "s3cret")

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/approvals", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/sse/events", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/approvals", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", "").Code)

	open := requireToken(textHandler("ok"), "")
	assert.Equal(t, http.StatusOK, get(t, open, "/api/approvals", "").Code)
}

func TestSetLevel(t *testing.T) {
	var lv slog.LevelVar
	require.NoError(t, setLevel(&lv, "debug"))
	assert.Equal(t, slog.LevelDebug, lv.Level())
	require.NoError(t, setLevel(&lv, "WARN"))
	assert.Equal(t, slog.LevelWarn, lv.Level())

	assert.Error(t, setLevel(&lv, "loud"))
	assert.Equal(t, slog.LevelWarn, lv.Level())
}
