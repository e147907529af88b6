package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_Levels(t *testing.T) {
	_, err := NewLogger(Config{Component: "test", Level: "DEBUG"})
	require.NoError(t, err)

	_, err = NewLogger(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestRequestLogger_StoresScopedLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	var scoped *zap.Logger
	h := middleware.RequestID(RequestLogger(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped = FromRequest(r, nil)
		w.WriteHeader(http.StatusTeapot)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))

	require.NotNil(t, scoped)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "request completed", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, "/rooms", fields["path"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestFromRequest_Fallback(t *testing.T) {
	fallback := zap.NewNop()
	got := FromRequest(httptest.NewRequest(http.MethodGet, "/", nil), fallback)
	assert.Same(t, fallback, got)
}
