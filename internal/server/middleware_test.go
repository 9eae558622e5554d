package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "caller-id", seen)

	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, strings.Repeat("x", 200), seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := requestIDMiddleware(recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
	assert.NotEmpty(t, body.Meta.RequestID)
}

func TestSecurityHeaders(t *testing.T) {
	h := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestStatusWriterRecordsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusNotFound)
	sw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusNotFound, sw.statusCode)
	assert.Same(t, rec, sw.Unwrap())

	// httptest.ResponseRecorder supports Flush but not Hijack.
	sw.Flush()
	assert.True(t, rec.Flushed)
	_, _, err := sw.Hijack()
	assert.Error(t, err)
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusWriterHijackPassesThrough(t *testing.T) {
	inner := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	sw := &statusWriter{ResponseWriter: inner, statusCode: http.StatusOK}
	_, _, err := sw.Hijack()
	require.NoError(t, err)
	assert.True(t, inner.hijacked)
	assert.Equal(t, http.StatusSwitchingProtocols, sw.statusCode)
}

func TestDecodeJSON(t *testing.T) {
	var req model.SetTraceRequest
	r := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"trace_id":"abc"}`))
	require.NoError(t, decodeJSON(httptest.NewRecorder(), r, &req, 1024))
	assert.Equal(t, "abc", req.TraceID)

	r = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"trace_id":"abc","extra":1}`))
	assert.Error(t, decodeJSON(httptest.NewRecorder(), r, &req, 1024))

	r = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"trace_id":"`+strings.Repeat("a", 100)+`"}`))
	rec := httptest.NewRecorder()
	err := decodeJSON(rec, r, &req, 16)
	require.Error(t, err)
	handleDecodeError(rec, r, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestQueryLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=5", nil)
	assert.Equal(t, 5, queryLimit(r, 100))
	r = httptest.NewRequest(http.MethodGet, "/?limit=abc", nil)
	assert.Equal(t, 100, queryLimit(r, 100))
	r = httptest.NewRequest(http.MethodGet, "/?limit=-3", nil)
	assert.Equal(t, 0, queryLimit(r, 100))
	r = httptest.NewRequest(http.MethodGet, "/?limit=999999", nil)
	assert.Equal(t, maxQueryLimit, queryLimit(r, 100))
}
