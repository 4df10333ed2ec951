package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noContent = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func serve(h http.Handler, method, remote string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/transcriptions", nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	}))

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"assigned_when_missing", "", false},
		{"client_id_kept", "upload-42", true},
		{"oversized_replaced", strings.Repeat("x", maxRequestIDLen+1), false},
		{"whitespace_replaced", "bad id", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := map[string]string{}
			if tt.incoming != "" {
				hdr["X-Request-ID"] = tt.incoming
			}
			rec := serve(h, http.MethodGet, "", hdr)
			got := rec.Header().Get("X-Request-ID")
			assert.Equal(t, got, seen, "handler sees the echoed id")
			if tt.keep {
				assert.Equal(t, tt.incoming, got)
				return
			}
			_, err := uuid.Parse(got)
			assert.NoError(t, err, "generated id %q", got)
		})
	}
}

func TestCORSWithOrigins(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantCode   int
		wantOrigin string
	}{
		{"any_origin_when_unset", nil, http.MethodGet, "https://a.example", http.StatusNoContent, "*"},
		{"listed_origin_echoed", []string{"https://a.example"}, http.MethodGet, "https://a.example", http.StatusNoContent, "https://a.example"},
		{"unlisted_origin_served_plain", []string{"https://a.example"}, http.MethodGet, "https://b.example", http.StatusNoContent, ""},
		{"unlisted_preflight_forbidden", []string{"https://a.example"}, http.MethodOptions, "https://b.example", http.StatusForbidden, ""},
		{"preflight_short_circuits", nil, http.MethodOptions, "https://a.example", http.StatusNoContent, "*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				w.WriteHeader(http.StatusNoContent)
			})
			rec := serve(CORSWithOrigins(tt.allowed)(inner), tt.method, "", map[string]string{"Origin": tt.origin})

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			if len(tt.allowed) > 0 {
				assert.Equal(t, "Origin", rec.Header().Get("Vary"))
			}
			assert.Equal(t, tt.method != http.MethodOptions, reached)
		})
	}
}

func TestRateLimiter(t *testing.T) {
	h := RateLimiter(0.5, 2)(noContent)

	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodPost, "192.0.2.10:5000", nil)
		require.Equal(t, http.StatusNoContent, rec.Code, "request %d within burst", i)
	}

	rec := serve(h, http.MethodPost, "192.0.2.10:6000", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "same host on another port shares the bucket")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body.Error)

	rec = serve(h, http.MethodPost, "192.0.2.11:5000", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "other clients have their own bucket")
}

func TestClientIP(t *testing.T) {
	tests := []struct{ remote, want string }{
		{"192.0.2.1:8080", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"unix-socket", "unix-socket"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		assert.Equal(t, tt.want, clientIP(r))
	}
}

func TestRecoverer(t *testing.T) {
	t.Run("passes_through", func(t *testing.T) {
		rec := serve(Recoverer(noContent), http.MethodGet, "", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("panic_becomes_500", func(t *testing.T) {
		boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") })
		rec := serve(Recoverer(boom), http.MethodGet, "", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "internal server error", body.Error)
	})

	t.Run("abort_handler_propagates", func(t *testing.T) {
		abort := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic(http.ErrAbortHandler) })
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			serve(Recoverer(abort), http.MethodGet, "", nil)
		})
	})
}
