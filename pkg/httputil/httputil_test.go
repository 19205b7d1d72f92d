package httputil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billsync/billsync/pkg/observability"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, http.StatusCreated, map[string]string{"plan": "pro"}))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pro", body["plan"])
}

func TestWriteErrorMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorMessage(rec, http.StatusBadRequest, "plan is required")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "plan is required", body["error"])
}

func TestParseJSON(t *testing.T) {
	var dest struct {
		Plan string `json:"plan"`
	}
	r := httptest.NewRequest("POST", "/subscribe", strings.NewReader(`{"plan":"pro"}`))
	require.NoError(t, ParseJSON(r, &dest))
	assert.Equal(t, "pro", dest.Plan)

	r = httptest.NewRequest("POST", "/subscribe", strings.NewReader(`nope`))
	assert.Error(t, ParseJSON(r, &dest))
}

func TestParsePathInt64(t *testing.T) {
	router := mux.NewRouter()
	var got int64
	router.HandleFunc("/users/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		val, ok := ParsePathInt64OrError(w, r, "user_id")
		if !ok {
			return
		}
		got = val
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/users/42", nil))
	assert.Equal(t, int64(42), got)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/users/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseMonth(t *testing.T) {
	r := httptest.NewRequest("GET", "/reports/churn?year=2026&month=3", nil)
	year, month, err := ParseMonth(r)
	require.NoError(t, err)
	assert.Equal(t, 2026, year)
	assert.Equal(t, time.March, month)

	r = httptest.NewRequest("GET", "/reports/churn", nil)
	now := time.Now().UTC()
	year, month, err = ParseMonth(r)
	require.NoError(t, err)
	assert.Equal(t, now.Year(), year)
	assert.Equal(t, now.Month(), month)

	r = httptest.NewRequest("GET", "/reports/churn?month=13", nil)
	_, _, err = ParseMonth(r)
	assert.Error(t, err)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Request-ID", "req-abc")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "req-abc", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(mw("outer"), mw("inner"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestMaxBytesMiddleware(t *testing.T) {
	handler := MaxBytesMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := io.ReadAll(r.Body)
		if err != nil {
			WriteBadRequest(w, "body too large")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader("tiny")))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader("definitely more than eight bytes")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
