package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const itemsPayload = `{"data":{"items":[{"serialNumber":"1581F5FJD228400D0A9B","makeName":"DJI"}]}}`

func testClient(url string) *Client {
	return NewClient(ClientConfig{
		BaseURL:        url,
		Timeout:        5 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, nil)
}

func TestQueryPrimesCookieAndSendsParams(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/listdocs", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/serialNumbers", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session")
		if err != nil || c.Value != "abc" {
			http.Error(w, "no cookie", http.StatusForbidden)
			return
		}
		q := r.URL.Query()
		assert.Equal(t, "8", q.Get("itemsPerPage"))
		assert.Equal(t, "0", q.Get("pageIndex"))
		assert.Equal(t, "updatedAt", q.Get("orderBy[0]"))
		assert.Equal(t, "DESC", q.Get("orderBy[1]"))
		assert.Equal(t, "serialNumber", q.Get("findBy"))
		assert.Equal(t, "1581F5FJD228400D0A9B", q.Get("serialNumber"))
		assert.Equal(t, "external", r.Header.Get("client"))
		assert.Contains(t, r.Header.Get("User-Agent"), "Firefox")
		assert.Equal(t, "application/json, text/plain, */*", r.Header.Get("Accept"))
		assert.Contains(t, r.Header.Get("Referer"), "/listdocs")
		_, _ = w.Write([]byte(itemsPayload))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	payload, err := testClient(srv.URL).Query(context.Background(), "1581F5FJD228400D0A9B")
	require.NoError(t, err)
	assert.JSONEq(t, itemsPayload, string(payload))
	assert.True(t, HasRecords(payload))
}

func TestQueryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/listdocs" {
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(itemsPayload))
	}))
	defer srv.Close()

	payload, err := testClient(srv.URL).Query(context.Background(), "R1")
	require.NoError(t, err)
	assert.True(t, HasRecords(payload))
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/listdocs" {
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Query(context.Background(), "R1")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueryDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/listdocs" {
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Query(context.Background(), "R1")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueryRejectsInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Query(context.Background(), "R1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestHasRecords(t *testing.T) {
	assert.True(t, HasRecords(raw(itemsPayload)))
	assert.False(t, HasRecords(raw(`{"data":{"items":[]}}`)))
	assert.False(t, HasRecords(raw(`{}`)))
	assert.False(t, HasRecords(raw(`not json`)))
}
