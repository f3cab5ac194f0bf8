// ABOUTME: Tests for the verification oracle client.
// ABOUTME: Uses an httptest siteverify endpoint to exercise accept, reject, and failure paths.

package verify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPOracle_Accepts(t *testing.T) {
	var gotSecret, gotResponse, gotRemoteIP string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotSecret = r.PostForm.Get("secret")
		gotResponse = r.PostForm.Get("response")
		gotRemoteIP = r.PostForm.Get("remoteip")
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, "oracle-secret", discardLogger())
	ok, err := oracle.Verify(context.Background(), "visitor-token", "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "oracle-secret", gotSecret)
	assert.Equal(t, "visitor-token", gotResponse)
	assert.Equal(t, "203.0.113.7", gotRemoteIP)
}

func TestHTTPOracle_Rejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, "oracle-secret", discardLogger())
	ok, err := oracle.Verify(context.Background(), "bad-token", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPOracle_OmitsEmptyRemoteIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_, present := r.PostForm["remoteip"]
		assert.False(t, present)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, "oracle-secret", discardLogger())
	_, err := oracle.Verify(context.Background(), "visitor-token", "")
	require.NoError(t, err)
}

func TestHTTPOracle_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, "oracle-secret", discardLogger())
	_, err := oracle.Verify(context.Background(), "visitor-token", "")
	assert.Error(t, err)
}

func TestHTTPOracle_Unreachable(t *testing.T) {
	oracle := NewHTTPOracle("http://127.0.0.1:1/siteverify", "oracle-secret", discardLogger())
	_, err := oracle.Verify(context.Background(), "visitor-token", "")
	assert.Error(t, err)
}

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll{}.Verify(context.Background(), "", "")
	require.NoError(t, err)
	assert.True(t, ok)
}
