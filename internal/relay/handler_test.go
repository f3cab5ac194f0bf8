// ABOUTME: Tests for the relay push endpoint.
// ABOUTME: Covers bearer auth, body validation, routing misses, delivery, and dedupe.

package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ember-relay/internal/dedupe"
)

const testSecret = "shared-secret"

// fakeTarget records delivered messages.
type fakeTarget struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeTarget) DeliverRemote(text, author string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, author+": "+text)
}

func (f *fakeTarget) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

// mapResolver resolves thread ids from a fixed map.
type mapResolver map[string]*fakeTarget

func (m mapResolver) Resolve(threadID string) (Target, bool) {
	t, ok := m[threadID]
	if !ok {
		return nil, false
	}
	return t, true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(t *testing.T, resolver Resolver) *Handler {
	t.Helper()
	cache := dedupe.New(5*time.Minute, 1000)
	t.Cleanup(cache.Close)
	return NewHandler(testSecret, resolver, cache, discardLogger())
}

func doPush(t *testing.T, h *Handler, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/relay/push", &buf)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func validPush() PushRequest {
	return PushRequest{
		ThreadID:  "thread-1",
		Message:   "hello visitor",
		Author:    "taylor",
		Timestamp: 1700000000000,
	}
}

func TestHandler_Delivers(t *testing.T) {
	target := &fakeTarget{}
	h := newHandler(t, mapResolver{"thread-1": target})

	rec := doPush(t, h, "Bearer "+testSecret, validPush())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"taylor: hello visitor"}, target.delivered())
}

func TestHandler_MissingAuth(t *testing.T) {
	h := newHandler(t, mapResolver{})
	rec := doPush(t, h, "", validPush())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_WrongSecret(t *testing.T) {
	target := &fakeTarget{}
	h := newHandler(t, mapResolver{"thread-1": target})

	rec := doPush(t, h, "Bearer not-the-secret", validPush())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, target.delivered())
}

func TestHandler_MalformedAuthScheme(t *testing.T) {
	h := newHandler(t, mapResolver{})
	rec := doPush(t, h, testSecret, validPush())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_MissingFields(t *testing.T) {
	h := newHandler(t, mapResolver{})

	tests := []struct {
		name   string
		mutate func(*PushRequest)
	}{
		{"no thread", func(r *PushRequest) { r.ThreadID = "" }},
		{"no message", func(r *PushRequest) { r.Message = "" }},
		{"no author", func(r *PushRequest) { r.Author = "" }},
		{"no timestamp", func(r *PushRequest) { r.Timestamp = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validPush()
			tt.mutate(&req)
			rec := doPush(t, h, "Bearer "+testSecret, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandler_InvalidJSON(t *testing.T) {
	h := newHandler(t, mapResolver{})

	req := httptest.NewRequest(http.MethodPost, "/relay/push", bytes.NewBufferString("{broken"))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newHandler(t, mapResolver{})

	req := httptest.NewRequest(http.MethodGet, "/relay/push", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_UnknownThreadAcksAndDrops(t *testing.T) {
	h := newHandler(t, mapResolver{})

	rec := doPush(t, h, "Bearer "+testSecret, validPush())
	// A routing miss is still a success: the gateway has nothing to retry.
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_DuplicateDeliveredOnce(t *testing.T) {
	target := &fakeTarget{}
	h := newHandler(t, mapResolver{"thread-1": target})

	first := doPush(t, h, "Bearer "+testSecret, validPush())
	second := doPush(t, h, "Bearer "+testSecret, validPush())

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Len(t, target.delivered(), 1)
}

func TestHandler_DistinctMessagesBothDelivered(t *testing.T) {
	target := &fakeTarget{}
	h := newHandler(t, mapResolver{"thread-1": target})

	doPush(t, h, "Bearer "+testSecret, validPush())
	next := validPush()
	next.Timestamp++
	doPush(t, h, "Bearer "+testSecret, next)

	assert.Len(t, target.delivered(), 2)
}
