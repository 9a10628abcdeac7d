package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

func TestQueryClientStreamParsesChatDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	qc := NewQueryClient(5 * time.Second)
	cfg := types.TaskConfig{Task: "chat_v1", Endpoint: "/v1/chat", IsStream: true}
	session := types.Session{OK: true, SymmetricKey: "k", SymmetricKeyUID: "u"}

	result, err := qc.Stream(context.Background(), srv.URL, cfg, session, map[string]any{"prompt": "hi"}, 10)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	require.Len(t, result.FormattedResponse, 2)
	assert.Equal(t, "hel", result.FormattedResponse[0].Content)
	assert.Equal(t, "lo", result.FormattedResponse[1].Content)
	assert.Equal(t, "stop", result.FormattedResponse[1].FinishReason)
}

func TestQueryClientStreamParsesCompletionStyle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"answer\",\"finish_reason\":\"stop\"}]}\n")
		flusher.Flush()
	}))
	defer srv.Close()

	qc := NewQueryClient(5 * time.Second)
	cfg := types.TaskConfig{Task: "completion_v1", Endpoint: "/v1/complete", IsStream: true}
	session := types.Session{OK: true}

	result, err := qc.Stream(context.Background(), srv.URL, cfg, session, map[string]any{"prompt": "hi"}, 10)
	require.NoError(t, err)
	require.Len(t, result.FormattedResponse, 1)
	assert.Equal(t, "answer", result.FormattedResponse[0].Content)
}

func TestQueryClientStreamNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	qc := NewQueryClient(5 * time.Second)
	cfg := types.TaskConfig{Task: "chat", Endpoint: "/v1/chat", IsStream: true}
	result, err := qc.Stream(context.Background(), srv.URL, cfg, types.Session{OK: true}, map[string]any{}, 0)

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
}

func TestQueryClientNonStreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi there"}}]}`)
	}))
	defer srv.Close()

	qc := NewQueryClient(5 * time.Second)
	cfg := types.TaskConfig{Task: "chat", Endpoint: "/v1/chat"}
	result, err := qc.NonStream(context.Background(), srv.URL, cfg, types.Session{OK: true}, map[string]any{"prompt": "hi"})

	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.FormattedResponse, 1)
	assert.Equal(t, "hi there", result.FormattedResponse[0].Content)
}

func TestQueryClientNonStreamImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"image_b64":"abcd"}`)
	}))
	defer srv.Close()

	qc := NewQueryClient(5 * time.Second)
	cfg := types.TaskConfig{Task: "image_gen", TaskType: types.TaskTypeImage, Endpoint: "/v1/image"}
	result, err := qc.NonStream(context.Background(), srv.URL, cfg, types.Session{OK: true}, map[string]any{})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "abcd", result.ImageResponse["image_b64"])
}

func TestQueryClientTransportErrorIsNotFatal(t *testing.T) {
	qc := NewQueryClient(100 * time.Millisecond)
	cfg := types.TaskConfig{Task: "chat", Endpoint: "/v1/chat"}
	result, err := qc.NonStream(context.Background(), "http://127.0.0.1:1", cfg, types.Session{OK: true}, map[string]any{})

	require.NoError(t, err)
	assert.False(t, result.Success)
}
