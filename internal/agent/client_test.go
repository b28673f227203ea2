// ABOUTME: Tests for the agent pipeline SSE client
// ABOUTME: Covers stream parsing, error events, HTTP errors, and cancellation

package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, handler func(w http.ResponseWriter, req GenerateRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/generate", r.URL.Path)

		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "text/event-stream")
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerate(t *testing.T) {
	t.Run("accumulates text and returns done response", func(t *testing.T) {
		srv := sseServer(t, func(w http.ResponseWriter, req GenerateRequest) {
			assert.Equal(t, "int-1", req.IntegrationID)
			assert.Equal(t, "thread-1", req.ThreadID)
			require.Len(t, req.Messages, 2)
			assert.Equal(t, "user", req.Messages[1].Role)

			w.Write([]byte("event: thinking\ndata: {}\n\n"))
			w.Write([]byte("event: text\ndata: {\"text\":\"Hello \"}\n\n"))
			w.Write([]byte("event: text\ndata: {\"text\":\"world\"}\n\n"))
			w.Write([]byte("event: done\ndata: {\"full_response\":\"Hello world\"}\n\n"))
		})

		var events []Event
		client := NewClient(srv.URL)
		reply, err := client.Generate(context.Background(), GenerateRequest{
			IntegrationID: "int-1",
			ThreadID:      "thread-1",
			Sender:        "user-1",
			Messages: []ContextMessage{
				{Role: "assistant", Sender: "bot", Content: "previous"},
				{Role: "user", Sender: "alice", Content: "hi"},
			},
		}, func(e Event) { events = append(events, e) })

		require.NoError(t, err)
		assert.Equal(t, "Hello world", reply)
		require.Len(t, events, 4)
		assert.Equal(t, EventThinking, events[0].Type)
		assert.Equal(t, EventDone, events[3].Type)
	})

	t.Run("falls back to accumulated text without done payload", func(t *testing.T) {
		srv := sseServer(t, func(w http.ResponseWriter, _ GenerateRequest) {
			w.Write([]byte("event: text\ndata: {\"text\":\"partial \"}\n\n"))
			w.Write([]byte("event: text\ndata: {\"text\":\"reply\"}\n\n"))
		})

		client := NewClient(srv.URL)
		reply, err := client.Generate(context.Background(), GenerateRequest{}, nil)
		require.NoError(t, err)
		assert.Equal(t, "partial reply", reply)
	})

	t.Run("error event fails the call", func(t *testing.T) {
		srv := sseServer(t, func(w http.ResponseWriter, _ GenerateRequest) {
			w.Write([]byte("event: error\ndata: {\"error\":\"model unavailable\"}\n\n"))
		})

		client := NewClient(srv.URL)
		_, err := client.Generate(context.Background(), GenerateRequest{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model unavailable")
	})

	t.Run("non-200 json error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"overloaded"}`))
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		_, err := client.Generate(context.Background(), GenerateRequest{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "overloaded")
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("context deadline cancels the stream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte("event: text\ndata: {\"text\":\"stuck\"}\n\n"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			time.Sleep(2 * time.Second)
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		client := NewClient(srv.URL)
		_, err := client.Generate(ctx, GenerateRequest{}, nil)
		require.Error(t, err)
	})
}
