package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/types"
)

func TestOpenAI_Available(t *testing.T) {
	assert.False(t, NewOpenAI().Available(), "no key means unavailable")
	assert.True(t, NewOpenAI(WithAPIKey("sk-test")).Available())
	assert.True(t, NewOpenAI(WithAPIKey("sk-test")).Capabilities().Streaming)
}

func TestOpenAI_Generate(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotReq))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-123",
			"model": "gpt-4o-mini",
			"created": 1717243200,
			"choices": [{"message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`)
	}))
	defer server.Close()

	temp := 0.4
	p := NewOpenAI(
		WithAPIKey("sk-test"),
		WithBaseURL(server.URL),
		WithModel("gpt-4o-mini"),
	)

	got, err := p.Generate(context.Background(), []types.Message{
		{Role: types.RoleSystem, Content: "be brief"},
		{Role: types.RoleUser, Content: "hello"},
	}, types.CompletionOptions{Temperature: &temp, MaxTokens: 64})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "be brief", gotReq.Messages[0].Content)
	require.NotNil(t, gotReq.Temperature)
	assert.InDelta(t, 0.4, *gotReq.Temperature, 0.0001)
	assert.Equal(t, 64, gotReq.MaxTokens)
	assert.False(t, gotReq.Stream)

	assert.Equal(t, "chatcmpl-123", got.ID)
	assert.Equal(t, OpenAIName, got.Provider)
	assert.Equal(t, "hi there", got.Content)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 7, got.Usage.TotalTokens)
}

func TestOpenAI_GenerateErrors(t *testing.T) {
	t.Run("api error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error": {"message": "rate limited", "type": "rate_limit_error"}}`)
		}))
		defer server.Close()

		p := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(server.URL))
		_, err := p.Generate(context.Background(), []types.Message{{Role: types.RoleUser, Content: "hi"}}, types.CompletionOptions{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
		assert.Contains(t, err.Error(), "rate limited")
	})

	t.Run("empty choices", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id": "x", "choices": []}`)
		}))
		defer server.Close()

		p := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(server.URL))
		_, err := p.Generate(context.Background(), []types.Message{{Role: types.RoleUser, Content: "hi"}}, types.CompletionOptions{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "no choices")
	})

	t.Run("unreachable server", func(t *testing.T) {
		p := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL("http://127.0.0.1:1"))
		_, err := p.Generate(context.Background(), []types.Message{{Role: types.RoleUser, Content: "hi"}}, types.CompletionOptions{})
		assert.Error(t, err)
	})
}

func TestOpenAI_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-9\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-9\",\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-9\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(server.URL))
	stream, err := p.Stream(context.Background(), []types.Message{{Role: types.RoleUser, Content: "hi"}}, types.CompletionOptions{})
	require.NoError(t, err)
	defer stream.Close()

	var content string
	var doneChunks int
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if chunk.Done {
			doneChunks++
			continue
		}
		content += chunk.Content
	}

	assert.Equal(t, "Hello", content)
	assert.Equal(t, 1, doneChunks, "exactly one terminal chunk")

	// After EOF the stream stays terminated.
	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenAI_StreamAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "bad key", "type": "authentication_error"}}`)
	}))
	defer server.Close()

	p := NewOpenAI(WithAPIKey("sk-bad"), WithBaseURL(server.URL))
	_, err := p.Stream(context.Background(), []types.Message{{Role: types.RoleUser, Content: "hi"}}, types.CompletionOptions{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}
