package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"nexus-assistant/internal/domain"
)

type fakeTokens struct {
	token string
	err   error
}

func (f fakeTokens) Token(context.Context) (string, error) { return f.token, f.err }

type capturedRequest struct {
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
	System    []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func messageServer(t *testing.T, status int, body string, seen *capturedRequest, apiKey *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		if apiKey != nil {
			*apiKey = r.Header.Get("X-Api-Key")
		}
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if seen != nil {
			require.NoError(t, json.Unmarshal(raw, seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

const okMessage = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-test",
	"content": [{"type": "text", "text": "Hello "}, {"type": "text", "text": "there"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 3, "output_tokens": 2}
}`

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(fakeTokens{token: "sk-ant"},
		WithModels("claude-reply", "claude-judge"),
		WithRequestOptions(option.WithBaseURL(srv.URL), option.WithMaxRetries(0)),
	)
	require.NoError(t, err)
	return c
}

func TestClient_GenerateReply(t *testing.T) {
	var seen capturedRequest
	var key string
	srv := messageServer(t, http.StatusOK, okMessage, &seen, &key)
	defer srv.Close()

	out, err := newTestClient(t, srv).GenerateReply(context.Background(), "USER: hi")
	require.NoError(t, err)
	require.Equal(t, "Hello there", out)
	require.Equal(t, "sk-ant", key)
	require.Equal(t, "claude-reply", seen.Model)
	require.Equal(t, int64(defaultMaxTokens), seen.MaxTokens)
	require.Len(t, seen.Messages, 1)
	require.Equal(t, "user", seen.Messages[0].Role)
	require.Equal(t, "USER: hi", seen.Messages[0].Content[0].Text)
	require.Empty(t, seen.System)
}

func TestClient_JudgeMemory(t *testing.T) {
	var seen capturedRequest
	srv := messageServer(t, http.StatusOK, okMessage, &seen, nil)
	defer srv.Close()

	_, err := newTestClient(t, srv).JudgeMemory(context.Background(), "judge")
	require.NoError(t, err)
	require.Equal(t, "claude-judge", seen.Model)
	require.Len(t, seen.System, 1)
	require.Equal(t, judgeSystem, seen.System[0].Text)
}

func TestClient_APIError(t *testing.T) {
	srv := messageServer(t, http.StatusTooManyRequests,
		`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, nil, nil)
	defer srv.Close()

	_, err := newTestClient(t, srv).GenerateReply(context.Background(), "hi")
	require.Error(t, err)
	var genErr *domain.GenerationError
	require.ErrorAs(t, err, &genErr)
	require.Equal(t, http.StatusTooManyRequests, StatusCode(err))
}

func TestClient_TokenError(t *testing.T) {
	c, err := NewClient(fakeTokens{err: errors.New("ssm unavailable")})
	require.NoError(t, err)

	_, err = c.GenerateReply(context.Background(), "hi")
	require.ErrorContains(t, err, "ssm unavailable")
	require.Zero(t, StatusCode(err))
}

func TestNewClient_NilTokens(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
}
