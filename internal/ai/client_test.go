package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/felo/autoreply/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	c := NewClient(Config{URL: url, APIKey: "secret", MaxTries: 3}, http.DefaultClient,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func testEmail(content string) *db.Email {
	messageID := "<abc@example.com>"
	return &db.Email{
		ID:        "email-1",
		MessageID: &messageID,
		FromEmail: "customer@example.com",
		Content:   content,
		Attachments: db.Attachments{
			{Filename: "a.png", URL: "https://files.example.com/a.png", Size: 10, ContentType: "image/png"},
			{Filename: "b.png", Size: 20, ContentType: "image/png"},
		},
	}
}

func TestClientReply(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(Response{
			ResponseText: "Your order ships tomorrow.",
			UserText:     "where is my order",
			RagDocs:      []string{"shipping policy"},
			CompletionID: "cmpl-1",
			TotalTokens:  42,
			Model:        "test-model",
		})
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Reply(context.Background(),
		testEmail("Subject: Order\n\nWhere is my order?\n\nOn Mon, Support wrote:\n> hi"))
	require.NoError(t, err)

	assert.Equal(t, "<abc@example.com>", got.MessageID)
	assert.Equal(t, "Subject: Order\n\nWhere is my order?", got.Text)
	require.Len(t, got.Attachments, 1, "Only uploaded attachments are forwarded")
	assert.Equal(t, "https://files.example.com/a.png", got.Attachments[0].URL)
	assert.Equal(t, "image/png", got.Attachments[0].Type)
	assert.True(t, got.HasAttachments)

	assert.Equal(t, "Your order ships tomorrow.", resp.ResponseText)
	assert.Equal(t, "Subject: Order\n\nWhere is my order?\n\nOn Mon, Support wrote:\n> hi", resp.Prompt,
		"Prompt defaults to the stored content")

	result := resp.Result()
	assert.Equal(t, "cmpl-1", result.CompletionID)
	assert.Equal(t, 42, result.TotalTokens)
	assert.Equal(t, []string{"shipping policy"}, result.RagDocs)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Response{ResponseText: "ok"})
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Reply(context.Background(), testEmail("hello"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.ResponseText)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientGivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Reply(context.Background(), testEmail("hello"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServerFail))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Reply(context.Background(), testEmail("hello"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "bad payload")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientEmptyResponseText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{Model: "m"})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Reply(context.Background(), testEmail("hello"))
	assert.True(t, errors.Is(err, ErrEmptyResponse))
}

func TestClientFallbackSkipsService(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	email := testEmail("Subject: Re: Hi\n\n-----Original Message-----\nold text")
	resp, err := newTestClient(server.URL).Reply(context.Background(), email)
	require.NoError(t, err)

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, DefaultFallbackText, resp.ResponseText)
	assert.NotEmpty(t, resp.CompletionID)
	assert.Equal(t, email.Content, resp.Prompt)
}

func TestNewRequestWithoutMessageID(t *testing.T) {
	email := &db.Email{ID: "abc", Content: "hi"}
	req := NewRequest(email)

	assert.Equal(t, "email_abc", req.MessageID)
	assert.NotNil(t, req.Attachments)
	assert.False(t, req.HasAttachments)
}
