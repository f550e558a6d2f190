package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ingestOne(t *testing.T, db *DB, subject, sender string) *Email {
	t.Helper()
	return IngestTestEmails(t, db, []IngestRequest{CreateTestRequest(subject, sender, "body of "+subject)})[0]
}

// TestProcessingHappyPath tests unprocessed -> processing -> processed
func TestProcessingHappyPath(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	email := ingestOne(t, db, "Happy", "alice@example.com")

	require.NoError(t, db.BeginProcessing(ctx, email.ID))
	got, err := db.GetEmailByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	result := AIResult{
		UserText:         "hello",
		RagDocs:          []string{"doc one", "doc two"},
		ResponseText:     "Hi Alice",
		Prompt:           "Subject: Happy",
		CompletionID:     "cmpl-1",
		PromptTokens:     12,
		CompletionTokens: 8,
		TotalTokens:      20,
		Model:            "gpt-test",
		ProcessingTimeMS: 345,
	}
	require.NoError(t, db.CompleteProcessing(ctx, email.ID, result))

	got, err = db.GetEmailByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, got.Status)
	assert.Equal(t, "Hi Alice", got.AIResponseText)
	assert.Equal(t, Documents{"doc one", "doc two"}, got.AIRagDocs)
	assert.Equal(t, "cmpl-1", got.AICompletionID)
	assert.Equal(t, 20, got.AITotalTokens)
	assert.Equal(t, int64(345), got.AIProcessingTimeMS)
	assert.Equal(t, "gpt-test", got.AIModel)
	assert.True(t, got.AIProcessedAt.Valid)
	assert.Equal(t, ReplyPending, got.ReplyStatus)
}

// TestProcessingRetryLoop tests processing -> failed -> unprocessed -> processing
func TestProcessingRetryLoop(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	email := ingestOne(t, db, "Retry", "bob@example.com")

	require.NoError(t, db.BeginProcessing(ctx, email.ID))
	require.NoError(t, db.FailProcessing(ctx, email.ID, "ai timeout"))

	got, err := db.GetEmailByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "ai timeout", *got.LastError)

	sender, err := db.GetSenderByID(ctx, got.SenderID)
	require.NoError(t, err)
	assert.Equal(t, 1, sender.TotalEmailsSent, "Failure must not touch sender statistics")
	assert.Equal(t, 0, sender.TotalEmailsReplied)

	n, err := db.RequeueFailed(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = db.GetEmailByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnprocessed, got.Status)

	require.NoError(t, db.BeginProcessing(ctx, email.ID))
	require.NoError(t, db.FailProcessing(ctx, email.ID, "again"))

	// failed can also be picked up directly
	require.NoError(t, db.BeginProcessing(ctx, email.ID))
	require.NoError(t, db.FailProcessing(ctx, email.ID, "third"))

	got, err = db.GetEmailByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)

	n, err = db.RequeueFailed(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "Emails at the retry limit stay failed")
}

// TestInvalidTransitions tests every rejected edge of the state graph
func TestInvalidTransitions(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	unprocessed := ingestOne(t, db, "U", "a@example.com")
	processing := ingestOne(t, db, "P", "a@example.com")
	require.NoError(t, db.BeginProcessing(ctx, processing.ID))
	processed := ingestOne(t, db, "D", "a@example.com")
	ProcessTestEmail(t, db, processed.ID)

	tests := []struct {
		name string
		op   func() error
		want Status
	}{
		{"complete unprocessed", func() error { return db.CompleteProcessing(ctx, unprocessed.ID, AIResult{}) }, StatusUnprocessed},
		{"fail unprocessed", func() error { return db.FailProcessing(ctx, unprocessed.ID, "x") }, StatusUnprocessed},
		{"reply unprocessed", func() error { return db.RecordReply(ctx, unprocessed.ID, time.Now()) }, StatusUnprocessed},
		{"reply failed on unprocessed", func() error { return db.MarkReplyFailed(ctx, unprocessed.ID) }, StatusUnprocessed},
		{"begin processing", func() error { return db.BeginProcessing(ctx, processing.ID) }, StatusProcessing},
		{"reply processing", func() error { return db.RecordReply(ctx, processing.ID, time.Now()) }, StatusProcessing},
		{"begin processed", func() error { return db.BeginProcessing(ctx, processed.ID) }, StatusProcessed},
		{"complete processed", func() error { return db.CompleteProcessing(ctx, processed.ID, AIResult{}) }, StatusProcessed},
		{"fail processed", func() error { return db.FailProcessing(ctx, processed.ID, "x") }, StatusProcessed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidState), "Expected invalid state, got %v", err)

			var stateErr *StateError
			require.True(t, errors.As(err, &stateErr))
			assert.Equal(t, tt.want, stateErr.Status)
		})
	}
}

// TestTransitionsNotFound tests operations on unknown identifiers
func TestTransitionsNotFound(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	ops := map[string]func() error{
		"begin":        func() error { return db.BeginProcessing(ctx, "nope") },
		"complete":     func() error { return db.CompleteProcessing(ctx, "nope", AIResult{}) },
		"fail":         func() error { return db.FailProcessing(ctx, "nope", "x") },
		"reply":        func() error { return db.RecordReply(ctx, "nope", time.Now()) },
		"reply failed": func() error { return db.MarkReplyFailed(ctx, "nope") },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errors.Is(op(), ErrNotFound))
		})
	}
}

// TestRecordReplyUpdatesSender tests the alice scenario end to end
func TestRecordReplyUpdatesSender(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	email := ingestOne(t, db, "A", "alice@example.com")

	sender, err := db.GetSenderByAddress(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, sender.TotalEmailsSent)

	ProcessTestEmail(t, db, email.ID)
	sentAt := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	require.NoError(t, db.RecordReply(ctx, email.ID, sentAt))

	sender, err = db.GetSenderByAddress(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, sender.TotalEmailsReplied)
	require.True(t, sender.LastReplyAt.Valid)
	assert.True(t, sentAt.Equal(sender.LastReplyAt.Time))

	got, err := db.GetEmailByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, ReplySent, got.ReplyStatus)
	assert.True(t, sentAt.Equal(got.ReplySentAt.Time))

	err = db.RecordReply(ctx, email.ID, sentAt.Add(time.Minute))
	assert.True(t, errors.Is(err, ErrInvalidState), "A reply is counted only once")

	sender, err = db.GetSenderByAddress(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, sender.TotalEmailsReplied)
}

// TestLastReplyAtKeepsMaximum tests that an older reply does not move last_reply_at back
func TestLastReplyAtKeepsMaximum(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	first := ingestOne(t, db, "First", "zed@example.com")
	second := ingestOne(t, db, "Second", "zed@example.com")
	ProcessTestEmail(t, db, first.ID)
	ProcessTestEmail(t, db, second.ID)

	later := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.RecordReply(ctx, first.ID, later))
	require.NoError(t, db.RecordReply(ctx, second.ID, later.Add(-48*time.Hour)))

	sender, err := db.GetSenderByAddress(ctx, "zed@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, sender.TotalEmailsReplied)
	assert.True(t, later.Equal(sender.LastReplyAt.Time))
}

// TestMarkReplyFailed tests reply failure and later recovery
func TestMarkReplyFailed(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	email := ingestOne(t, db, "Bounce", "yan@example.com")
	ProcessTestEmail(t, db, email.ID)

	require.NoError(t, db.MarkReplyFailed(ctx, email.ID))

	got, err := db.GetEmailByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, ReplyFailed, got.ReplyStatus)

	sender, err := db.GetSenderByID(ctx, got.SenderID)
	require.NoError(t, err)
	assert.Equal(t, 0, sender.TotalEmailsReplied, "A failed reply is not counted")
	assert.False(t, sender.LastReplyAt.Valid)

	require.NoError(t, db.RecordReply(ctx, email.ID, time.Now()), "A failed dispatch may be retried")

	err = db.MarkReplyFailed(ctx, email.ID)
	assert.True(t, errors.Is(err, ErrInvalidState), "A sent reply cannot be marked failed")
}

// TestConcurrentBeginProcessing tests that exactly one racing worker wins
func TestConcurrentBeginProcessing(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	email := ingestOne(t, db, "Race", "race@example.com")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- db.BeginProcessing(ctx, email.ID)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	succeeded, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInvalidState):
			rejected++
			var stateErr *StateError
			require.True(t, errors.As(err, &stateErr))
			assert.Equal(t, StatusProcessing, stateErr.Status, "Losers observe the post-transition state")
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, rejected)
}

// TestConcurrentTransitionsOnDifferentEmails tests that independent emails do not interfere
func TestConcurrentTransitionsOnDifferentEmails(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	reqs := make([]IngestRequest, 20)
	for i := range reqs {
		reqs[i] = CreateTestRequest("Bulk"+string(rune('A'+i)), "bulk@example.com", "body")
		reqs[i].Content = reqs[i].Subject
	}
	emails := IngestTestEmails(t, db, reqs)

	var wg sync.WaitGroup
	for _, e := range emails {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, db.BeginProcessing(ctx, id))
			assert.NoError(t, db.CompleteProcessing(ctx, id, AIResult{ResponseText: "ok"}))
			assert.NoError(t, db.RecordReply(ctx, id, time.Now()))
		}(e.ID)
	}
	wg.Wait()

	sender, err := db.GetSenderByAddress(ctx, "bulk@example.com")
	require.NoError(t, err)
	assert.Equal(t, 20, sender.TotalEmailsSent)
	assert.Equal(t, 20, sender.TotalEmailsReplied)
}

// TestStatusGraph tests the in-memory transition table
func TestStatusGraph(t *testing.T) {
	assert.True(t, StatusUnprocessed.canTransition(StatusProcessing))
	assert.True(t, StatusProcessing.canTransition(StatusProcessed))
	assert.True(t, StatusProcessing.canTransition(StatusFailed))
	assert.True(t, StatusFailed.canTransition(StatusUnprocessed))
	assert.False(t, StatusProcessed.canTransition(StatusUnprocessed))
	assert.False(t, StatusUnprocessed.canTransition(StatusProcessed))
	assert.False(t, Status("archived").valid())
}
