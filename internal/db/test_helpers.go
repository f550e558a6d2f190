package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestClock is a settable clock for tests that age records.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewTestClock starts a clock at t.
func NewTestClock(t time.Time) *TestClock {
	return &TestClock{now: t}
}

// Now returns the current test time.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SetupTestDB creates an in-memory SQLite database for testing
func SetupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	return db
}

// CleanupTestDB closes the test database
func CleanupTestDB(t *testing.T, db *DB) {
	t.Helper()

	if err := db.Close(); err != nil {
		t.Errorf("Failed to close test database: %v", err)
	}
}

// CreateTestRequest creates an ingest request with default values
func CreateTestRequest(subject, sender, body string) IngestRequest {
	return IngestRequest{
		MessageID:  fmt.Sprintf("<%s@test.com>", subject),
		From:       sender,
		To:         "support@test.com",
		Subject:    subject,
		Content:    fmt.Sprintf("Subject: %s\n\n%s", subject, body),
		ReceivedAt: time.Now(),
	}
}

// IngestTestEmails ingests the requests and returns the stored emails
func IngestTestEmails(t *testing.T, db *DB, reqs []IngestRequest) []*Email {
	t.Helper()

	emails := make([]*Email, 0, len(reqs))
	for i, req := range reqs {
		res, err := db.Ingest(context.Background(), req)
		if err != nil {
			t.Fatalf("Failed to ingest test email %d: %v", i, err)
		}
		emails = append(emails, res.Email)
	}

	return emails
}

// ProcessTestEmail drives an email to processed with a canned AI result
func ProcessTestEmail(t *testing.T, db *DB, id string) {
	t.Helper()

	ctx := context.Background()
	if err := db.BeginProcessing(ctx, id); err != nil {
		t.Fatalf("Failed to begin processing %s: %v", id, err)
	}
	err := db.CompleteProcessing(ctx, id, AIResult{
		ResponseText: "Thanks for your email.",
		CompletionID: "cmpl-test",
		TotalTokens:  10,
		Model:        "test-model",
	})
	if err != nil {
		t.Fatalf("Failed to complete processing %s: %v", id, err)
	}
}
