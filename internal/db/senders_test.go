package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetOrCreateSender tests sender creation with zero counters
func TestGetOrCreateSender(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	created, err := db.GetOrCreateSender(ctx, " New@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", created.EmailAddress)
	assert.Equal(t, 0, created.TotalEmailsSent)
	assert.Equal(t, 0, created.TotalEmailsReplied)
	assert.False(t, created.LastEmailAt.Valid)

	again, err := db.GetOrCreateSender(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID, "Existing sender should be returned")

	_, err = db.GetOrCreateSender(ctx, "   ")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

// TestSenderLastEmailAtKeepsMaximum tests that late-arriving older mail does not rewind last_email_at
func TestSenderLastEmailAtKeepsMaximum(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	newest := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	reqs := []IngestRequest{
		CreateTestRequest("New", "max@example.com", "1"),
		CreateTestRequest("Old", "max@example.com", "2"),
	}
	reqs[0].ReceivedAt = newest
	reqs[1].ReceivedAt = newest.Add(-time.Hour)
	IngestTestEmails(t, db, reqs)

	sender, err := db.GetSenderByAddress(ctx, "max@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, sender.TotalEmailsSent)
	assert.True(t, newest.Equal(sender.LastEmailAt.Time))
}

// TestDeleteSenderWithEmails tests the referential integrity guard
func TestDeleteSenderWithEmails(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	email := IngestTestEmails(t, db, []IngestRequest{CreateTestRequest("Keep", "ref@example.com", "body")})[0]

	err := db.DeleteSender(ctx, email.SenderID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReferentialIntegrity))

	_, err = db.GetSenderByID(ctx, email.SenderID)
	assert.NoError(t, err, "Sender must survive the rejected delete")
}

// TestDeleteSenderWithoutEmails tests deleting an unreferenced sender
func TestDeleteSenderWithoutEmails(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	sender, err := db.GetOrCreateSender(ctx, "lonely@example.com")
	require.NoError(t, err)

	require.NoError(t, db.DeleteSender(ctx, sender.ID))
	_, err = db.GetSenderByID(ctx, sender.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.True(t, errors.Is(db.DeleteSender(ctx, sender.ID), ErrNotFound))
}

// TestForeignKeyEnforced tests that the store itself refuses dangling senders
func TestForeignKeyEnforced(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	email := IngestTestEmails(t, db, []IngestRequest{CreateTestRequest("FK", "fk@example.com", "body")})[0]

	_, err := db.Exec("DELETE FROM senders WHERE id = ?", email.SenderID)
	require.Error(t, err, "Raw delete of a referenced sender must fail")
	assert.True(t, isForeignKeyViolation(err))
}

// TestSetSenderNotes tests the notes field
func TestSetSenderNotes(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	sender, err := db.GetOrCreateSender(ctx, "noted@example.com")
	require.NoError(t, err)

	require.NoError(t, db.SetSenderNotes(ctx, sender.ID, "VIP customer"))
	got, err := db.GetSenderByID(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, "VIP customer", got.Notes)

	assert.True(t, errors.Is(db.SetSenderNotes(ctx, "missing", "x"), ErrNotFound))
}

// TestListSenderStatistics tests the sender statistics view
func TestListSenderStatistics(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	emails := IngestTestEmails(t, db, []IngestRequest{
		CreateTestRequest("A1", "busy@example.com", "1"),
		CreateTestRequest("A2", "busy@example.com", "2"),
		CreateTestRequest("A3", "busy@example.com", "3"),
		CreateTestRequest("B1", "quiet@example.com", "4"),
	})
	ProcessTestEmail(t, db, emails[0].ID)
	require.NoError(t, db.RecordReply(ctx, emails[0].ID, time.Now()))
	require.NoError(t, db.BeginProcessing(ctx, emails[1].ID))
	require.NoError(t, db.FailProcessing(ctx, emails[1].ID, "boom"))

	_, err := db.GetOrCreateSender(ctx, "silent@example.com")
	require.NoError(t, err)

	stats, err := db.ListSenderStatistics(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	busy := stats[0]
	assert.Equal(t, "busy@example.com", busy.EmailAddress)
	assert.Equal(t, 3, busy.TotalEmailsSent)
	assert.Equal(t, 1, busy.TotalEmailsReplied)
	assert.Equal(t, 3, busy.StoredEmails)
	assert.Equal(t, 1, busy.PendingEmails)
	assert.Equal(t, 1, busy.ProcessedEmails)
	assert.Equal(t, 1, busy.FailedEmails)
	assert.Equal(t, 1, busy.RepliedEmails)

	silent := stats[2]
	assert.Equal(t, "silent@example.com", silent.EmailAddress)
	assert.Equal(t, 0, silent.StoredEmails)
	assert.Equal(t, 0, silent.PendingEmails)

	limited, err := db.ListSenderStatistics(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
