package db

// Timestamps are TEXT in the fixed-width layout written by formatTime, so
// lexical comparison in SQL is chronological.
const schema = `
CREATE TABLE IF NOT EXISTS senders (
    id TEXT PRIMARY KEY,
    email_address TEXT NOT NULL UNIQUE,
    total_emails_sent INTEGER NOT NULL DEFAULT 0 CHECK (total_emails_sent >= 0),
    total_emails_replied INTEGER NOT NULL DEFAULT 0 CHECK (total_emails_replied >= 0),
    last_email_at TEXT,
    last_reply_at TEXT,
    notes TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    CHECK (total_emails_replied <= total_emails_sent)
);

CREATE TABLE IF NOT EXISTS emails (
    id TEXT PRIMARY KEY,
    message_id TEXT UNIQUE,
    sender_id TEXT NOT NULL REFERENCES senders(id) ON DELETE RESTRICT,
    from_email TEXT NOT NULL,
    to_email TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    duplicate_of TEXT,
    has_attachment INTEGER NOT NULL DEFAULT 0,
    attachment_count INTEGER NOT NULL DEFAULT 0,
    attachment_info TEXT,
    total_attachment_size INTEGER NOT NULL DEFAULT 0,
    received_at TEXT NOT NULL,

    status TEXT NOT NULL DEFAULT 'unprocessed'
        CHECK (status IN ('unprocessed', 'processing', 'processed', 'failed')),
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,

    ai_user_text TEXT NOT NULL DEFAULT '',
    ai_rag_docs TEXT,
    ai_response_text TEXT NOT NULL DEFAULT '',
    ai_prompt TEXT NOT NULL DEFAULT '',
    ai_completion_id TEXT NOT NULL DEFAULT '',
    ai_prompt_tokens INTEGER NOT NULL DEFAULT 0,
    ai_completion_tokens INTEGER NOT NULL DEFAULT 0,
    ai_total_tokens INTEGER NOT NULL DEFAULT 0,
    ai_processing_time_ms INTEGER NOT NULL DEFAULT 0,
    ai_model TEXT NOT NULL DEFAULT '',
    ai_processed_at TEXT,

    response_status TEXT NOT NULL DEFAULT 'pending'
        CHECK (response_status IN ('pending', 'sent', 'failed')),
    response_sent_at TEXT,

    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Spool files already ingested. Rows outlive their email so a file kept in
-- the spool is not ingested again after retention removed it.
CREATE TABLE IF NOT EXISTS ingested_sources (
    source_hash TEXT PRIMARY KEY,
    email_id TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_emails_sender_id ON emails(sender_id);
CREATE INDEX IF NOT EXISTS idx_emails_status_received ON emails(status, received_at);
CREATE INDEX IF NOT EXISTS idx_emails_sender_hash ON emails(sender_id, content_hash, received_at);
CREATE INDEX IF NOT EXISTS idx_emails_status_created ON emails(status, created_at);

CREATE VIEW IF NOT EXISTS pending_emails AS
SELECT * FROM emails
WHERE status = 'unprocessed'
ORDER BY received_at ASC, created_at ASC;

CREATE VIEW IF NOT EXISTS sender_statistics AS
SELECT
    s.id AS sender_id,
    s.email_address AS email_address,
    s.total_emails_sent AS total_emails_sent,
    s.total_emails_replied AS total_emails_replied,
    s.last_email_at AS last_email_at,
    s.last_reply_at AS last_reply_at,
    COUNT(e.id) AS stored_emails,
    COALESCE(SUM(CASE WHEN e.status = 'unprocessed' THEN 1 ELSE 0 END), 0) AS pending_emails,
    COALESCE(SUM(CASE WHEN e.status = 'processed' THEN 1 ELSE 0 END), 0) AS processed_emails,
    COALESCE(SUM(CASE WHEN e.status = 'failed' THEN 1 ELSE 0 END), 0) AS failed_emails,
    COALESCE(SUM(CASE WHEN e.response_status = 'sent' THEN 1 ELSE 0 END), 0) AS replied_emails
FROM senders s
LEFT JOIN emails e ON e.sender_id = s.id
GROUP BY s.id;
`

// addStatusColumn is the first step of upgrading a table that still carries
// the numeric is_processed column; rows are back-filled through LegacyStatus.
const addStatusColumn = `ALTER TABLE emails ADD COLUMN status TEXT NOT NULL DEFAULT 'unprocessed'`
