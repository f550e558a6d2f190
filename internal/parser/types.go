package parser

import (
	"strings"
	"time"
)

// ParsedEmail is a fetched message reduced to the fields the store ingests.
type ParsedEmail struct {
	MessageID   string
	Subject     string
	Sender      string
	SenderName  string
	Recipients  []string
	Date        time.Time
	BodyText    string
	Attachments []ParsedAttachment

	// SourceHash identifies the raw file; set by ParseEMLFile only.
	SourceHash string
}

// ParsedAttachment is the metadata of one image part. The bytes themselves are
// not kept; Hash is the hex SHA-256 of the decoded payload.
type ParsedAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	Hash        string
}

// Content is the stored email body: the decoded subject line followed by the
// plain-text body.
func (p *ParsedEmail) Content() string {
	body := strings.TrimSpace(p.BodyText)
	if p.Subject == "" {
		return body
	}
	return "Subject: " + p.Subject + "\n\n" + body
}

// FirstRecipient returns the first To address, or "" when there is none.
func (p *ParsedEmail) FirstRecipient() string {
	if len(p.Recipients) == 0 {
		return ""
	}
	return p.Recipients[0]
}
