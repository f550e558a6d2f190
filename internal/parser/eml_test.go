package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseEML_SimpleEmail tests parsing a basic plain text email
func TestParseEML_SimpleEmail(t *testing.T) {
	parsed, err := ParseEMLFile("testdata/simple.eml")

	require.NoError(t, err, "Should parse simple email without error")
	assert.Equal(t, "Simple Test Email", parsed.Subject)
	assert.Equal(t, "sender@example.com", parsed.Sender)
	assert.Equal(t, "", parsed.SenderName)
	assert.Equal(t, []string{"support@example.com"}, parsed.Recipients)
	assert.Equal(t, "support@example.com", parsed.FirstRecipient())
	assert.Contains(t, parsed.BodyText, "This is a simple test email")
	assert.Empty(t, parsed.Attachments)
	assert.Equal(t, "<simple123@example.com>", parsed.MessageID)
	assert.True(t, parsed.Date.Equal(time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)))
}

// TestParseEML_Content tests the stored content layout
func TestParseEML_Content(t *testing.T) {
	parsed, err := ParseEMLFile("testdata/simple.eml")
	require.NoError(t, err)

	assert.Equal(t,
		"Subject: Simple Test Email\n\nThis is a simple test email.\nPlease reply when you can.",
		parsed.Content())
}

// TestParseEML_MIMEEncodedSubject tests parsing emails with MIME-encoded headers
func TestParseEML_MIMEEncodedSubject(t *testing.T) {
	parsed, err := ParseEMLFile("testdata/mime-encoded.eml")

	require.NoError(t, err, "Should parse MIME-encoded email without error")
	assert.Equal(t, "Invitación: Reunión de proyecto", parsed.Subject,
		"MIME-encoded subject should be decoded properly")
	assert.Equal(t, "sender@example.com", parsed.Sender)
	assert.Equal(t, "José", parsed.SenderName)
	assert.True(t, strings.HasPrefix(parsed.Content(), "Subject: Invitación: Reunión de proyecto\n\n"))
}

// TestParseEML_Windows1252Charset tests that registered charsets are decoded
func TestParseEML_Windows1252Charset(t *testing.T) {
	parsed, err := ParseEMLFile("testdata/windows-1252.eml")

	require.NoError(t, err, "Should parse windows-1252 email without error")
	assert.Equal(t, "Windows-1252 Charset Test", parsed.Subject)
	assert.Contains(t, parsed.BodyText, "café")
}

// TestParseEML_ImageAttachments tests that only image parts become attachments
func TestParseEML_ImageAttachments(t *testing.T) {
	parsed, err := ParseEMLFile("testdata/with-images.eml")
	require.NoError(t, err, "Should parse email with attachments without error")

	assert.Equal(t, "Customer", parsed.SenderName)
	assert.Equal(t, []string{"support@example.com", "billing@example.com"}, parsed.Recipients)
	assert.Equal(t, "The app crashes on start, see the screenshots.", strings.TrimSpace(parsed.BodyText),
		"HTML alternative and text attachments are not part of the body")

	require.Len(t, parsed.Attachments, 2, "The PDF and the text attachment are skipped")

	png := parsed.Attachments[0]
	assert.Equal(t, "crash.png", png.Filename)
	assert.Equal(t, "image/png", png.ContentType)
	assert.Equal(t, int64(8), png.Size)
	sum := sha256.Sum256([]byte("\x89PNG\r\n\x1a\n"))
	assert.Equal(t, hex.EncodeToString(sum[:]), png.Hash)

	jpeg := parsed.Attachments[1]
	assert.Equal(t, "image2.jpg", jpeg.Filename, "Unnamed images are numbered by position")
	assert.Equal(t, "image/jpeg", jpeg.ContentType)
	assert.Equal(t, int64(6), jpeg.Size)
}

// TestParseEML_MissingHeaders tests parsing emails with missing optional headers
func TestParseEML_MissingHeaders(t *testing.T) {
	parsed, err := ParseEMLFile("testdata/missing-headers.eml")

	require.NoError(t, err, "Should parse email with missing headers without error")
	assert.Equal(t, "sender@example.com", parsed.Sender)
	assert.Empty(t, parsed.MessageID)
	assert.Empty(t, parsed.Subject)
	assert.True(t, parsed.Date.IsZero(), "Missing Date leaves the zero time")
	assert.Equal(t, "", parsed.FirstRecipient())
	assert.Equal(t, "This email is missing some headers.", parsed.Content(),
		"Without a subject the content is the body alone")
}

// TestParseEML_InvalidFile tests error handling for non-existent files
func TestParseEML_InvalidFile(t *testing.T) {
	_, err := ParseEMLFile("testdata/does-not-exist.eml")

	assert.Error(t, err, "Should return error for non-existent file")
	assert.Contains(t, err.Error(), "failed to open file")
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"photo.png", "photo.png"},
		{"../../etc/passwd", "passwd"},
		{"with\"quotes'.jpg", "withquotes.jpg"},
		{"tab\tname.gif", "tabname.gif"},
		{"", "attachment.bin"},
		{strings.Repeat("a", 300) + ".png", strings.Repeat("a", 255)},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeFilename(tt.in), "input %q", tt.in)
	}
}

// TestParseEMLFile_SourceHash tests that the raw file digest is recorded
func TestParseEMLFile_SourceHash(t *testing.T) {
	raw, err := os.ReadFile("testdata/simple.eml")
	require.NoError(t, err)
	sum := sha256.Sum256(raw)

	parsed, err := ParseEMLFile("testdata/simple.eml")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), parsed.SourceHash)

	fromReader, err := ParseEML(strings.NewReader(string(raw)))
	require.NoError(t, err)
	assert.Empty(t, fromReader.SourceHash, "Only file parsing knows the source")
}
