package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"
)

func init() {
	// Register additional charsets that are commonly used in emails
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// imageExtensions names unnamed image parts by content type.
var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/webp": ".webp",
	"image/tiff": ".tiff",
}

// ParseEMLFile parses an .eml file and returns a ParsedEmail
// SourceHash is the sha256 of the raw file.
func ParseEMLFile(filePath string) (*ParsedEmail, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	parsed, err := ParseEML(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	parsed.SourceHash = hex.EncodeToString(sum[:])
	return parsed, nil
}

// ParseEML parses an email from a reader. Inline text/plain parts are joined
// into the body; image/* parts, inline or attached, become attachment metadata.
// Every other part is ignored.
func ParseEML(r io.Reader) (*ParsedEmail, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}

	parsed := &ParsedEmail{}
	header := mr.Header

	parsed.MessageID = strings.TrimSpace(header.Get("Message-Id"))
	parsed.Subject = decodeMIMEWord(header.Get("Subject"))

	if fromAddrs, err := header.AddressList("From"); err == nil && len(fromAddrs) > 0 {
		parsed.Sender = fromAddrs[0].Address
		parsed.SenderName = fromAddrs[0].Name
	}

	if toAddrs, err := header.AddressList("To"); err == nil {
		for _, addr := range toAddrs {
			parsed.Recipients = append(parsed.Recipients, addr.Address)
		}
	}

	// A missing or unparsable Date leaves the zero time; the store then uses
	// its own clock.
	if date, err := header.Date(); err == nil {
		parsed.Date = date
	}

	var bodyParts []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && (part == nil || !message.IsUnknownCharset(err)) {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}

		var (
			contentType string
			params      map[string]string
			filename    string
			attachment  bool
		)
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ = h.ContentType()
			filename = params["name"]
		case *mail.AttachmentHeader:
			contentType, params, _ = h.ContentType()
			filename, _ = h.Filename()
			if filename == "" {
				filename = params["name"]
			}
			attachment = true
		default:
			continue
		}
		contentType = strings.ToLower(contentType)

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read part body: %w", err)
		}

		switch {
		case strings.HasPrefix(contentType, "image/"):
			parsed.Attachments = append(parsed.Attachments, imageAttachment(
				decodeMIMEWord(filename), contentType, data, len(parsed.Attachments)+1))
		case contentType == "text/plain" && !attachment:
			bodyParts = append(bodyParts, string(data))
		}
	}

	parsed.BodyText = strings.Join(bodyParts, "\n")
	return parsed, nil
}

func imageAttachment(filename, contentType string, data []byte, n int) ParsedAttachment {
	if filename == "" {
		ext, ok := imageExtensions[contentType]
		if !ok {
			ext = ".img"
		}
		filename = fmt.Sprintf("image%d%s", n, ext)
	}

	att := ParsedAttachment{
		Filename:    sanitizeFilename(filename),
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	if len(data) > 0 {
		sum := sha256.Sum256(data)
		att.Hash = hex.EncodeToString(sum[:])
	}
	return att
}

// sanitizeFilename strips path components, control characters and quotes.
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)

	cleaned := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 || r == '"' || r == '\'' {
			return -1
		}
		return r
	}, filename)

	if len(cleaned) > 255 {
		cleaned = cleaned[:255]
	}

	if cleaned == "" || cleaned == "." || cleaned == string(filepath.Separator) {
		cleaned = "attachment.bin"
	}

	return cleaned
}

// decodeMIMEWord decodes MIME-encoded words (RFC 2047)
// Example: =?UTF-8?Q?Invitaci=C3=B3n?= -> Invitación
func decodeMIMEWord(s string) string {
	dec := &mime.WordDecoder{CharsetReader: charset.Reader}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
