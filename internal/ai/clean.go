package ai

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// quoteMarkers find where quoted history begins. Only the first marker that
// matches cuts the text, in this order.
var quoteMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i).*?(?:原始邮件|Original Message)`),
	regexp.MustCompile(`(?im)^[ \t>]*(?:From|发件人|Sent|发送时间|收件人|Subject|主题)\s*[:：]`),
	regexp.MustCompile(`[-_]{20,}`),
	regexp.MustCompile(`(?i)\bOn\s.+?wrote\s*:`),
}

// CleanText strips quoted reply history from stored email content. A leading
// "Subject: ..." line, as written at ingest, is kept and not treated as a
// quote header. The result is empty when no new text remains.
func CleanText(content string) string {
	content = norm.NFC.String(strings.ReplaceAll(content, "\r\n", "\n"))

	subject, body := splitSubject(content)
	for _, marker := range quoteMarkers {
		if loc := marker.FindStringIndex(body); loc != nil {
			body = body[:loc[0]]
			break
		}
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	if subject == "" {
		return body
	}
	return subject + "\n\n" + body
}

func splitSubject(content string) (string, string) {
	if !strings.HasPrefix(content, "Subject: ") {
		return "", content
	}
	subject, body, found := strings.Cut(content, "\n\n")
	if !found || strings.Contains(subject, "\n") {
		return "", content
	}
	return subject, body
}
