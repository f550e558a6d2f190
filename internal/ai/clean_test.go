package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "Plain body",
			content: "Hello, my order has not arrived.",
			want:    "Hello, my order has not arrived.",
		},
		{
			name:    "Subject line is kept",
			content: "Subject: Order 42\n\nWhere is my order?",
			want:    "Subject: Order 42\n\nWhere is my order?",
		},
		{
			name:    "Original message marker",
			content: "Subject: Re: Order\n\nThanks!\n\n-----Original Message-----\nFrom: shop@example.com\nOld text",
			want:    "Subject: Re: Order\n\nThanks!",
		},
		{
			name:    "Chinese original message marker",
			content: "好的，谢谢\n\n------------------ 原始邮件 ------------------\n发件人: a@b.com",
			want:    "好的，谢谢",
		},
		{
			name:    "Quoted header block",
			content: "See below.\n\nFrom: support@example.com\nSent: Monday\nSubject: Hi",
			want:    "See below.",
		},
		{
			name:    "Full-width colon header",
			content: "收到\n发件人：someone@example.com",
			want:    "收到",
		},
		{
			name:    "Long rule line",
			content: "New question here\n________________________________\nolder thread",
			want:    "New question here",
		},
		{
			name:    "Gmail attribution",
			content: "Sounds good.\n\nOn Mon, Feb 2, 2026 at 10:00 AM Support <support@example.com> wrote:\n> old",
			want:    "Sounds good.",
		},
		{
			name:    "Inline colon is not a header",
			content: "The reason: From what I can tell it broke yesterday.",
			want:    "The reason: From what I can tell it broke yesterday.",
		},
		{
			name:    "Only quoted history",
			content: "Subject: Re: Hi\n\n-----Original Message-----\nold",
			want:    "",
		},
		{
			name:    "Subject without body",
			content: "Subject: Empty",
			want:    "",
		},
		{
			name:    "Empty",
			content: "   \n\n ",
			want:    "",
		},
		{
			name:    "CRLF line endings",
			content: "Subject: Hi\r\n\r\nBody line\r\nOn Tue someone wrote:\r\nold",
			want:    "Subject: Hi\n\nBody line",
		},
		{
			name:    "Decomposed accents are composed",
			content: "Café question",
			want:    "Café question",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.content))
		})
	}
}
