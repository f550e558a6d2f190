package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// Attachment is the metadata kept for one attachment. The binary content
// lives in external storage addressed by URL.
type Attachment struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Hash        string `json:"hash"`
}

// Attachments is the ordered attachment list stored as JSON in attachment_info.
type Attachments []Attachment

// TotalSize returns the sum of the individual attachment sizes.
func (a Attachments) TotalSize() int64 {
	var total int64
	for _, att := range a {
		total += att.Size
	}
	return total
}

// Validate checks the entries without modifying them.
func (a Attachments) Validate() error {
	for i, att := range a {
		if att.Size < 0 {
			return fmt.Errorf("attachment %d (%s) has negative size %d", i, att.Filename, att.Size)
		}
	}
	return nil
}

// Value stores the list as a JSON array, or NULL when empty.
func (a Attachments) Value() (driver.Value, error) {
	if len(a) == 0 {
		return nil, nil
	}
	b, err := json.Marshal([]Attachment(a))
	if err != nil {
		return nil, fmt.Errorf("failed to encode attachment info: %w", err)
	}
	return string(b), nil
}

// Scan reads the JSON array written by Value.
func (a *Attachments) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported Scan type for Attachments: %T", value)
	}
	if len(raw) == 0 {
		*a = nil
		return nil
	}
	var list []Attachment
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("failed to decode attachment info: %w", err)
	}
	*a = list
	return nil
}

// ParseAttachmentInfo decodes attachment metadata supplied by the fetcher.
// Empty input and JSON null yield an empty list. Anything that is not an
// array of attachment objects with non-negative sizes is an error.
func ParseAttachmentInfo(raw []byte) (Attachments, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list Attachments
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("malformed attachment info: %w", err)
	}
	for i := range list {
		if list[i] == (Attachment{}) {
			return nil, errors.New("malformed attachment info: empty attachment entry")
		}
	}
	if err := list.Validate(); err != nil {
		return nil, fmt.Errorf("malformed attachment info: %w", err)
	}
	return list, nil
}
