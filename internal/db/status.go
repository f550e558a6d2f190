package db

import "fmt"

// Status is the AI-processing state of an email.
type Status string

const (
	StatusUnprocessed Status = "unprocessed"
	StatusProcessing  Status = "processing"
	StatusProcessed   Status = "processed"
	StatusFailed      Status = "failed"
)

// ReplyStatus tracks dispatch of the generated reply.
type ReplyStatus string

const (
	ReplyPending ReplyStatus = "pending"
	ReplySent    ReplyStatus = "sent"
	ReplyFailed  ReplyStatus = "failed"
)

// transitions is the processing state graph the guarded UPDATEs in
// transitions.go implement. failed -> processing is the direct retry path taken
// by BeginProcessing; failed -> unprocessed is RequeueFailed.
var transitions = map[Status][]Status{
	StatusUnprocessed: {StatusProcessing},
	StatusProcessing:  {StatusProcessed, StatusFailed},
	StatusFailed:      {StatusUnprocessed, StatusProcessing},
	StatusProcessed:   nil,
}

func (s Status) valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) canTransition(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

func (r ReplyStatus) valid() bool {
	switch r {
	case ReplyPending, ReplySent, ReplyFailed:
		return true
	}
	return false
}

// LegacyStatus maps the numeric is_processed codes written by older
// deployments onto the status enum. The migration treats an unknown code as
// unprocessed and logs it.
func LegacyStatus(code int) (Status, error) {
	switch code {
	case 0:
		return StatusUnprocessed, nil
	case 1:
		return StatusProcessed, nil
	case 2:
		return StatusProcessing, nil
	case 3:
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown legacy is_processed code %d", code)
}
