package model

import (
	"fmt"
	"slices"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// validTransitions defines the allowed forward moves. The only backward
// move is failed → queued, the explicit resend action.
var validTransitions = map[Status][]Status{
	StatusQueued:    {StatusSending, StatusSent, StatusFailed},
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	StatusRead:      {},
	StatusFailed:    {StatusQueued},
}

// Advance moves a message to a new status. Returns an error if the
// transition would regress or skip the pipeline.
func (m *Message) Advance(to Status) error {
	if m.Status == to {
		return nil
	}
	allowed := validTransitions[m.Status]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid message status transition %s -> %s", m.Status, to)
	}
	m.Status = to
	return nil
}

// Terminal reports whether no further delivery progress is possible.
func (s Status) Terminal() bool {
	return s == StatusRead
}
