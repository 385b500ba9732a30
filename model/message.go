package model

import "time"

// Message represents a single email message fetched from the source mailbox.
// Immutable once constructed by the reader.
type Message struct {
	ID       string
	Subject  string
	Sender   string
	Date     time.Time
	BodyText string
	BodyHTML string
}

// ProcessingResult summarises one pipeline run over a batch of messages.
// Sent never exceeds Processed; Errors holds one entry per failed message
// in batch order.
type ProcessingResult struct {
	Processed int
	Sent      int
	Errors    []string
}
