// Package email provides native, read-only IMAP access for the
// regulatory_email adapter (§4.1): direct IMAP connections across
// multiple configured mailboxes, with folder navigation and
// incremental, UID-ordered message listing. There is no outbound or
// mutating surface — the broker only ever reads distribution-list mail.
package email

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// drainLiteral reads and discards the contents of an IMAP literal reader.
// This prevents blocking the IMAP stream when a body section is fetched
// but not consumed. Nil readers are handled gracefully.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Envelope is the summary metadata for an email message, suitable for
// list views and search results.
type Envelope struct {
	// UID is the IMAP unique identifier for this message within its folder.
	UID uint32

	// Date is the message's Date header.
	Date time.Time

	// From is the sender, formatted as "Name <addr>" or just the address.
	From string

	// To is the list of recipients.
	To []string

	// Subject is the message subject line.
	Subject string

	// Flags contains IMAP flags (e.g., \Seen, \Flagged).
	Flags []string

	// Size is the message size in bytes.
	Size uint32
}

// Folder represents an IMAP mailbox with its status counters.
type Folder struct {
	// Name is the full mailbox name (e.g., "INBOX", "Sent", "Archive").
	Name string

	// Attributes contains IMAP mailbox attributes (e.g., \Noselect, \Trash).
	Attributes []string

	// Messages is the total number of messages in the folder.
	Messages uint32

	// Unseen is the count of messages without the \Seen flag.
	Unseen uint32
}

// ListOptions controls the behavior of a ListMessages call.
type ListOptions struct {
	// Folder is the mailbox to list from. Default: "INBOX".
	Folder string

	// Limit is the maximum number of messages to return when SinceUID
	// is zero. Default: 20.
	Limit int

	// Unseen restricts the listing to unseen messages only.
	Unseen bool

	// SinceUID, when set, restricts the listing to messages with UIDs
	// strictly greater than this value and ignores Limit — the
	// incremental-poll path used by the regulatory_email adapter.
	SinceUID uint32
}
