package interfaces

import (
	"context"

	"github.com/mailtide/mailtide/internal/models"
)

// FetchResult is what a receiving client reports for one folder.
type FetchResult struct {
	Emails      []*models.Email
	TotalCount  int
	UnreadCount int
}

// MailReceiver fetches messages from a remote mailbox. Both the IMAP and
// POP3 clients implement it; limit caps the number of messages returned,
// newest first.
type MailReceiver interface {
	ProtocolClient
	FetchMessages(ctx context.Context, folder string, limit int) (*FetchResult, error)
	DeleteMessage(ctx context.Context, folder, id string) error
}

// MailFlagOperator covers the flag mutations only IMAP supports.
type MailFlagOperator interface {
	MarkRead(ctx context.Context, folder, id string) error
	MarkUnread(ctx context.Context, folder, id string) error
	Flag(ctx context.Context, folder, id string) error
	Unflag(ctx context.Context, folder, id string) error
}

// MailSender delivers outbound messages.
type MailSender interface {
	ProtocolClient
	Send(ctx context.Context, email *models.OutboundEmail) error
}
