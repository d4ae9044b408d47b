package interfaces

import (
	"context"

	"github.com/mailtide/mailtide/internal/models"
)

// EmailStore is the offline cache. Implementations are safe for concurrent
// use and keep working when every server is unreachable.
type EmailStore interface {
	PutEmail(ctx context.Context, email *models.Email) error
	GetEmail(ctx context.Context, accountID, folder, id string) (*models.Email, error)
	ListEmails(ctx context.Context, accountID, folder string) ([]*models.Email, error)
	DeleteEmail(ctx context.Context, accountID, folder, id string) error
	PutAccountSummary(ctx context.Context, summary models.AccountSummary) error
	GetAccountSummary(ctx context.Context, accountID string) (*models.AccountSummary, error)
	DeleteAccount(ctx context.Context, accountID string) error
	Close() error
}
