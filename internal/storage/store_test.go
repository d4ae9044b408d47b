package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtide/mailtide/internal/models"
)

func newTestStore(t *testing.T) *CacheStore {
	t.Helper()
	store, err := NewCacheStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store.(*CacheStore)
}

func testEmail(accountID, folder, id string, sentAt time.Time) *models.Email {
	return &models.Email{
		ID:          id,
		AccountID:   accountID,
		Folder:      folder,
		Subject:     "subject " + id,
		FromAddress: "sender@example.com",
		SentAt:      &sentAt,
		ReceivedAt:  sentAt,
	}
}

func TestCacheStore_PutGetEmail(t *testing.T) {
	// Arrange
	store := newTestStore(t)
	ctx := context.Background()
	email := testEmail("acct1", "INBOX", "msg1", time.Now().UTC())

	// Act
	err := store.PutEmail(ctx, email)
	require.NoError(t, err)
	got, err := store.GetEmail(ctx, "acct1", "INBOX", "msg1")

	// Assert
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, email.ID, got.ID)
	assert.Equal(t, email.Subject, got.Subject)
	assert.Equal(t, email.FromAddress, got.FromAddress)
}

func TestCacheStore_GetEmail_Missing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetEmail(context.Background(), "acct1", "INBOX", "nope")

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheStore_ListEmails_NewestFirstAndScoped(t *testing.T) {
	// Arrange
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutEmail(ctx, testEmail("acct1", "INBOX", "old", base)))
	require.NoError(t, store.PutEmail(ctx, testEmail("acct1", "INBOX", "new", base.Add(time.Hour))))
	require.NoError(t, store.PutEmail(ctx, testEmail("acct1", "Archive", "other-folder", base)))
	require.NoError(t, store.PutEmail(ctx, testEmail("acct2", "INBOX", "other-account", base)))

	// Act
	emails, err := store.ListEmails(ctx, "acct1", "INBOX")

	// Assert
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Equal(t, "new", emails[0].ID)
	assert.Equal(t, "old", emails[1].ID)
}

func TestCacheStore_ListEmails_SeparatorInFolderName(t *testing.T) {
	// Arrange: a folder whose name contains the key separator must not
	// shadow another folder's prefix.
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.PutEmail(ctx, testEmail("acct1", "a", "plain", now)))
	require.NoError(t, store.PutEmail(ctx, testEmail("acct1", "a:b", "colon", now)))

	// Act
	plain, err := store.ListEmails(ctx, "acct1", "a")
	require.NoError(t, err)
	colon, err := store.ListEmails(ctx, "acct1", "a:b")
	require.NoError(t, err)

	// Assert
	require.Len(t, plain, 1)
	assert.Equal(t, "plain", plain[0].ID)
	require.Len(t, colon, 1)
	assert.Equal(t, "colon", colon[0].ID)

	got, err := store.GetEmail(ctx, "acct1", "a:b", "colon")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestCacheStore_DeleteEmail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutEmail(ctx, testEmail("acct1", "INBOX", "msg1", time.Now().UTC())))

	require.NoError(t, store.DeleteEmail(ctx, "acct1", "INBOX", "msg1"))

	got, err := store.GetEmail(ctx, "acct1", "INBOX", "msg1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheStore_AccountSummaryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	summary := models.AccountSummary{
		ID:          "acct1",
		Name:        "Personal",
		Email:       "me@example.com",
		UnreadCount: 3,
		TotalCount:  10,
		Folders:     []string{"INBOX", "Sent"},
	}

	require.NoError(t, store.PutAccountSummary(ctx, summary))
	got, err := store.GetAccountSummary(ctx, "acct1")

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, summary, *got)
}

func TestCacheStore_DeleteAccount_Cascades(t *testing.T) {
	// Arrange
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.PutEmail(ctx, testEmail("acct1", "INBOX", "a", now)))
	require.NoError(t, store.PutEmail(ctx, testEmail("acct1", "Archive", "b", now)))
	require.NoError(t, store.PutEmail(ctx, testEmail("acct2", "INBOX", "c", now)))
	require.NoError(t, store.PutAccountSummary(ctx, models.AccountSummary{ID: "acct1"}))

	// Act
	require.NoError(t, store.DeleteAccount(ctx, "acct1"))

	// Assert
	inbox, err := store.ListEmails(ctx, "acct1", "INBOX")
	require.NoError(t, err)
	assert.Empty(t, inbox)

	archive, err := store.ListEmails(ctx, "acct1", "Archive")
	require.NoError(t, err)
	assert.Empty(t, archive)

	summary, err := store.GetAccountSummary(ctx, "acct1")
	require.NoError(t, err)
	assert.Nil(t, summary)

	untouched, err := store.ListEmails(ctx, "acct2", "INBOX")
	require.NoError(t, err)
	assert.Len(t, untouched, 1)
}
