package email

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtide/mailtide/config"
	"github.com/mailtide/mailtide/interfaces"
	"github.com/mailtide/mailtide/internal/enum"
	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/models"
	"github.com/mailtide/mailtide/internal/storage"
	"github.com/mailtide/mailtide/services/accounts"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

// fakeReceiver scripts the live side of a folder load and records the flag
// and delete calls the service makes against it.
type fakeReceiver struct {
	account  *models.Account
	protocol enum.Protocol
	status   enum.ConnectionStatus

	fetchResult *interfaces.FetchResult
	fetchErr    error
	flagErr     error
	writeCounts bool

	markedRead   []string
	markedUnread []string
	flagged      []string
	unflagged    []string
	deleted      []string
}

func (f *fakeReceiver) Connect(ctx context.Context) error {
	f.status = enum.ConnectionConnected
	f.account.SetStatus(f.protocol, enum.ConnectionConnected)
	return nil
}

func (f *fakeReceiver) Disconnect() error {
	f.status = enum.ConnectionDisconnected
	f.account.SetStatus(f.protocol, enum.ConnectionDisconnected)
	return nil
}

func (f *fakeReceiver) Status() enum.ConnectionStatus { return f.status }

func (f *fakeReceiver) FetchMessages(ctx context.Context, folder string, limit int) (*interfaces.FetchResult, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.fetchResult != nil {
		if f.writeCounts {
			f.account.SetCounts(f.fetchResult.TotalCount, f.fetchResult.UnreadCount)
		}
		return f.fetchResult, nil
	}
	return &interfaces.FetchResult{}, nil
}

func (f *fakeReceiver) DeleteMessage(ctx context.Context, folder, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeReceiver) MarkRead(ctx context.Context, folder, id string) error {
	if f.flagErr != nil {
		return f.flagErr
	}
	f.markedRead = append(f.markedRead, id)
	return nil
}

func (f *fakeReceiver) MarkUnread(ctx context.Context, folder, id string) error {
	if f.flagErr != nil {
		return f.flagErr
	}
	f.markedUnread = append(f.markedUnread, id)
	return nil
}

func (f *fakeReceiver) Flag(ctx context.Context, folder, id string) error {
	if f.flagErr != nil {
		return f.flagErr
	}
	f.flagged = append(f.flagged, id)
	return nil
}

func (f *fakeReceiver) Unflag(ctx context.Context, folder, id string) error {
	if f.flagErr != nil {
		return f.flagErr
	}
	f.unflagged = append(f.unflagged, id)
	return nil
}

type fakeSender struct {
	account *models.Account
	status  enum.ConnectionStatus

	sendErr error
	sent    []*models.OutboundEmail
}

func (f *fakeSender) Connect(ctx context.Context) error {
	f.status = enum.ConnectionConnected
	f.account.SetStatus(enum.ProtocolSMTP, enum.ConnectionConnected)
	return nil
}

func (f *fakeSender) Disconnect() error {
	f.status = enum.ConnectionDisconnected
	return nil
}

func (f *fakeSender) Status() enum.ConnectionStatus { return f.status }

func (f *fakeSender) Send(ctx context.Context, email *models.OutboundEmail) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, email)
	return nil
}

type fixture struct {
	service      *Service
	store        interfaces.EmailStore
	orchestrator *accounts.Orchestrator
	receiver     *fakeReceiver
	sender       *fakeSender
}

func newFixture(t *testing.T) *fixture {
	return newFixtureFor(t, models.AccountConfig{
		ID:    "acct1",
		Name:  "Test",
		Email: "test@example.com",
		IMAP:  &models.ServerConfig{Host: "imap.example.com", Port: 993},
		SMTP:  models.ServerConfig{Host: "smtp.example.com", Port: 587},
	})
}

func newPop3Fixture(t *testing.T) *fixture {
	return newFixtureFor(t, models.AccountConfig{
		ID:    "acct1",
		Name:  "Test",
		Email: "test@example.com",
		POP3:  &models.ServerConfig{Host: "pop.example.com", Port: 995},
		SMTP:  models.ServerConfig{Host: "smtp.example.com", Port: 587},
	})
}

func newFixtureFor(t *testing.T, cfg models.AccountConfig) *fixture {
	t.Helper()

	configStore, err := config.NewAccountsStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)
	require.NoError(t, configStore.AddAccount(cfg))

	store, err := storage.NewCacheStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fx := &fixture{store: store}
	fx.orchestrator = accounts.NewOrchestrator(getLogger(), configStore, store, 0)
	fx.orchestrator.SetClientFactory(func(account *models.Account) *accounts.ClientSet {
		fx.sender = &fakeSender{account: account}
		cs := &accounts.ClientSet{SMTP: fx.sender}
		c := account.Config()
		if c.HasIMAP() {
			fx.receiver = &fakeReceiver{account: account, protocol: enum.ProtocolIMAP}
			cs.IMAP = fx.receiver
		}
		if c.HasPOP3() {
			fx.receiver = &fakeReceiver{account: account, protocol: enum.ProtocolPOP3}
			cs.POP3 = fx.receiver
		}
		return cs
	})
	require.NoError(t, fx.orchestrator.LoadAccounts(context.Background()))

	fx.service = NewService(getLogger(), fx.orchestrator, store, nil)
	return fx
}

func testEmail(id, folder string, receivedAt time.Time) *models.Email {
	return &models.Email{
		ID:          id,
		AccountID:   "acct1",
		Folder:      folder,
		Subject:     "subject " + id,
		FromAddress: "sender@example.com",
		ReceivedAt:  receivedAt,
	}
}

func TestLoadEmails_MergesCachedAndFetched(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	cachedOnly := testEmail("old", "INBOX", base)
	stale := testEmail("shared", "INBOX", base.Add(time.Hour))
	stale.Read = false
	require.NoError(t, fx.store.PutEmail(ctx, cachedOnly))
	require.NoError(t, fx.store.PutEmail(ctx, stale))

	fresh := testEmail("shared", "INBOX", base.Add(time.Hour))
	fresh.Read = true
	newest := testEmail("new", "INBOX", base.Add(2*time.Hour))
	fx.receiver.Connect(ctx)
	fx.receiver.fetchResult = &interfaces.FetchResult{
		Emails:      []*models.Email{fresh, newest},
		TotalCount:  2,
		UnreadCount: 1,
	}

	// Act
	result, err := fx.service.LoadEmails(ctx, "acct1", "INBOX", 0)

	// Assert
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Empty(t, result.Status)
	require.Len(t, result.Emails, 3)
	assert.Equal(t, "new", result.Emails[0].ID)
	assert.Equal(t, "shared", result.Emails[1].ID)
	assert.Equal(t, "old", result.Emails[2].ID)
	// The fetched copy wins over the stale cached one.
	assert.True(t, result.Emails[1].Read)

	stored, err := fx.store.GetEmail(ctx, "acct1", "INBOX", "new")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestLoadEmails_OfflineFallsBackToCache(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	cached := testEmail("m1", "INBOX", time.Now())
	require.NoError(t, fx.store.PutEmail(ctx, cached))

	// Act
	result, err := fx.service.LoadEmails(ctx, "acct1", "INBOX", 0)

	// Assert
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Equal(t, "offline: showing cached messages", result.Status)
	require.Len(t, result.Emails, 1)
	assert.Equal(t, "m1", result.Emails[0].ID)
}

func TestLoadEmails_FetchFailureFallsBackToCache(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	cached := testEmail("m1", "INBOX", time.Now())
	require.NoError(t, fx.store.PutEmail(ctx, cached))
	fx.receiver.Connect(ctx)
	fx.receiver.fetchErr = assert.AnError

	// Act
	result, err := fx.service.LoadEmails(ctx, "acct1", "INBOX", 0)

	// Assert
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Equal(t, "fetch over imap failed: showing cached messages", result.Status)
	require.Len(t, result.Emails, 1)
}

// listFailingStore wraps a working store but fails every folder listing.
type listFailingStore struct {
	interfaces.EmailStore
}

func (s *listFailingStore) ListEmails(ctx context.Context, accountID, folder string) ([]*models.Email, error) {
	return nil, assert.AnError
}

func TestLoadEmails_CacheReadFailureDegrades(t *testing.T) {
	// Arrange: the cache errors on read; the live fetch still works and must
	// carry the load instead of the error aborting it.
	fx := newFixture(t)
	ctx := context.Background()
	service := NewService(getLogger(), fx.orchestrator, &listFailingStore{EmailStore: fx.store}, nil)

	fetched := testEmail("m1", "INBOX", time.Now())
	fx.receiver.Connect(ctx)
	fx.receiver.fetchResult = &interfaces.FetchResult{
		Emails:      []*models.Email{fetched},
		TotalCount:  1,
		UnreadCount: 1,
	}

	// Act
	result, err := service.LoadEmails(ctx, "acct1", "INBOX", 0)

	// Assert
	require.NoError(t, err)
	require.Len(t, result.Emails, 1)
	assert.Equal(t, "m1", result.Emails[0].ID)
	assert.Equal(t, 1, result.TotalCount)

	stored, err := fx.store.GetEmail(ctx, "acct1", "INBOX", "m1")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestLoadEmails_CacheReadFailureOffline(t *testing.T) {
	// Arrange: cache errors and nothing is connected; the load degrades to
	// an empty offline view rather than returning the error.
	fx := newFixture(t)
	service := NewService(getLogger(), fx.orchestrator, &listFailingStore{EmailStore: fx.store}, nil)

	// Act
	result, err := service.LoadEmails(context.Background(), "acct1", "INBOX", 0)

	// Assert
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Equal(t, "offline: showing cached messages", result.Status)
	assert.Empty(t, result.Emails)
}

func TestLoadEmails_Pop3OnlyAccount(t *testing.T) {
	// Arrange: three messages on the server, window of two. The POP3 client
	// is the selected receiver, returns messages 2 and 3 and writes the
	// server counts onto the account.
	fx := newPop3Fixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	second := testEmail("m2@example.com", "INBOX", base.Add(time.Hour))
	third := testEmail("m3@example.com", "INBOX", base.Add(2*time.Hour))
	fx.receiver.Connect(ctx)
	fx.receiver.writeCounts = true
	fx.receiver.fetchResult = &interfaces.FetchResult{
		Emails:      []*models.Email{second, third},
		TotalCount:  3,
		UnreadCount: 3,
	}

	// Act
	result, err := fx.service.LoadEmails(ctx, "acct1", "INBOX", 2)

	// Assert
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, 3, result.TotalCount)
	assert.Equal(t, 3, result.UnreadCount)
	require.Len(t, result.Emails, 2)
	assert.Equal(t, "m3@example.com", result.Emails[0].ID)
	assert.Equal(t, "m2@example.com", result.Emails[1].ID)

	account, err := fx.orchestrator.Account("acct1")
	require.NoError(t, err)
	total, unread := account.Counts()
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, unread)
}

func TestLoadEmails_Pop3RefetchKeepsLocalFlags(t *testing.T) {
	// Arrange: the message was marked read and flagged locally; POP3 has no
	// flag state, so a refetch must not reset it.
	fx := newPop3Fixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	cached := testEmail("m1@example.com", "INBOX", base)
	cached.Read = true
	cached.Flagged = true
	require.NoError(t, fx.store.PutEmail(ctx, cached))

	refetched := testEmail("m1@example.com", "INBOX", base)
	fx.receiver.Connect(ctx)
	fx.receiver.fetchResult = &interfaces.FetchResult{
		Emails:      []*models.Email{refetched},
		TotalCount:  1,
		UnreadCount: 1,
	}

	// Act
	result, err := fx.service.LoadEmails(ctx, "acct1", "INBOX", 0)

	// Assert
	require.NoError(t, err)
	require.Len(t, result.Emails, 1)
	assert.True(t, result.Emails[0].Read)
	assert.True(t, result.Emails[0].Flagged)

	stored, err := fx.store.GetEmail(ctx, "acct1", "INBOX", "m1@example.com")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Read)
	assert.True(t, stored.Flagged)
}

func TestLoadEmails_UnknownAccount(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.service.LoadEmails(context.Background(), "nope", "INBOX", 0)

	assert.Error(t, err)
}

func TestMarkRead_UpdatesServerThenCache(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	email := testEmail("m1", "INBOX", time.Now())
	email.Read = false
	require.NoError(t, fx.store.PutEmail(ctx, email))
	fx.receiver.Connect(ctx)

	// Act
	err := fx.service.MarkRead(ctx, "acct1", "INBOX", "m1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, fx.receiver.markedRead)
	stored, err := fx.store.GetEmail(ctx, "acct1", "INBOX", "m1")
	require.NoError(t, err)
	assert.True(t, stored.Read)
}

func TestMarkRead_ServerFailureLeavesCacheUntouched(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	email := testEmail("m1", "INBOX", time.Now())
	email.Read = false
	require.NoError(t, fx.store.PutEmail(ctx, email))
	fx.receiver.Connect(ctx)
	fx.receiver.flagErr = assert.AnError

	// Act
	err := fx.service.MarkRead(ctx, "acct1", "INBOX", "m1")

	// Assert
	assert.Error(t, err)
	stored, getErr := fx.store.GetEmail(ctx, "acct1", "INBOX", "m1")
	require.NoError(t, getErr)
	assert.False(t, stored.Read)
}

func TestFlagEmail_RoundTrip(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	email := testEmail("m1", "INBOX", time.Now())
	require.NoError(t, fx.store.PutEmail(ctx, email))
	fx.receiver.Connect(ctx)

	// Act
	require.NoError(t, fx.service.FlagEmail(ctx, "acct1", "INBOX", "m1"))
	flaggedCopy, err := fx.store.GetEmail(ctx, "acct1", "INBOX", "m1")
	require.NoError(t, err)
	require.NoError(t, fx.service.UnflagEmail(ctx, "acct1", "INBOX", "m1"))
	unflaggedCopy, err := fx.store.GetEmail(ctx, "acct1", "INBOX", "m1")
	require.NoError(t, err)

	// Assert
	assert.Equal(t, []string{"m1"}, fx.receiver.flagged)
	assert.Equal(t, []string{"m1"}, fx.receiver.unflagged)
	assert.True(t, flaggedCopy.Flagged)
	assert.False(t, unflaggedCopy.Flagged)
}

func TestSendEmail_CachesSentCopy(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	outbound := &models.OutboundEmail{
		FromAddress: "test@example.com",
		ToAddresses: []string{"dest@example.com"},
		Subject:     "Hello",
		BodyText:    "Body",
	}

	// Act
	err := fx.service.SendEmail(ctx, "acct1", outbound)

	// Assert
	require.NoError(t, err)
	require.Len(t, fx.sender.sent, 1)

	sent, err := fx.store.ListEmails(ctx, "acct1", "Sent")
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "Hello", sent[0].Subject)
	assert.True(t, sent[0].Read)
	assert.Equal(t, enum.EmailOutbound, sent[0].Direction)
}

func TestSendEmail_ServerFailureDoesNotCache(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	fx.sender.sendErr = assert.AnError

	// Act
	err := fx.service.SendEmail(ctx, "acct1", &models.OutboundEmail{
		ToAddresses: []string{"dest@example.com"},
		Subject:     "Hello",
		BodyText:    "Body",
	})

	// Assert
	assert.Error(t, err)
	sent, listErr := fx.store.ListEmails(ctx, "acct1", "Sent")
	require.NoError(t, listErr)
	assert.Empty(t, sent)
}

func TestDeleteEmail_RequiresLiveConnection(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	email := testEmail("m1", "INBOX", time.Now())
	require.NoError(t, fx.store.PutEmail(ctx, email))

	// Act
	err := fx.service.DeleteEmail(ctx, "acct1", "INBOX", "m1")

	// Assert
	assert.Error(t, err)
	stored, getErr := fx.store.GetEmail(ctx, "acct1", "INBOX", "m1")
	require.NoError(t, getErr)
	assert.NotNil(t, stored)
}

func TestDeleteEmail_RemovesFromServerAndCache(t *testing.T) {
	// Arrange
	fx := newFixture(t)
	ctx := context.Background()
	email := testEmail("m1", "INBOX", time.Now())
	require.NoError(t, fx.store.PutEmail(ctx, email))
	fx.receiver.Connect(ctx)

	// Act
	err := fx.service.DeleteEmail(ctx, "acct1", "INBOX", "m1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, fx.receiver.deleted)
	stored, getErr := fx.store.GetEmail(ctx, "acct1", "INBOX", "m1")
	require.NoError(t, getErr)
	assert.Nil(t, stored)
}

func TestGetEmail_MissingFromCache(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.service.GetEmail(context.Background(), "acct1", "INBOX", "nope")

	assert.Error(t, err)
}
