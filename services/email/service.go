package email

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailtide/mailtide/interfaces"
	"github.com/mailtide/mailtide/internal/enum"
	mailtide_errors "github.com/mailtide/mailtide/internal/errors"
	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/models"
	"github.com/mailtide/mailtide/internal/tracing"
	"github.com/mailtide/mailtide/internal/utils"
	"github.com/mailtide/mailtide/services/accounts"
)

// LoadResult is what a folder load returns: the merged message list plus a
// human-readable status when the live fetch could not happen.
type LoadResult struct {
	Emails      []*models.Email
	TotalCount  int
	UnreadCount int
	FromCache   bool
	Status      string
}

// Service is the offline-first mail engine. Reads always start from the
// cache and merge in live results when a receiving connection is up;
// mutations go to the server first and only touch the cache after the
// server accepted them.
type Service struct {
	log          logger.Logger
	orchestrator *accounts.Orchestrator
	store        interfaces.EmailStore
	fetchLimit   int
}

func NewService(log logger.Logger, orchestrator *accounts.Orchestrator, store interfaces.EmailStore, fetchLimit *int) *Service {
	return &Service{
		log:          log,
		orchestrator: orchestrator,
		store:        store,
		fetchLimit:   utils.GetOrDefault(fetchLimit, 50),
	}
}

// LoadEmails returns the folder content for one account. The cached messages
// are the baseline; when a receiver is connected the newest `limit` messages
// are fetched, stored and merged in. A failed live fetch degrades to cache
// with a status message instead of failing the load. limit <= 0 uses the
// configured default.
func (s *Service) LoadEmails(ctx context.Context, accountID, folder string, limit int) (*LoadResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "EmailService.LoadEmails")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)
	tracing.TagFolder(span, folder)

	account, err := s.orchestrator.Account(accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	cached, err := s.store.ListEmails(ctx, accountID, folder)
	if err != nil {
		// A broken cache must not take down the view; treat it as no
		// cached data and let a live fetch repopulate it.
		tracing.TraceErr(span, err)
		s.log.Errorf("cache read failed for account %s folder %s: %v", accountID, folder, err)
		cached = nil
	}

	receiver, protocol := s.connectedReceiver(accountID, account)
	if receiver == nil {
		total, unread := account.Counts()
		return &LoadResult{
			Emails:      cached,
			TotalCount:  total,
			UnreadCount: unread,
			FromCache:   true,
			Status:      "offline: showing cached messages",
		}, nil
	}

	if limit <= 0 {
		limit = s.fetchLimit
	}

	result, err := receiver.FetchMessages(ctx, folder, limit)
	if err != nil {
		tracing.TraceErr(span, err)
		s.log.Warnf("live fetch failed for account %s folder %s: %v", accountID, folder, err)
		total, unread := account.Counts()
		return &LoadResult{
			Emails:      cached,
			TotalCount:  total,
			UnreadCount: unread,
			FromCache:   true,
			Status:      fmt.Sprintf("fetch over %s failed: showing cached messages", protocol),
		}, nil
	}

	if protocol == enum.ProtocolPOP3 {
		preserveLocalFlags(cached, result.Emails)
	}

	for _, email := range result.Emails {
		if err := s.store.PutEmail(ctx, email); err != nil {
			s.log.Errorf("failed to cache message %s: %v", email.ID, err)
		}
	}
	s.persistSummary(ctx, account)

	merged := mergeEmails(cached, result.Emails)
	span.LogKV("cached.count", len(cached), "fetched.count", len(result.Emails), "merged.count", len(merged))

	return &LoadResult{
		Emails:      merged,
		TotalCount:  result.TotalCount,
		UnreadCount: result.UnreadCount,
	}, nil
}

// preserveLocalFlags carries Read and Flagged from the cached copies onto
// refetched messages. POP3 has no flag model, so a refetch would otherwise
// reset state the user set locally.
func preserveLocalFlags(cached, fetched []*models.Email) {
	byID := make(map[string]*models.Email, len(cached))
	for _, email := range cached {
		byID[email.ID] = email
	}
	for _, email := range fetched {
		if prior, ok := byID[email.ID]; ok {
			email.Read = prior.Read
			email.Flagged = prior.Flagged
		}
	}
}

// mergeEmails unions cached and freshly fetched messages by ID. The fetched
// copy wins on conflict since its flags are current; cached messages the
// server no longer returns stay visible.
func mergeEmails(cached, fetched []*models.Email) []*models.Email {
	seen := make(map[string]bool, len(fetched))
	merged := make([]*models.Email, 0, len(cached)+len(fetched))

	for _, email := range fetched {
		seen[email.ID] = true
		merged = append(merged, email)
	}
	for _, email := range cached {
		if !seen[email.ID] {
			merged = append(merged, email)
		}
	}

	models.SortEmailsNewestFirst(merged)
	return merged
}

// GetEmail reads one message from the cache.
func (s *Service) GetEmail(ctx context.Context, accountID, folder, id string) (*models.Email, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "EmailService.GetEmail")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	email, err := s.store.GetEmail(ctx, accountID, folder, id)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if email == nil {
		return nil, errors.Errorf("message %s not found in cache", id)
	}
	return email, nil
}

// SendEmail delivers through the account's SMTP client and, once the server
// accepted the message, records an outbound copy in the cache.
func (s *Service) SendEmail(ctx context.Context, accountID string, outbound *models.OutboundEmail) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "EmailService.SendEmail")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	clients, err := s.orchestrator.Clients(accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if clients.SMTP == nil {
		return errors.Wrap(mailtide_errors.ErrConfigMissing, "no smtp client for account")
	}

	outbound.AccountID = accountID
	if err := clients.SMTP.Send(ctx, outbound); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	sent := outboundToEmail(accountID, outbound)
	if err := s.store.PutEmail(ctx, sent); err != nil {
		s.log.Errorf("failed to cache sent message for account %s: %v", accountID, err)
	}
	return nil
}

func outboundToEmail(accountID string, outbound *models.OutboundEmail) *models.Email {
	now := utils.Now()
	email := &models.Email{
		AccountID:    accountID,
		Folder:       "Sent",
		Subject:      outbound.Subject,
		CleanSubject: utils.NormalizeEmailSubject(outbound.Subject),
		FromName:     outbound.FromName,
		FromAddress:  outbound.FromAddress,
		ToAddresses:  outbound.ToAddresses,
		CcAddresses:  outbound.CcAddresses,
		BccAddresses: outbound.BccAddresses,
		SentAt:       &now,
		ReceivedAt:   now,
		BodyText:     outbound.BodyText,
		BodyHTML:     outbound.BodyHTML,
		InReplyTo:    outbound.InReplyTo,
		References:   outbound.References,
		Read:         true,
		Direction:    enum.EmailOutbound,
		Attachments:  outbound.Attachments,
	}
	email.ID = email.Fingerprint()
	return email
}

// MarkRead flags the message seen on the server, then in the cache.
func (s *Service) MarkRead(ctx context.Context, accountID, folder, id string) error {
	return s.mutateFlags(ctx, "EmailService.MarkRead", accountID, folder, id,
		func(op interfaces.MailFlagOperator) error { return op.MarkRead(ctx, folder, id) },
		func(email *models.Email) { email.Read = true })
}

// MarkUnread clears the seen flag on the server, then in the cache.
func (s *Service) MarkUnread(ctx context.Context, accountID, folder, id string) error {
	return s.mutateFlags(ctx, "EmailService.MarkUnread", accountID, folder, id,
		func(op interfaces.MailFlagOperator) error { return op.MarkUnread(ctx, folder, id) },
		func(email *models.Email) { email.Read = false })
}

// FlagEmail marks the message flagged on the server, then in the cache.
func (s *Service) FlagEmail(ctx context.Context, accountID, folder, id string) error {
	return s.mutateFlags(ctx, "EmailService.FlagEmail", accountID, folder, id,
		func(op interfaces.MailFlagOperator) error { return op.Flag(ctx, folder, id) },
		func(email *models.Email) { email.Flagged = true })
}

// UnflagEmail clears the flag on the server, then in the cache.
func (s *Service) UnflagEmail(ctx context.Context, accountID, folder, id string) error {
	return s.mutateFlags(ctx, "EmailService.UnflagEmail", accountID, folder, id,
		func(op interfaces.MailFlagOperator) error { return op.Unflag(ctx, folder, id) },
		func(email *models.Email) { email.Flagged = false })
}

// mutateFlags is the remote-first mutation path: the server operation must
// succeed before the cached copy changes, so the cache never claims state
// the server refused.
func (s *Service) mutateFlags(ctx context.Context, operationName, accountID, folder, id string,
	remote func(interfaces.MailFlagOperator) error, local func(*models.Email),
) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, operationName)
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)
	tracing.TagFolder(span, folder)

	operator, err := s.flagOperator(accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if err := remote(operator); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	email, err := s.store.GetEmail(ctx, accountID, folder, id)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if email == nil {
		return nil
	}

	local(email)
	return s.store.PutEmail(ctx, email)
}

// DeleteEmail removes the message on the server first, then from the cache.
func (s *Service) DeleteEmail(ctx context.Context, accountID, folder, id string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "EmailService.DeleteEmail")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)
	tracing.TagFolder(span, folder)

	account, err := s.orchestrator.Account(accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	receiver, _ := s.connectedReceiver(accountID, account)
	if receiver == nil {
		return errors.Wrap(mailtide_errors.ErrNotConnected, "delete requires a live connection")
	}

	if err := receiver.DeleteMessage(ctx, folder, id); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	return s.store.DeleteEmail(ctx, accountID, folder, id)
}

// SyncAll refreshes every connected account's folders into the cache. Used
// by the background sync job.
func (s *Service) SyncAll(ctx context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "EmailService.SyncAll")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	for _, snapshot := range s.orchestrator.ListAccounts() {
		accountID := snapshot.Config.ID
		folders := snapshot.Folders
		if len(folders) == 0 {
			folders = []string{"INBOX"}
		}
		for _, folder := range folders {
			if _, err := s.LoadEmails(ctx, accountID, folder, 0); err != nil {
				s.log.Warnf("background sync failed for account %s folder %s: %v", accountID, folder, err)
			}
		}
	}
}

// connectedReceiver picks the live receiving client, IMAP over POP3. Returns
// nil when nothing usable is connected.
func (s *Service) connectedReceiver(accountID string, account *models.Account) (interfaces.MailReceiver, enum.Protocol) {
	clients, err := s.orchestrator.Clients(accountID)
	if err != nil {
		return nil, ""
	}

	if clients.IMAP != nil && account.Status(enum.ProtocolIMAP) == enum.ConnectionConnected {
		return clients.IMAP, enum.ProtocolIMAP
	}
	if clients.POP3 != nil && account.Status(enum.ProtocolPOP3) == enum.ConnectionConnected {
		return clients.POP3, enum.ProtocolPOP3
	}
	return nil, ""
}

func (s *Service) flagOperator(accountID string) (interfaces.MailFlagOperator, error) {
	clients, err := s.orchestrator.Clients(accountID)
	if err != nil {
		return nil, err
	}

	operator, ok := clients.IMAP.(interfaces.MailFlagOperator)
	if clients.IMAP == nil || !ok {
		return nil, errors.New("flag operations require an imap connection")
	}
	return operator, nil
}

func (s *Service) persistSummary(ctx context.Context, account *models.Account) {
	if err := s.store.PutAccountSummary(ctx, account.Summary()); err != nil {
		s.log.Errorf("failed to persist summary for account %s: %v", account.ID(), err)
	}
}
