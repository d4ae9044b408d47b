package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailtide/mailtide/config"
	"github.com/mailtide/mailtide/interfaces"
	"github.com/mailtide/mailtide/internal/enum"
	mailtide_errors "github.com/mailtide/mailtide/internal/errors"
	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/models"
	"github.com/mailtide/mailtide/internal/tracing"
	"github.com/mailtide/mailtide/internal/utils"
	"github.com/mailtide/mailtide/services/imap"
	"github.com/mailtide/mailtide/services/pop3"
	"github.com/mailtide/mailtide/services/smtp"
)

// ClientSet holds the protocol clients for one account. IMAP and POP3 are
// nil when the account does not configure them; SMTP is always present.
type ClientSet struct {
	IMAP interfaces.MailReceiver
	POP3 interfaces.MailReceiver
	SMTP interfaces.MailSender
}

// PreferredReceiver picks the receiving client, IMAP over POP3.
func (cs *ClientSet) PreferredReceiver() interfaces.MailReceiver {
	if cs.IMAP != nil {
		return cs.IMAP
	}
	return cs.POP3
}

// ClientFactory builds the protocol clients for an account. Tests swap in
// fakes through this seam.
type ClientFactory func(account *models.Account) *ClientSet

type managedAccount struct {
	account *models.Account
	clients *ClientSet
}

// Orchestrator owns the account registry: loading configs, building clients,
// the connect/retry/disconnect lifecycle and account CRUD. Configuration
// writes always hit disk before the in-memory registry changes.
type Orchestrator struct {
	log         logger.Logger
	configStore *config.AccountsStore
	emailStore  interfaces.EmailStore
	newClients  ClientFactory

	mu       sync.RWMutex
	accounts map[string]*managedAccount
	order    []string
}

func NewOrchestrator(log logger.Logger, configStore *config.AccountsStore, emailStore interfaces.EmailStore, connectTimeout time.Duration) *Orchestrator {
	o := &Orchestrator{
		log:         log,
		configStore: configStore,
		emailStore:  emailStore,
		accounts:    make(map[string]*managedAccount),
	}
	o.newClients = func(account *models.Account) *ClientSet {
		cs := &ClientSet{
			SMTP: smtp.NewClient(account, log, connectTimeout),
		}
		cfg := account.Config()
		if cfg.HasIMAP() {
			cs.IMAP = imap.NewClient(account, log, connectTimeout)
		}
		if cfg.HasPOP3() {
			cs.POP3 = pop3.NewClient(account, log, connectTimeout)
		}
		return cs
	}
	return o
}

// SetClientFactory replaces the client construction seam. Call before
// LoadAccounts.
func (o *Orchestrator) SetClientFactory(factory ClientFactory) {
	o.newClients = factory
}

// LoadAccounts rebuilds the registry from the persisted configuration.
// Nothing is connected yet.
func (o *Orchestrator) LoadAccounts(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "Orchestrator.LoadAccounts")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.accounts = make(map[string]*managedAccount)
	o.order = nil

	for _, cfg := range o.configStore.Accounts() {
		account := models.NewAccount(cfg)
		o.accounts[cfg.ID] = &managedAccount{
			account: account,
			clients: o.newClients(account),
		}
		o.order = append(o.order, cfg.ID)
	}

	span.LogKV("accounts.count", len(o.order))
	o.log.Infof("loaded %d accounts", len(o.order))
	return nil
}

func (o *Orchestrator) managed(accountID string) (*managedAccount, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ma, ok := o.accounts[accountID]
	if !ok {
		return nil, errors.Wrapf(mailtide_errors.ErrAccountNotFound, "account %s", accountID)
	}
	return ma, nil
}

// Account returns the shared runtime handle for one account.
func (o *Orchestrator) Account(accountID string) (*models.Account, error) {
	ma, err := o.managed(accountID)
	if err != nil {
		return nil, err
	}
	return ma.account, nil
}

// Clients returns the protocol clients for one account.
func (o *Orchestrator) Clients(accountID string) (*ClientSet, error) {
	ma, err := o.managed(accountID)
	if err != nil {
		return nil, err
	}
	return ma.clients, nil
}

// ListAccounts returns snapshots in configuration order.
func (o *Orchestrator) ListAccounts() []models.AccountSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snapshots := make([]models.AccountSnapshot, 0, len(o.order))
	for _, id := range o.order {
		snapshots = append(snapshots, o.accounts[id].account.Snapshot())
	}
	return snapshots
}

func (o *Orchestrator) DefaultAccountID() string {
	return o.configStore.Settings().DefaultAccount
}

// ConnectAccount attempts every configured protocol independently and
// reports whether any of them came up. Individual failures are written onto
// the account and logged, never propagated: one dead server must not stop
// the others from connecting.
func (o *Orchestrator) ConnectAccount(ctx context.Context, accountID string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Orchestrator.ConnectAccount")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	ma, err := o.managed(accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return false, err
	}

	anySuccess := false
	cfg := ma.account.Config()

	if cfg.HasIMAP() {
		if err := ma.clients.IMAP.Connect(ctx); err != nil {
			o.log.Errorf("imap connection failed for account %s: %v", accountID, err)
		} else {
			anySuccess = true
		}
	}

	if cfg.HasPOP3() {
		if err := ma.clients.POP3.Connect(ctx); err != nil {
			o.log.Errorf("pop3 connection failed for account %s: %v", accountID, err)
		} else {
			anySuccess = true
		}
	}

	if err := ma.clients.SMTP.Connect(ctx); err != nil {
		o.log.Errorf("smtp connection failed for account %s: %v", accountID, err)
	} else {
		anySuccess = true
	}

	o.persistSummary(ctx, ma.account)

	span.LogKV("any_success", anySuccess)
	return anySuccess, nil
}

// ConnectAll connects every account. Per-account failures are logged.
func (o *Orchestrator) ConnectAll(ctx context.Context) {
	for _, id := range o.accountIDs() {
		if _, err := o.ConnectAccount(ctx, id); err != nil {
			o.log.Errorf("connect failed for account %s: %v", id, err)
		}
	}
}

// RetryConnections reconnects only the protocols currently marked failed.
// Protocols that are connected, connecting or cleanly disconnected are left
// alone.
func (o *Orchestrator) RetryConnections(ctx context.Context, accountID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Orchestrator.RetryConnections")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	ma, err := o.managed(accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	cfg := ma.account.Config()

	if cfg.HasIMAP() && ma.account.Status(enum.ProtocolIMAP) == enum.ConnectionFailed {
		if err := ma.clients.IMAP.Connect(ctx); err != nil {
			o.log.Errorf("imap retry failed for account %s: %v", accountID, err)
		}
	}
	if cfg.HasPOP3() && ma.account.Status(enum.ProtocolPOP3) == enum.ConnectionFailed {
		if err := ma.clients.POP3.Connect(ctx); err != nil {
			o.log.Errorf("pop3 retry failed for account %s: %v", accountID, err)
		}
	}
	if ma.account.Status(enum.ProtocolSMTP) == enum.ConnectionFailed {
		if err := ma.clients.SMTP.Connect(ctx); err != nil {
			o.log.Errorf("smtp retry failed for account %s: %v", accountID, err)
		}
	}

	return nil
}

// DisconnectAll tears down every client. Errors are logged, not returned;
// shutdown keeps going.
func (o *Orchestrator) DisconnectAll() {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for id, ma := range o.accounts {
		disconnectClients(o.log, id, ma.clients)
	}
}

func disconnectClients(log logger.Logger, accountID string, clients *ClientSet) {
	if clients.IMAP != nil {
		if err := clients.IMAP.Disconnect(); err != nil {
			log.Errorf("imap disconnect failed for account %s: %v", accountID, err)
		}
	}
	if clients.POP3 != nil {
		if err := clients.POP3.Disconnect(); err != nil {
			log.Errorf("pop3 disconnect failed for account %s: %v", accountID, err)
		}
	}
	if clients.SMTP != nil {
		if err := clients.SMTP.Disconnect(); err != nil {
			log.Errorf("smtp disconnect failed for account %s: %v", accountID, err)
		}
	}
}

// AddAccount persists the new configuration and registers clients for it.
// The config file is written before the registry changes so a crash cannot
// leave a live account that would vanish on restart.
func (o *Orchestrator) AddAccount(ctx context.Context, cfg models.AccountConfig) (*models.Account, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "Orchestrator.AddAccount")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	if cfg.ID == "" {
		cfg.ID = utils.GenerateNanoIdWithPrefix("acct", 12)
	}
	tracing.TagAccount(span, cfg.ID)

	if err := o.configStore.AddAccount(cfg); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	account := models.NewAccount(cfg)
	o.accounts[cfg.ID] = &managedAccount{
		account: account,
		clients: o.newClients(account),
	}
	o.order = append(o.order, cfg.ID)

	o.log.Infof("added account %s (%s)", cfg.ID, cfg.Email)
	return account, nil
}

// UpdateAccount persists the changed configuration, disconnects the old
// clients and rebuilds the runtime state from scratch.
func (o *Orchestrator) UpdateAccount(ctx context.Context, cfg models.AccountConfig) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "Orchestrator.UpdateAccount")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, cfg.ID)

	if err := o.configStore.UpdateAccount(cfg); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ma, ok := o.accounts[cfg.ID]
	if !ok {
		return errors.Wrapf(mailtide_errors.ErrAccountNotFound, "account %s", cfg.ID)
	}

	disconnectClients(o.log, cfg.ID, ma.clients)
	ma.account.Reset(cfg)
	ma.clients = o.newClients(ma.account)

	o.log.Infof("updated account %s", cfg.ID)
	return nil
}

// DeleteAccount removes the configuration, disconnects clients, drops the
// runtime state and purges the account's cached data.
func (o *Orchestrator) DeleteAccount(ctx context.Context, accountID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Orchestrator.DeleteAccount")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	if err := o.configStore.RemoveAccount(accountID); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	o.mu.Lock()
	ma, ok := o.accounts[accountID]
	if ok {
		disconnectClients(o.log, accountID, ma.clients)
		delete(o.accounts, accountID)
		for i, id := range o.order {
			if id == accountID {
				o.order = append(o.order[:i], o.order[i+1:]...)
				break
			}
		}
	}
	o.mu.Unlock()

	if o.emailStore != nil {
		if err := o.emailStore.DeleteAccount(ctx, accountID); err != nil {
			o.log.Errorf("cache purge failed for account %s: %v", accountID, err)
		}
	}

	o.log.Infof("deleted account %s", accountID)
	return nil
}

func (o *Orchestrator) accountIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, len(o.order))
	copy(ids, o.order)
	return ids
}

func (o *Orchestrator) persistSummary(ctx context.Context, account *models.Account) {
	if o.emailStore == nil {
		return
	}
	if err := o.emailStore.PutAccountSummary(ctx, account.Summary()); err != nil {
		o.log.Errorf("failed to persist summary for account %s: %v", account.ID(), err)
	}
}
