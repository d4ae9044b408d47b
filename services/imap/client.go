package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	go_imap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailtide/mailtide/interfaces"
	"github.com/mailtide/mailtide/internal/enum"
	mailtide_errors "github.com/mailtide/mailtide/internal/errors"
	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/models"
	"github.com/mailtide/mailtide/internal/tracing"
)

// Client is the IMAP client for one account, wrapping go-imap. It keeps a
// single connection, mirrors connection status onto the shared account
// handle and serializes protocol access behind a mutex.
type Client struct {
	account *models.Account
	log     logger.Logger
	timeout time.Duration

	mu     sync.Mutex
	client *client.Client
	status enum.ConnectionStatus
}

func NewClient(account *models.Account, log logger.Logger, timeout time.Duration) *Client {
	return &Client{
		account: account,
		log:     log,
		timeout: timeout,
		status:  enum.ConnectionDisconnected,
	}
}

func (c *Client) Status() enum.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials the server, logs in and loads the folder list onto the
// account. Already connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ImapClient.Connect")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolIMAP)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == enum.ConnectionConnected {
		return nil
	}

	config := c.account.Config()
	if !config.HasIMAP() {
		err := errors.Wrap(mailtide_errors.ErrConfigMissing, "imap is not configured for this account")
		tracing.TraceErr(span, err)
		return err
	}

	c.setStatus(enum.ConnectionConnecting)

	imapClient, err := c.dial(*config.IMAP)
	if err != nil {
		c.setFailure(err)
		tracing.TraceErr(span, err)
		return err
	}

	folders, err := c.listFolders(imapClient)
	if err != nil {
		imapClient.Logout()
		c.setFailure(err)
		tracing.TraceErr(span, err)
		return err
	}

	c.client = imapClient
	c.account.SetFolders(folders)
	c.setStatus(enum.ConnectionConnected)
	c.account.ClearError()
	c.log.Infof("imap connected for account %s, %d folders", c.account.ID(), len(folders))
	return nil
}

func (c *Client) dial(config models.ServerConfig) (*client.Client, error) {
	serverAddr := config.Address()

	dialer := &net.Dialer{
		Timeout:   c.timeout,
		KeepAlive: 30 * time.Second,
	}

	var imapClient *client.Client
	var err error

	if config.UseTLS() {
		tlsConfig := &tls.Config{
			ServerName: config.Host,
		}
		imapClient, err = client.DialWithDialerTLS(dialer, serverAddr, tlsConfig)
	} else {
		imapClient, err = client.DialWithDialer(dialer, serverAddr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", serverAddr)
	}

	imapClient.Timeout = c.timeout
	if err := imapClient.Login(config.Username, config.Password); err != nil {
		imapClient.Logout()
		return nil, errors.Wrapf(mailtide_errors.ErrAuthFailed, "login as %s failed: %v", config.Username, err)
	}
	imapClient.Timeout = 0

	return imapClient, nil
}

func (c *Client) listFolders(imapClient *client.Client) ([]string, error) {
	imapClient.Timeout = c.timeout
	mailboxes := make(chan *go_imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- imapClient.List("", "*", mailboxes)
	}()

	var folders []string
	for m := range mailboxes {
		folders = append(folders, m.Name)
	}

	imapClient.Timeout = 0
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "failed to list folders")
	}

	sort.Strings(folders)
	return folders, nil
}

// Disconnect logs out best-effort and drops the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Logout()
		c.client = nil
	}
	c.setStatus(enum.ConnectionDisconnected)
	return nil
}

// Probe verifies the connection with a NOOP round trip.
func (c *Client) Probe(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "ImapClient.Probe")
	defer span.Finish()
	tracing.TagComponentHealthCheck(span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolIMAP)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return mailtide_errors.ErrNotConnected
	}

	c.client.Timeout = c.timeout
	err := c.client.Noop()
	c.client.Timeout = 0
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "noop failed")
	}
	return nil
}

// FetchMessages selects the folder and retrieves the newest limit messages
// with flags and full bodies. Unread counts come from an UNSEEN search so
// they cover the whole folder, not just the fetched window.
func (c *Client) FetchMessages(ctx context.Context, folder string, limit int) (*interfaces.FetchResult, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "ImapClient.FetchMessages")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolIMAP)
	tracing.TagFolder(span, folder)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, mailtide_errors.ErrNotConnected
	}

	mbox, err := c.client.Select(folder, false)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrapf(err, "failed to select %s", folder)
	}

	total := int(mbox.Messages)
	unread, err := c.countUnseen()
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	if folder == "INBOX" {
		c.account.SetCounts(total, unread)
	}
	span.LogKV("folder.total", total, "folder.unread", unread)

	if total == 0 {
		return &interfaces.FetchResult{TotalCount: 0, UnreadCount: unread}, nil
	}

	from := uint32(1)
	if limit > 0 && total > limit {
		from = uint32(total - limit + 1)
	}

	emails, err := c.fetchRange(folder, from, uint32(total))
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	models.SortEmailsNewestFirst(emails)

	return &interfaces.FetchResult{
		Emails:      emails,
		TotalCount:  total,
		UnreadCount: unread,
	}, nil
}

func (c *Client) countUnseen() (int, error) {
	criteria := go_imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{go_imap.SeenFlag}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return 0, errors.Wrap(err, "unseen search failed")
	}
	return len(uids), nil
}

func (c *Client) fetchRange(folder string, from, to uint32) ([]*models.Email, error) {
	seqSet := new(go_imap.SeqSet)
	seqSet.AddRange(from, to)

	section := &go_imap.BodySectionName{Peek: true}
	items := []go_imap.FetchItem{
		go_imap.FetchEnvelope,
		go_imap.FetchFlags,
		go_imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *go_imap.Message, 10)
	done := make(chan error, 1)

	c.client.Timeout = c.timeout
	go func() {
		done <- c.client.Fetch(seqSet, items, messages)
	}()

	var emails []*models.Email
	for msg := range messages {
		email, err := c.buildEmail(folder, section, msg)
		if err != nil {
			c.log.Warnf("imap message %d skipped for account %s: %v", msg.SeqNum, c.account.ID(), err)
			continue
		}
		emails = append(emails, email)
	}

	c.client.Timeout = 0
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "fetch failed")
	}
	return emails, nil
}

func (c *Client) buildEmail(folder string, section *go_imap.BodySectionName, msg *go_imap.Message) (*models.Email, error) {
	body := msg.GetBody(section)
	if body == nil {
		return nil, errors.Wrap(mailtide_errors.ErrParse, "message has no body section")
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read message body")
	}

	email, err := models.ParseEmail(raw, c.account.ID(), folder)
	if err != nil {
		return nil, err
	}

	email.UID = msg.Uid
	for _, flag := range msg.Flags {
		switch flag {
		case go_imap.SeenFlag:
			email.Read = true
		case go_imap.FlaggedFlag:
			email.Flagged = true
		}
	}
	return email, nil
}

func (c *Client) MarkRead(ctx context.Context, folder, id string) error {
	return c.storeFlag(ctx, "ImapClient.MarkRead", folder, id, go_imap.AddFlags, go_imap.SeenFlag)
}

func (c *Client) MarkUnread(ctx context.Context, folder, id string) error {
	return c.storeFlag(ctx, "ImapClient.MarkUnread", folder, id, go_imap.RemoveFlags, go_imap.SeenFlag)
}

func (c *Client) Flag(ctx context.Context, folder, id string) error {
	return c.storeFlag(ctx, "ImapClient.Flag", folder, id, go_imap.AddFlags, go_imap.FlaggedFlag)
}

func (c *Client) Unflag(ctx context.Context, folder, id string) error {
	return c.storeFlag(ctx, "ImapClient.Unflag", folder, id, go_imap.RemoveFlags, go_imap.FlaggedFlag)
}

// DeleteMessage flags the message deleted and expunges the folder.
func (c *Client) DeleteMessage(ctx context.Context, folder, id string) error {
	if err := c.storeFlag(ctx, "ImapClient.DeleteMessage", folder, id, go_imap.AddFlags, go_imap.DeletedFlag); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return mailtide_errors.ErrNotConnected
	}
	return errors.Wrap(c.client.Expunge(nil), "expunge failed")
}

// storeFlag resolves the message by its Message-ID header and applies one
// flag mutation via UID STORE.
func (c *Client) storeFlag(ctx context.Context, operationName, folder, id string, op go_imap.FlagsOp, flag string) error {
	span, _ := opentracing.StartSpanFromContext(ctx, operationName)
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolIMAP)
	tracing.TagFolder(span, folder)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return mailtide_errors.ErrNotConnected
	}

	if _, err := c.client.Select(folder, false); err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrapf(err, "failed to select %s", folder)
	}

	uids, err := c.findByMessageID(id)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	seqSet := new(go_imap.SeqSet)
	seqSet.AddNum(uids...)

	item := go_imap.FormatFlagsOp(op, true)
	flags := []interface{}{flag}
	if err := c.client.UidStore(seqSet, item, flags, nil); err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "uid store failed")
	}
	return nil
}

func (c *Client) findByMessageID(id string) ([]uint32, error) {
	criteria := go_imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", fmt.Sprintf("<%s>", id))

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, errors.Wrap(err, "message-id search failed")
	}
	if len(uids) == 0 {
		return nil, errors.Errorf("no message with id %s", id)
	}
	return uids, nil
}

func (c *Client) setStatus(status enum.ConnectionStatus) {
	c.status = status
	c.account.SetStatus(enum.ProtocolIMAP, status)
}

func (c *Client) setFailure(err error) {
	c.status = enum.ConnectionFailed
	c.account.SetFailure(enum.ProtocolIMAP, err)
}
