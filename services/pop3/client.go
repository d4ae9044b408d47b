package pop3

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailtide/mailtide/interfaces"
	"github.com/mailtide/mailtide/internal/enum"
	mailtide_errors "github.com/mailtide/mailtide/internal/errors"
	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/models"
	"github.com/mailtide/mailtide/internal/tracing"
)

// Client is the POP3 client for one account. It writes connection status
// back onto the shared account handle, the same way the IMAP and SMTP
// clients do.
type Client struct {
	account *models.Account
	log     logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	session *Session
	status  enum.ConnectionStatus
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

// Connect dials the server, authenticates and records the initial message
// counts from STAT. Already connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Pop3Client.Connect")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolPOP3)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == enum.ConnectionConnected {
		return nil
	}

	config := c.account.Config()
	if !config.HasPOP3() {
		err := errors.Wrap(mailtide_errors.ErrConfigMissing, "pop3 is not configured for this account")
		tracing.TraceErr(span, err)
		return err
	}

	c.setStatus(enum.ConnectionConnecting)

	session, err := c.login(ctx, *config.POP3)
	if err != nil {
		c.setFailure(err)
		tracing.TraceErr(span, err)
		return err
	}

	c.session = session
	c.setStatus(enum.ConnectionConnected)
	c.account.ClearError()
	c.log.Infof("pop3 connected for account %s", c.account.ID())
	return nil
}

func (c *Client) login(ctx context.Context, config models.ServerConfig) (*Session, error) {
	session, err := DialSession(ctx, config, c.timeout)
	if err != nil {
		return nil, err
	}

	if _, err := session.Command("USER " + config.Username); err != nil {
		session.Close()
		return nil, errors.Wrap(mailtide_errors.ErrAuthFailed, err.Error())
	}
	if _, err := session.Command("PASS " + config.Password); err != nil {
		session.Close()
		return nil, errors.Wrap(mailtide_errors.ErrAuthFailed, err.Error())
	}

	total, err := c.stat(session)
	if err != nil {
		session.Close()
		return nil, err
	}
	c.account.SetCounts(total, total)

	return session, nil
}

// stat runs STAT and returns the message count. POP3 has no read state, so
// callers treat every message as unread.
func (c *Client) stat(session *Session) (int, error) {
	response, err := session.Command("STAT")
	if err != nil {
		return 0, err
	}

	parts := strings.Fields(response)
	if len(parts) < 3 {
		return 0, errors.Wrapf(mailtide_errors.ErrParse, "invalid STAT response: %s", response)
	}
	count, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.Wrapf(mailtide_errors.ErrParse, "invalid STAT count: %s", response)
	}
	return count, nil
}

// Disconnect sends QUIT best-effort and drops the connection. Safe to call
// when already disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.session.Quit()
		c.session = nil
	}
	c.setStatus(enum.ConnectionDisconnected)
	return nil
}

// Probe verifies the connection is still alive with a NOOP round trip.
func (c *Client) Probe(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "Pop3Client.Probe")
	defer span.Finish()
	tracing.TagComponentHealthCheck(span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolPOP3)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return mailtide_errors.ErrNotConnected
	}
	if _, err := c.session.Command("NOOP"); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// FetchMessages retrieves the newest limit messages. POP3 has a single
// mailbox, so the folder argument is ignored and results are reported under
// INBOX. A message that fails RETR or does not parse is skipped, not fatal.
func (c *Client) FetchMessages(ctx context.Context, folder string, limit int) (*interfaces.FetchResult, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "Pop3Client.FetchMessages")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolPOP3)
	tracing.TagFolder(span, "INBOX")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, mailtide_errors.ErrNotConnected
	}

	count, err := c.stat(c.session)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	c.account.SetCounts(count, count)
	span.LogKV("server.count", count)

	start := 0
	if count > limit {
		start = count - limit
	}

	var emails []*models.Email
	for i := start; i < count; i++ {
		msgNum := i + 1
		email, err := c.retrieve(msgNum)
		if err != nil {
			c.log.Warnf("pop3 message %d skipped for account %s: %v", msgNum, c.account.ID(), err)
			continue
		}
		emails = append(emails, email)
	}

	models.SortEmailsNewestFirst(emails)

	return &interfaces.FetchResult{
		Emails:      emails,
		TotalCount:  count,
		UnreadCount: count,
	}, nil
}

func (c *Client) retrieve(msgNum int) (*models.Email, error) {
	if _, err := c.session.Command(fmt.Sprintf("RETR %d", msgNum)); err != nil {
		return nil, err
	}
	lines, err := c.session.ReadMultiline()
	if err != nil {
		return nil, err
	}

	raw := []byte(strings.Join(lines, "\r\n"))
	return models.ParseEmail(raw, c.account.ID(), "INBOX")
}

// DeleteMessage marks a message deleted by its 1-based message number. The
// server removes it when the session ends with QUIT.
func (c *Client) DeleteMessage(ctx context.Context, folder, id string) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "Pop3Client.DeleteMessage")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolPOP3)

	msgNum, err := strconv.Atoi(id)
	if err != nil {
		err = errors.Wrapf(mailtide_errors.ErrParse, "pop3 delete needs a message number, got %q", id)
		tracing.TraceErr(span, err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return mailtide_errors.ErrNotConnected
	}
	if _, err := c.session.Command(fmt.Sprintf("DELE %d", msgNum)); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// setStatus updates both the client's own view and the shared account.
// Callers hold c.mu.
func (c *Client) setStatus(status enum.ConnectionStatus) {
	c.status = status
	c.account.SetStatus(enum.ProtocolPOP3, status)
}

func (c *Client) setFailure(err error) {
	c.status = enum.ConnectionFailed
	c.account.SetFailure(enum.ProtocolPOP3, err)
}
