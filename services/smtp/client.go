package smtp

import (
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailtide/mailtide/internal/enum"
	mailtide_errors "github.com/mailtide/mailtide/internal/errors"
	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/models"
	"github.com/mailtide/mailtide/internal/tracing"
)

// Client is the SMTP client for one account. Connect verifies the server is
// reachable and keeps a session open for liveness checks; each Send runs its
// own protocol exchange so a half-dead cached session can never corrupt an
// outgoing message.
type Client struct {
	account *models.Account
	log     logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	session *smtp.Client
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

// Connect establishes a session to verify reachability and credentials
// won't fail at send time. Already connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SmtpClient.Connect")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolSMTP)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == enum.ConnectionConnected {
		return nil
	}

	config := c.account.Config().SMTP
	c.setStatus(enum.ConnectionConnecting)

	session, err := c.dial(ctx, config)
	if err != nil {
		c.setFailure(err)
		tracing.TraceErr(span, err)
		return err
	}

	c.session = session
	c.setStatus(enum.ConnectionConnected)
	c.account.ClearError()
	c.log.Infof("smtp connected for account %s", c.account.ID())
	return nil
}

func (c *Client) dial(ctx context.Context, config models.ServerConfig) (*smtp.Client, error) {
	addr := config.Address()
	dialer := &net.Dialer{
		Timeout:   c.timeout,
		KeepAlive: 30 * time.Second,
	}

	var conn net.Conn
	var err error

	if config.Security == enum.EmailSecurityTLS || config.Security == enum.EmailSecuritySSL {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: config.Host},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}

	session, err := smtp.NewClient(conn, config.Host)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to create smtp client")
	}

	if config.Security == enum.EmailSecurityStartTLS {
		if err := session.StartTLS(&tls.Config{ServerName: config.Host}); err != nil {
			session.Close()
			return nil, errors.Wrap(err, "failed to start tls")
		}
	}

	if config.Username != "" {
		auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)
		if err := session.Auth(auth); err != nil {
			session.Close()
			return nil, errors.Wrapf(mailtide_errors.ErrAuthFailed, "smtp auth as %s failed: %v", config.Username, err)
		}
	}

	return session, nil
}

// Disconnect quits the verification session. Safe when already disconnected.
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

// Probe checks the verification session with a NOOP round trip.
func (c *Client) Probe(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "SmtpClient.Probe")
	defer span.Finish()
	tracing.TagComponentHealthCheck(span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolSMTP)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return mailtide_errors.ErrNotConnected
	}
	if err := c.session.Noop(); err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "noop failed")
	}
	return nil
}

// Send validates, builds the MIME message and delivers it in one protocol
// exchange. Delivery is atomic from the caller's view: any failure before
// the server accepts the message surfaces as an error and nothing is
// treated as sent.
func (c *Client) Send(ctx context.Context, email *models.OutboundEmail) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SmtpClient.Send")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, c.account.ID())
	tracing.TagProtocol(span, enum.ProtocolSMTP)

	if err := c.validateEmail(ctx, email); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	buffer, err := buildMessage(ctx, email)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	config := c.account.Config().SMTP
	if err := c.sendToServer(ctx, config, email.FromAddress, email.AllRecipients(), buffer.Bytes()); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	c.log.Infof("smtp sent message %q for account %s to %d recipients",
		email.Subject, c.account.ID(), len(email.AllRecipients()))
	return nil
}

func (c *Client) sendToServer(ctx context.Context, config models.ServerConfig, from string, recipients []string, message []byte) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SmtpClient.sendToServer")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("smtp_server", config.Host)
	span.LogKV("recipients", len(recipients))

	session, err := c.dial(ctx, config)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Mail(from); err != nil {
		return errors.Wrap(err, "MAIL command failed")
	}
	for _, recipient := range recipients {
		if err := session.Rcpt(recipient); err != nil {
			return errors.Wrapf(err, "RCPT command failed for %s", recipient)
		}
	}

	dataWriter, err := session.Data()
	if err != nil {
		return errors.Wrap(err, "DATA command failed")
	}
	if _, err := dataWriter.Write(message); err != nil {
		return errors.Wrap(err, "failed to write message data")
	}
	if err := dataWriter.Close(); err != nil {
		return errors.Wrap(err, "failed to close data writer")
	}

	return session.Quit()
}

func (c *Client) setStatus(status enum.ConnectionStatus) {
	c.status = status
	c.account.SetStatus(enum.ProtocolSMTP, status)
}

func (c *Client) setFailure(err error) {
	c.status = enum.ConnectionFailed
	c.account.SetFailure(enum.ProtocolSMTP, err)
}
