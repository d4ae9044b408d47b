package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	mailtide_errors "github.com/mailtide/mailtide/internal/errors"
	"github.com/mailtide/mailtide/internal/models"
)

// Session is a single POP3 protocol exchange over one TCP or TLS connection.
// It owns the line framing: CRLF-terminated commands, single-line +OK/-ERR
// responses and dot-terminated multiline payloads with byte-stuffing.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// DialSession connects to the server and consumes the greeting. The caller
// still has to authenticate.
func DialSession(ctx context.Context, config models.ServerConfig, timeout time.Duration) (*Session, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", config.Address())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", config.Address())
	}

	if config.UseTLS() {
		tlsConfig := &tls.Config{
			ServerName: config.Host,
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "tls handshake with %s failed", config.Address())
		}
		conn = tlsConn
	}

	session := &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}

	greeting, err := session.ReadResponse()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to read greeting")
	}
	if !IsOK(greeting) {
		session.Close()
		return nil, errors.Wrapf(mailtide_errors.ErrBadGreeting, "server said %q", greeting)
	}

	return session, nil
}

// IsOK reports whether a response line is a positive status indicator.
func IsOK(response string) bool {
	return strings.HasPrefix(response, "+OK")
}

// SendCommand writes one CRLF-terminated command line.
func (s *Session) SendCommand(command string) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	_, err := s.conn.Write([]byte(command + "\r\n"))
	return errors.Wrapf(err, "failed to send %s", commandVerb(command))
}

// ReadResponse reads one status line with the trailing CRLF removed.
func (s *Session) ReadResponse() (string, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "failed to read response")
	}
	return trimLineEnding(line), nil
}

// Command sends a command and returns the single-line response. A -ERR
// response is returned as an error wrapping ErrServerRejected.
func (s *Session) Command(command string) (string, error) {
	if err := s.SendCommand(command); err != nil {
		return "", err
	}
	response, err := s.ReadResponse()
	if err != nil {
		return "", err
	}
	if !IsOK(response) {
		return response, errors.Wrapf(mailtide_errors.ErrServerRejected, "%s failed: %s", commandVerb(command), response)
	}
	return response, nil
}

// ReadMultiline reads a dot-terminated multiline payload. The terminating
// "." line is consumed and lines starting with ".." are unstuffed.
func (s *Session) ReadMultiline() ([]string, error) {
	var lines []string
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		raw, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "failed to read multiline response")
		}

		line := trimLineEnding(raw)
		if line == "." {
			return lines, nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		lines = append(lines, line)
	}
}

// Quit sends QUIT best-effort and closes the connection. A server that drops
// the connection without answering is not an error.
func (s *Session) Quit() error {
	if err := s.SendCommand("QUIT"); err == nil {
		s.ReadResponse()
	}
	return s.Close()
}

func (s *Session) Close() error {
	return s.conn.Close()
}

func trimLineEnding(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

func commandVerb(command string) string {
	if idx := strings.IndexByte(command, ' '); idx > 0 {
		return command[:idx]
	}
	return command
}
