package pop3

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mailtide_errors "github.com/mailtide/mailtide/internal/errors"
	"github.com/mailtide/mailtide/internal/models"
)

func pipeSession(t *testing.T, serverPayload string) *Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	go func() {
		server.Write([]byte(serverPayload))
	}()

	return &Session{
		conn:    client,
		reader:  bufio.NewReader(client),
		timeout: 2 * time.Second,
	}
}

func TestSession_ReadResponse_StripsCRLF(t *testing.T) {
	session := pipeSession(t, "+OK 2 messages\r\n")

	response, err := session.ReadResponse()

	require.NoError(t, err)
	assert.Equal(t, "+OK 2 messages", response)
}

func TestSession_ReadMultiline_TerminatorAndUnstuffing(t *testing.T) {
	// A stuffed "..hello" line must come back as ".hello" and the bare dot
	// terminator must not appear in the payload.
	session := pipeSession(t, "line one\r\n..hello\r\nline three\r\n.\r\n")

	lines, err := session.ReadMultiline()

	require.NoError(t, err)
	assert.Equal(t, []string{"line one", ".hello", "line three"}, lines)
}

func TestSession_ReadMultiline_EmptyPayload(t *testing.T) {
	session := pipeSession(t, ".\r\n")

	lines, err := session.ReadMultiline()

	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestSession_Command_ServerRejection(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	go func() {
		reader := bufio.NewReader(server)
		reader.ReadString('\n')
		server.Write([]byte("-ERR no such message\r\n"))
	}()

	session := &Session{conn: client, reader: bufio.NewReader(client), timeout: 2 * time.Second}
	response, err := session.Command("RETR 99")

	require.Error(t, err)
	assert.ErrorIs(t, err, mailtide_errors.ErrServerRejected)
	assert.Equal(t, "-ERR no such message", response)
}

func TestDialSession_RejectsBadGreeting(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("-ERR service unavailable\r\n"))
		conn.Close()
	}()

	host, port := splitHostPort(t, listener.Addr().String())
	_, err = DialSession(context.Background(), models.ServerConfig{Host: host, Port: port}, 2*time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, mailtide_errors.ErrBadGreeting)
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
