package smtp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/models"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

func testAccount() *models.Account {
	return models.NewAccount(models.AccountConfig{
		ID:    "acct1",
		Name:  "Test User",
		Email: "me@example.com",
		SMTP: models.ServerConfig{
			Host:     "smtp.example.com",
			Port:     587,
			Username: "me@example.com",
			Password: "secret",
		},
	})
}

func outboundEmail() *models.OutboundEmail {
	return &models.OutboundEmail{
		ToAddresses: []string{"friend@example.com"},
		Subject:     "hello",
		BodyText:    "plain body",
	}
}

func TestValidateEmail_FillsSenderFromAccount(t *testing.T) {
	client := NewClient(testAccount(), getLogger(), 2*time.Second)
	email := outboundEmail()

	err := client.validateEmail(context.Background(), email)

	require.NoError(t, err)
	assert.Equal(t, "me@example.com", email.FromAddress)
	assert.Equal(t, "Test User", email.FromName)
}

func TestValidateEmail_Rejections(t *testing.T) {
	client := NewClient(testAccount(), getLogger(), 2*time.Second)

	tests := []struct {
		name   string
		mangle func(*models.OutboundEmail)
	}{
		{"no recipients", func(e *models.OutboundEmail) { e.ToAddresses = nil }},
		{"no body", func(e *models.OutboundEmail) { e.BodyText = "" }},
		{"no subject", func(e *models.OutboundEmail) { e.Subject = "" }},
		{"bad recipient", func(e *models.OutboundEmail) { e.ToAddresses = []string{"not an address"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			email := outboundEmail()
			tt.mangle(email)

			err := client.validateEmail(context.Background(), email)

			assert.Error(t, err)
		})
	}
}

func TestBuildMessage_PlainText(t *testing.T) {
	email := outboundEmail()
	email.FromName = "Test User"
	email.FromAddress = "me@example.com"

	buffer, err := buildMessage(context.Background(), email)

	require.NoError(t, err)
	message := buffer.String()
	assert.Contains(t, message, "From: Test User <me@example.com>\r\n")
	assert.Contains(t, message, "To: friend@example.com\r\n")
	assert.Contains(t, message, "Subject: hello\r\n")
	assert.Contains(t, message, "Content-Type: text/plain; charset=UTF-8\r\n")
	assert.Contains(t, message, "Message-ID: <")
	assert.True(t, strings.HasSuffix(message, "plain body"))
}

func TestBuildMessage_MultipartWithAttachment(t *testing.T) {
	email := outboundEmail()
	email.FromAddress = "me@example.com"
	email.BodyHTML = "<p>html body</p>"
	email.Attachments = []models.EmailAttachment{
		models.NewEmailAttachment("notes.txt", "text/plain", []byte("attachment payload")),
	}

	buffer, err := buildMessage(context.Background(), email)

	require.NoError(t, err)
	message := buffer.String()
	assert.Contains(t, message, "Content-Type: multipart/mixed; boundary=")
	assert.Contains(t, message, "Content-Type: text/plain; charset=UTF-8")
	assert.Contains(t, message, "Content-Type: text/html; charset=UTF-8")
	assert.Contains(t, message, `attachment; filename="notes.txt"`)
	assert.Contains(t, message, "Content-Transfer-Encoding: base64")
}

func TestBuildMessage_ThreadingHeaders(t *testing.T) {
	email := outboundEmail()
	email.FromAddress = "me@example.com"
	email.InReplyTo = "parent@example.com"
	email.References = []string{"root@example.com", "parent@example.com"}

	buffer, err := buildMessage(context.Background(), email)

	require.NoError(t, err)
	message := buffer.String()
	assert.Contains(t, message, "In-Reply-To: <parent@example.com>\r\n")
	assert.Contains(t, message, "References: <root@example.com> <parent@example.com>\r\n")
}
