package smtp

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailtide/mailtide/internal/models"
	"github.com/mailtide/mailtide/internal/tracing"
	"github.com/mailtide/mailtide/internal/utils"
)

// validateEmail checks the outbound message before any bytes hit the wire.
// Missing sender details are filled in from the account config.
func (c *Client) validateEmail(ctx context.Context, email *models.OutboundEmail) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "SmtpClient.validateEmail")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	if email == nil {
		return errors.New("email cannot be nil")
	}

	config := c.account.Config()
	if email.FromAddress == "" {
		email.FromAddress = config.Email
	}
	if email.FromName == "" {
		email.FromName = config.Name
	}

	validation := mailvalidate.ValidateEmailSyntax(email.FromAddress)
	if !validation.IsValid {
		return errors.Errorf("from address %q is not valid", email.FromAddress)
	}
	email.FromAddress = validation.CleanEmail

	if len(email.ToAddresses) == 0 {
		return errors.New("at least one recipient is required")
	}
	for _, recipient := range email.AllRecipients() {
		if v := mailvalidate.ValidateEmailSyntax(recipient); !v.IsValid {
			return errors.Errorf("recipient address %q is not valid", recipient)
		}
	}

	if email.BodyText == "" && email.BodyHTML == "" {
		return errors.New("email must have either text or HTML content")
	}
	if email.Subject == "" {
		return errors.New("email must have a subject")
	}

	return nil
}

// buildMessage renders the outbound email as an RFC 5322 message. Plain text
// only goes out as a simple message; anything richer becomes multipart/mixed.
func buildMessage(ctx context.Context, email *models.OutboundEmail) (*bytes.Buffer, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SmtpClient.buildMessage")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	buffer := bytes.NewBuffer(nil)
	headers := buildHeaders(email)
	tracing.LogObjectAsJson(span, "headers", headers)

	if email.BodyHTML == "" && len(email.Attachments) == 0 {
		headers["Content-Type"] = "text/plain; charset=UTF-8"
		writeHeaders(headers, buffer)
		buffer.WriteString(email.BodyText)
		return buffer, nil
	}

	if err := buildMultipartMessage(ctx, email, headers, buffer); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return buffer, nil
}

func buildHeaders(email *models.OutboundEmail) map[string]string {
	domain := ""
	if idx := strings.LastIndex(email.FromAddress, "@"); idx >= 0 {
		domain = email.FromAddress[idx+1:]
	}

	headers := map[string]string{
		"From":         fmt.Sprintf("%s <%s>", email.FromName, email.FromAddress),
		"To":           strings.Join(email.ToAddresses, ", "),
		"Subject":      email.Subject,
		"Date":         time.Now().UTC().Format(time.RFC1123Z),
		"Message-ID":   utils.GenerateMessageID(domain, ""),
		"MIME-Version": "1.0",
	}

	if len(email.CcAddresses) > 0 {
		headers["Cc"] = strings.Join(email.CcAddresses, ", ")
	}
	if email.InReplyTo != "" {
		headers["In-Reply-To"] = fmt.Sprintf("<%s>", email.InReplyTo)
	}
	if len(email.References) > 0 {
		refs := make([]string, 0, len(email.References))
		for _, ref := range email.References {
			refs = append(refs, fmt.Sprintf("<%s>", ref))
		}
		headers["References"] = strings.Join(refs, " ")
	}

	return headers
}

func buildMultipartMessage(ctx context.Context, email *models.OutboundEmail, headers map[string]string, buffer *bytes.Buffer) error {
	writer := multipart.NewWriter(buffer)
	headers["Content-Type"] = "multipart/mixed; boundary=" + writer.Boundary()

	writeHeaders(headers, buffer)

	if email.BodyText != "" {
		if err := addTextPart(ctx, writer, "text/plain", email.BodyText); err != nil {
			return err
		}
	}
	if email.BodyHTML != "" {
		if err := addTextPart(ctx, writer, "text/html", email.BodyHTML); err != nil {
			return err
		}
	}
	for i := range email.Attachments {
		if err := addAttachment(ctx, writer, &email.Attachments[i]); err != nil {
			return err
		}
	}

	return writer.Close()
}

func writeHeaders(headers map[string]string, buffer *bytes.Buffer) {
	for k, v := range headers {
		buffer.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	buffer.WriteString("\r\n")
}

func addTextPart(ctx context.Context, writer *multipart.Writer, contentType, content string) error {
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType + "; charset=UTF-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create %s part", contentType)
	}

	if _, err := part.Write([]byte(content)); err != nil {
		return errors.Wrapf(err, "failed to write %s content", contentType)
	}
	return nil
}

func addAttachment(ctx context.Context, writer *multipart.Writer, attachment *models.EmailAttachment) error {
	if attachment == nil {
		return errors.New("attachment is nil")
	}

	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {fmt.Sprintf("%s; name=%q", attachment.ContentType, attachment.Filename)},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", attachment.Filename)},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return errors.Wrap(err, "failed to create attachment part")
	}

	if _, err := part.Write(encodeBase64(attachment.Content)); err != nil {
		return errors.Wrap(err, "failed to write attachment content")
	}
	return nil
}

// encodeBase64 wraps the encoded content at 76 characters per RFC 2045.
func encodeBase64(content []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(content)
	var buffer bytes.Buffer
	for len(encoded) > 76 {
		buffer.WriteString(encoded[:76])
		buffer.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buffer.WriteString(encoded)
	return buffer.Bytes()
}
