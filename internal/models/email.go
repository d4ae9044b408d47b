package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"

	"github.com/mailtide/mailtide/internal/enum"
	"github.com/mailtide/mailtide/internal/utils"
)

// Email is one cached message. ID is the normalized Message-ID header when
// the message carries one, otherwise a content fingerprint so the message
// keeps a stable identity across sessions.
type Email struct {
	ID           string              `json:"id"`
	AccountID    string              `json:"accountId"`
	Folder       string              `json:"folder"`
	MessageID    string              `json:"messageId"`
	InReplyTo    string              `json:"inReplyTo,omitempty"`
	References   []string            `json:"references,omitempty"`
	Subject      string              `json:"subject"`
	CleanSubject string              `json:"cleanSubject"`
	FromName     string              `json:"fromName"`
	FromAddress  string              `json:"fromAddress"`
	ToAddresses  []string            `json:"toAddresses"`
	CcAddresses  []string            `json:"ccAddresses,omitempty"`
	BccAddresses []string            `json:"bccAddresses,omitempty"`
	SentAt       *time.Time          `json:"sentAt,omitempty"`
	ReceivedAt   time.Time           `json:"receivedAt"`
	BodyText     string              `json:"bodyText"`
	BodyHTML     string              `json:"bodyHtml,omitempty"`
	Read         bool                `json:"read"`
	Flagged      bool                `json:"flagged"`
	Direction    enum.EmailDirection `json:"direction"`
	UID          uint32              `json:"uid,omitempty"`
	Size         int                 `json:"size"`
	Attachments  []EmailAttachment   `json:"attachments,omitempty"`
}

// SortDate is the timestamp used for ordering. Messages without a parsed
// Date header fall back to the time they were fetched.
func (e *Email) SortDate() time.Time {
	if e.SentAt != nil {
		return *e.SentAt
	}
	return e.ReceivedAt
}

// ParseEmail builds an Email from a raw RFC 5322 message.
func ParseEmail(raw []byte, accountID, folder string) (*Email, error) {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse message")
	}

	email := &Email{
		AccountID:  accountID,
		Folder:     folder,
		ReceivedAt: utils.Now(),
		Direction:  enum.EmailInbound,
		Size:       len(raw),
	}

	email.Subject = envelope.GetHeader("Subject")
	email.CleanSubject = utils.NormalizeEmailSubject(email.Subject)
	email.MessageID = utils.NormalizeMessageID(envelope.GetHeader("Message-ID"))
	email.InReplyTo, email.References = parseReferences(envelope)

	if date, err := envelope.Date(); err == nil && !date.IsZero() {
		sentAt := date.UTC()
		email.SentAt = &sentAt
	}

	processSender(email, envelope)
	email.ToAddresses = addressList(envelope, "To")
	email.CcAddresses = addressList(envelope, "Cc")
	email.BccAddresses = addressList(envelope, "Bcc")

	email.BodyText = envelope.Text
	email.BodyHTML = envelope.HTML

	for _, part := range envelope.Attachments {
		email.Attachments = append(email.Attachments, NewEmailAttachment(part.FileName, part.ContentType, part.Content))
	}

	email.ID = email.MessageID
	if email.ID == "" {
		email.ID = email.Fingerprint()
	}

	return email, nil
}

// Fingerprint derives a stable identity from immutable message content, for
// servers that hand out session-scoped message numbers instead of IDs.
func (e *Email) Fingerprint() string {
	var date string
	if e.SentAt != nil {
		date = e.SentAt.Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", e.FromAddress, e.Subject, date)))
	return "fp_" + hex.EncodeToString(sum[:16])
}

func processSender(email *Email, envelope *enmime.Envelope) {
	senders, err := envelope.AddressList("From")
	if err != nil || len(senders) == 0 {
		return
	}
	sender := senders[0]
	email.FromName = sender.Name
	syntaxValidation := mailvalidate.ValidateEmailSyntax(sender.Address)
	if syntaxValidation.IsValid {
		email.FromAddress = syntaxValidation.CleanEmail
	} else {
		email.FromAddress = sender.Address
	}
}

func addressList(envelope *enmime.Envelope, header string) []string {
	addresses, err := envelope.AddressList(header)
	if err != nil || len(addresses) == 0 {
		return nil
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		validation := mailvalidate.ValidateEmailSyntax(addr.Address)
		if validation.IsValid {
			result = append(result, validation.CleanEmail)
		}
	}
	return result
}

func parseReferences(envelope *enmime.Envelope) (inReplyTo string, references []string) {
	replyIDs := splitMessageIDs(envelope.GetHeader("In-Reply-To"))
	if len(replyIDs) > 0 {
		inReplyTo = replyIDs[0]
	}

	references = splitMessageIDs(envelope.GetHeader("References"))
	if len(references) == 0 {
		references = replyIDs
	}
	return inReplyTo, references
}

func splitMessageIDs(raw string) []string {
	var ids []string
	for _, ref := range strings.Fields(raw) {
		ref = strings.Trim(ref, "<>")
		if ref != "" && !containsString(ids, ref) {
			ids = append(ids, ref)
		}
	}
	return ids
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// SortEmailsNewestFirst orders messages by date descending. The sort is
// stable, so messages with equal dates keep the order the server returned
// them in.
func SortEmailsNewestFirst(emails []*Email) {
	sort.SliceStable(emails, func(i, j int) bool {
		return emails[i].SortDate().After(emails[j].SortDate())
	})
}
