package models

// OutboundEmail is a message to be sent through an account's SMTP server.
type OutboundEmail struct {
	AccountID    string            `json:"accountId"`
	FromName     string            `json:"fromName"`
	FromAddress  string            `json:"fromAddress"`
	ToAddresses  []string          `json:"toAddresses"`
	CcAddresses  []string          `json:"ccAddresses,omitempty"`
	BccAddresses []string          `json:"bccAddresses,omitempty"`
	Subject      string            `json:"subject"`
	BodyText     string            `json:"bodyText"`
	BodyHTML     string            `json:"bodyHtml,omitempty"`
	InReplyTo    string            `json:"inReplyTo,omitempty"`
	References   []string          `json:"references,omitempty"`
	Attachments  []EmailAttachment `json:"attachments,omitempty"`
}

// AllRecipients flattens To, Cc and Bcc into the envelope recipient list.
func (o *OutboundEmail) AllRecipients() []string {
	recipients := make([]string, 0, len(o.ToAddresses)+len(o.CcAddresses)+len(o.BccAddresses))
	recipients = append(recipients, o.ToAddresses...)
	recipients = append(recipients, o.CcAddresses...)
	recipients = append(recipients, o.BccAddresses...)
	return recipients
}
