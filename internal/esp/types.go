// Package esp contains the provider adapters for transactional email vendors.
//
// Adapters are split into individual files:
//   - sendgrid.go: SendGrid v3 Mail Send
//   - brevo.go:    Brevo (ex-Sendinblue) v3 transactional API
//   - mailjet.go:  Mailjet v3.1 Send API
//   - ses.go:      AWS SES v2
//
// Every adapter implements the Sender contract. Vendor rejections are carried
// in the SendResult rather than the error return: a non-nil error means the
// request could not be executed at all (marshal failure, dead network),
// while a SendResult with Success=false means the vendor refused the message.
package esp

import (
	"context"
	"time"
)

// Sender is the uniform send contract all vendor adapters implement.
type Sender interface {
	// Name returns the vendor tag ("sendgrid", "brevo", "mailjet", "ses").
	Name() string
	Send(ctx context.Context, msg *EmailMessage) (*SendResult, error)
}

// EmailMessage represents one email to be delivered to one recipient.
type EmailMessage struct {
	To          string
	ToName      string
	Subject     string
	HTMLContent string
	TextContent string
	FromName    string
	FromEmail   string
	ReplyTo     string
	TrackingID  string
	Metadata    map[string]string
}

// SendResult contains the outcome of a send attempt.
//
// RateLimited is a second failure channel: some vendors answer a throttled
// request with a 2xx-shaped body or a 429 that the adapter absorbs into the
// result instead of an error. Callers must check it in addition to Success.
type SendResult struct {
	Success     bool
	MessageID   string
	Provider    string
	StatusCode  int
	RateLimited bool
	Error       error
	SentAt      time.Time
}
