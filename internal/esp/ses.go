package esp

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/essencia/newsletter-engine/internal/pkg/logger"
)

// sesAPI is the slice of the SES v2 client the sender uses. Tests inject a fake.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends emails via AWS SES using the SDK v2.
type SESSender struct {
	region string
	client sesAPI
}

// NewSESSender creates an SES sender. The client stays nil when credentials
// are absent, which removes the account from rotation at registry build time.
func NewSESSender(accessKey, secretKey, region string) *SESSender {
	if region == "" {
		region = "eu-west-1"
	}

	sender := &SESSender{region: region}

	if accessKey != "" && secretKey != "" {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			log.Printf("[SES] Warning: failed to initialize AWS config: %v", err)
		} else {
			sender.client = sesv2.NewFromConfig(cfg)
		}
	}

	return sender
}

// Name returns the vendor tag.
func (s *SESSender) Name() string { return "ses" }

// Configured reports whether the underlying SDK client was initialized.
func (s *SESSender) Configured() bool { return s.client != nil }

// SetClient injects an SES API implementation. Used by tests.
func (s *SESSender) SetClient(c sesAPI) { s.client = c }

// Send delivers a single email through AWS SES.
func (s *SESSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if s.client == nil {
		return nil, fmt.Errorf("SES client not initialized - check credentials")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.TextContent != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if msg.TrackingID != "" {
		input.EmailTags = []types.MessageTag{
			{Name: aws.String("tracking_id"), Value: aws.String(msg.TrackingID)},
		}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		errText := strings.ToLower(err.Error())
		return &SendResult{
			Success:     false,
			Provider:    "ses",
			RateLimited: strings.Contains(errText, "throttl") || strings.Contains(errText, "rate exceeded"),
			Error:       err,
		}, nil
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)
	return &SendResult{
		Success:   true,
		MessageID: messageID,
		Provider:  "ses",
		SentAt:    time.Now(),
	}, nil
}
