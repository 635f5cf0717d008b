package esp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/essencia/newsletter-engine/internal/pkg/httpretry"
	"github.com/essencia/newsletter-engine/internal/pkg/logger"
)

// SendGridSender sends emails via the SendGrid v3 Mail Send API.
type SendGridSender struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
}

// NewSendGridSender creates a SendGrid sender.
func NewSendGridSender(apiKey string) *SendGridSender {
	return &SendGridSender{
		apiKey:  apiKey,
		baseURL: "https://api.sendgrid.com/v3",
		client:  httpretry.NewRetryClient(&http.Client{Timeout: 60 * time.Second}, 2),
	}
}

// Name returns the vendor tag.
func (s *SendGridSender) Name() string { return "sendgrid" }

// SetBaseURL overrides the API endpoint. Used by tests.
func (s *SendGridSender) SetBaseURL(u string) { s.baseURL = u }

// Send delivers a single email through SendGrid.
func (s *SendGridSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("SendGrid API key not configured")
	}

	customArgs := map[string]string{}
	if msg.TrackingID != "" {
		customArgs["tracking_id"] = msg.TrackingID
	}
	for k, v := range msg.Metadata {
		customArgs[k] = v
	}

	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{
			{
				"to":          []map[string]string{{"email": msg.To, "name": msg.ToName}},
				"custom_args": customArgs,
			},
		},
		"from":    map[string]string{"email": msg.FromEmail, "name": msg.FromName},
		"subject": msg.Subject,
		"content": []map[string]string{{"type": "text/html", "value": msg.HTMLContent}},
	}
	if msg.TextContent != "" {
		payload["content"] = []map[string]string{
			{"type": "text/plain", "value": msg.TextContent},
			{"type": "text/html", "value": msg.HTMLContent},
		}
	}
	if msg.ReplyTo != "" {
		payload["reply_to"] = map[string]string{"email": msg.ReplyTo}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/mail/send", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return &SendResult{
			Success:     false,
			Provider:    "sendgrid",
			StatusCode:  resp.StatusCode,
			RateLimited: resp.StatusCode == http.StatusTooManyRequests,
			Error:       fmt.Errorf("SendGrid error %d: %s", resp.StatusCode, string(body)),
		}, nil
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		messageID = uuid.New().String()
	}

	log.Printf("[SendGrid] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)
	return &SendResult{
		Success:    true,
		MessageID:  messageID,
		Provider:   "sendgrid",
		StatusCode: resp.StatusCode,
		SentAt:     time.Now(),
	}, nil
}
