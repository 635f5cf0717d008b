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

	"github.com/essencia/newsletter-engine/internal/pkg/httpretry"
	"github.com/essencia/newsletter-engine/internal/pkg/logger"
)

// MailjetSender sends emails via the Mailjet v3.1 Send API.
// Mailjet authenticates with basic auth using an API key / secret pair.
type MailjetSender struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    httpretry.HTTPDoer
}

// NewMailjetSender creates a Mailjet sender.
func NewMailjetSender(apiKey, apiSecret string) *MailjetSender {
	return &MailjetSender{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   "https://api.mailjet.com/v3.1",
		client:    httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 2),
	}
}

// Name returns the vendor tag.
func (s *MailjetSender) Name() string { return "mailjet" }

// SetBaseURL overrides the API endpoint. Used by tests.
func (s *MailjetSender) SetBaseURL(u string) { s.baseURL = u }

// Send delivers a single email through Mailjet.
func (s *MailjetSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if s.apiKey == "" || s.apiSecret == "" {
		return nil, fmt.Errorf("Mailjet API key pair not configured")
	}

	message := map[string]interface{}{
		"From":     map[string]string{"Email": msg.FromEmail, "Name": msg.FromName},
		"To":       []map[string]string{{"Email": msg.To, "Name": msg.ToName}},
		"Subject":  msg.Subject,
		"HTMLPart": msg.HTMLContent,
	}
	if msg.TextContent != "" {
		message["TextPart"] = msg.TextContent
	}
	if msg.ReplyTo != "" {
		message["ReplyTo"] = map[string]string{"Email": msg.ReplyTo}
	}
	if msg.TrackingID != "" {
		message["CustomID"] = msg.TrackingID
	}

	payload := map[string]interface{}{
		"Messages": []map[string]interface{}{message},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/send", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.apiKey, s.apiSecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return &SendResult{
			Success:     false,
			Provider:    "mailjet",
			StatusCode:  resp.StatusCode,
			RateLimited: resp.StatusCode == http.StatusTooManyRequests,
			Error:       fmt.Errorf("Mailjet error %d: %s", resp.StatusCode, string(body)),
		}, nil
	}

	var result struct {
		Messages []struct {
			Status string `json:"Status"`
			To     []struct {
				MessageID   int64  `json:"MessageID"`
				MessageUUID string `json:"MessageUUID"`
			} `json:"To"`
			Errors []struct {
				ErrorMessage string `json:"ErrorMessage"`
			} `json:"Errors"`
		} `json:"Messages"`
	}
	json.Unmarshal(body, &result)

	if len(result.Messages) == 0 {
		return &SendResult{
			Success:    false,
			Provider:   "mailjet",
			StatusCode: resp.StatusCode,
			Error:      fmt.Errorf("Mailjet: empty response"),
		}, nil
	}

	m := result.Messages[0]
	if m.Status != "success" {
		errMsg := "rejected"
		if len(m.Errors) > 0 {
			errMsg = m.Errors[0].ErrorMessage
		}
		return &SendResult{
			Success:    false,
			Provider:   "mailjet",
			StatusCode: resp.StatusCode,
			Error:      fmt.Errorf("Mailjet rejected: %s", errMsg),
		}, nil
	}

	messageID := ""
	if len(m.To) > 0 {
		messageID = m.To[0].MessageUUID
	}

	log.Printf("[Mailjet] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)
	return &SendResult{
		Success:    true,
		MessageID:  messageID,
		Provider:   "mailjet",
		StatusCode: resp.StatusCode,
		SentAt:     time.Now(),
	}, nil
}
