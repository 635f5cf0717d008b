package esp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/essencia/newsletter-engine/internal/pkg/httpretry"
	"github.com/essencia/newsletter-engine/internal/pkg/logger"
)

// BrevoSender sends emails via the Brevo (ex-Sendinblue) v3 transactional API.
//
// Brevo reports per-account throttling both as a 429 and, on some plans, as a
// 202 whose body carries a "too many requests" code. Both are surfaced as
// RateLimited results.
type BrevoSender struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
}

// NewBrevoSender creates a Brevo sender targeting the v3 API.
func NewBrevoSender(apiKey string) *BrevoSender {
	return &BrevoSender{
		apiKey:  apiKey,
		baseURL: "https://api.brevo.com/v3",
		client:  httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 2),
	}
}

// Name returns the vendor tag.
func (s *BrevoSender) Name() string { return "brevo" }

// SetBaseURL overrides the API endpoint. Used by tests.
func (s *BrevoSender) SetBaseURL(u string) { s.baseURL = u }

// Send delivers a single email through Brevo.
func (s *BrevoSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("Brevo API key not configured")
	}

	payload := map[string]interface{}{
		"sender":      map[string]string{"email": msg.FromEmail, "name": msg.FromName},
		"to":          []map[string]string{{"email": msg.To, "name": msg.ToName}},
		"subject":     msg.Subject,
		"htmlContent": msg.HTMLContent,
	}
	if msg.TextContent != "" {
		payload["textContent"] = msg.TextContent
	}
	if msg.ReplyTo != "" {
		payload["replyTo"] = map[string]string{"email": msg.ReplyTo}
	}
	if msg.TrackingID != "" {
		payload["tags"] = []string{msg.TrackingID}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/smtp/email", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return &SendResult{
			Success:     false,
			Provider:    "brevo",
			StatusCode:  resp.StatusCode,
			RateLimited: resp.StatusCode == http.StatusTooManyRequests,
			Error:       fmt.Errorf("Brevo error %d: %s", resp.StatusCode, string(body)),
		}, nil
	}

	var result struct {
		MessageID string `json:"messageId"`
		Code      string `json:"code"`
		Message   string `json:"message"`
	}
	json.Unmarshal(body, &result)

	// Soft throttle: accepted status but a throttle code in the body.
	if result.Code != "" && strings.Contains(strings.ToLower(result.Message+result.Code), "too many") {
		return &SendResult{
			Success:     false,
			Provider:    "brevo",
			StatusCode:  resp.StatusCode,
			RateLimited: true,
			Error:       fmt.Errorf("Brevo throttled: %s", result.Message),
		}, nil
	}

	log.Printf("[Brevo] Sent to %s (id: %s)", logger.RedactEmail(msg.To), result.MessageID)
	return &SendResult{
		Success:    true,
		MessageID:  result.MessageID,
		Provider:   "brevo",
		StatusCode: resp.StatusCode,
		SentAt:     time.Now(),
	}, nil
}
