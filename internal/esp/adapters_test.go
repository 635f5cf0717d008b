package esp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sampleMessage() *EmailMessage {
	return &EmailMessage{
		To:          "customer@example.com",
		ToName:      "Sample Customer",
		Subject:     "New arrivals",
		HTMLContent: "<p>Hello</p>",
		FromName:    "Essencia",
		FromEmail:   "hello@mail.essencia.com",
		TrackingID:  "nl_42_b0_m1",
	}
}

func TestSendGridSend(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Header().Set("X-Message-Id", "sg-msg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSendGridSender("sg-test-key")
	s.SetBaseURL(srv.URL)

	res, err := s.Send(context.Background(), sampleMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.MessageID != "sg-msg-1" {
		t.Errorf("message id = %s, want sg-msg-1", res.MessageID)
	}
	if gotAuth != "Bearer sg-test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotPayload["subject"] != "New arrivals" {
		t.Errorf("subject not forwarded: %v", gotPayload["subject"])
	}
}

func TestSendGridRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"errors":[{"message":"too many requests"}]}`))
	}))
	defer srv.Close()

	s := NewSendGridSender("sg-test-key")
	s.SetBaseURL(srv.URL)

	res, err := s.Send(context.Background(), sampleMessage())
	if err != nil {
		t.Fatalf("vendor rejection must come back as a result, got error: %v", err)
	}
	if res.Success {
		t.Error("expected failure")
	}
	if !res.RateLimited {
		t.Error("429 should set RateLimited")
	}
	if res.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d", res.StatusCode)
	}
}

func TestSendGridAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSendGridSender("bad-key")
	s.SetBaseURL(srv.URL)

	res, err := s.Send(context.Background(), sampleMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 failure, got %+v", res)
	}
}

func TestSendGridMissingKey(t *testing.T) {
	s := NewSendGridSender("")
	if _, err := s.Send(context.Background(), sampleMessage()); err == nil {
		t.Error("missing API key should error before any request")
	}
}

func TestBrevoSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "brevo-test-key" {
			t.Errorf("api-key header = %q", r.Header.Get("api-key"))
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"messageId":"brevo-msg-1"}`))
	}))
	defer srv.Close()

	s := NewBrevoSender("brevo-test-key")
	s.SetBaseURL(srv.URL)

	res, err := s.Send(context.Background(), sampleMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success || res.MessageID != "brevo-msg-1" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestBrevoSoftThrottle(t *testing.T) {
	// Accepted status, throttle code in the body.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"code":"too_many_requests","message":"Too many requests, slow down"}`))
	}))
	defer srv.Close()

	s := NewBrevoSender("brevo-test-key")
	s.SetBaseURL(srv.URL)

	res, err := s.Send(context.Background(), sampleMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success {
		t.Error("soft throttle should not be a success")
	}
	if !res.RateLimited {
		t.Error("soft throttle should set RateLimited")
	}
}

func TestMailjetSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "mj-key" || pass != "mj-secret" {
			t.Errorf("basic auth = %s:%s ok=%v", user, pass, ok)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"Messages":[{"Status":"success","To":[{"MessageUUID":"mj-uuid-1"}]}]}`))
	}))
	defer srv.Close()

	s := NewMailjetSender("mj-key", "mj-secret")
	s.SetBaseURL(srv.URL)

	res, err := s.Send(context.Background(), sampleMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestMailjetPerMessageRejection(t *testing.T) {
	// 200 envelope, rejected message inside.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"Messages":[{"Status":"error","Errors":[{"ErrorMessage":"sender not validated"}]}]}`))
	}))
	defer srv.Close()

	s := NewMailjetSender("mj-key", "mj-secret")
	s.SetBaseURL(srv.URL)

	res, err := s.Send(context.Background(), sampleMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success {
		t.Error("per-message rejection should fail the result")
	}
	if res.Error == nil {
		t.Error("rejection reason should be carried in the result")
	}
}

func TestMailjetServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewMailjetSender("mj-key", "mj-secret")
	s.SetBaseURL(srv.URL)

	res, err := s.Send(context.Background(), sampleMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 failure, got %+v", res)
	}
}
