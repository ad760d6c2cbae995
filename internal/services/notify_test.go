package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/assesshub/backend/internal/config"
	"github.com/assesshub/backend/internal/models"
)

func TestResendMailer_Send(t *testing.T) {
	var captured map[string]any
	var authorization string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed decoding request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mailer := NewResendMailer(config.EmailConfig{
		APIKey:    "re_test_key",
		APIURL:    server.URL,
		FromEmail: "assessments@example.com",
	})

	err := mailer.Send(context.Background(), "dev@example.com", "Subject line", "<p>Body</p>")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if authorization != "Bearer re_test_key" {
		t.Fatalf("expected bearer auth, got %q", authorization)
	}
	if captured["from"] != "assessments@example.com" {
		t.Fatalf("unexpected from: %v", captured["from"])
	}
	to := captured["to"].([]any)
	if len(to) != 1 || to[0] != "dev@example.com" {
		t.Fatalf("unexpected to: %v", captured["to"])
	}
	if captured["subject"] != "Subject line" || captured["html"] != "<p>Body</p>" {
		t.Fatalf("unexpected payload: %v", captured)
	}
}

func TestResendMailer_SendSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid from address"}`))
	}))
	defer server.Close()

	mailer := NewResendMailer(config.EmailConfig{APIURL: server.URL})
	if err := mailer.Send(context.Background(), "dev@example.com", "s", "b"); err == nil {
		t.Fatalf("expected error on 422 response")
	}
}

func TestNotificationService_InviteEmailTemplating(t *testing.T) {
	mailer := &recordingMailer{done: make(chan struct{}, 4)}
	svc := NewNotificationService(mailer, "http://localhost:3000/")

	subject := "Your {{challenge_title}} assessment"
	body := "<p>Start here: {{assignment_link}}</p>"
	invite := &models.Invite{
		Token:           "a1b2c3",
		StartDeadlineAt: time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC),
		Challenge: models.Challenge{
			Title:               "Rate Limiter Kata",
			CompleteWindowHours: 168,
			EmailSubject:        &subject,
			EmailBody:           &body,
		},
		Candidate: models.Candidate{Email: "dev@example.com"},
	}

	svc.EnqueueInvite(invite)
	mailer.wait(t)

	sent := mailer.last()
	if sent.subject != "Your Rate Limiter Kata assessment" {
		t.Fatalf("unexpected subject: %q", sent.subject)
	}
	if sent.html != "<p>Start here: http://localhost:3000/assignment/a1b2c3</p>" {
		t.Fatalf("unexpected body: %q", sent.html)
	}
	if sent.to != "dev@example.com" {
		t.Fatalf("unexpected recipient: %q", sent.to)
	}
}

func TestNotificationService_DefaultInviteBodyNamesDeadline(t *testing.T) {
	mailer := &recordingMailer{done: make(chan struct{}, 4)}
	svc := NewNotificationService(mailer, "http://localhost:3000")

	invite := &models.Invite{
		Token:           "a1b2c3",
		StartDeadlineAt: time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC),
		Challenge: models.Challenge{
			Title:               "Rate Limiter Kata",
			CompleteWindowHours: 168,
		},
		Candidate: models.Candidate{Email: "dev@example.com"},
	}

	svc.EnqueueInvite(invite)
	mailer.wait(t)

	sent := mailer.last()
	if sent.subject != "You're invited: Rate Limiter Kata" {
		t.Fatalf("unexpected subject: %q", sent.subject)
	}
	if !containsAll(sent.html, "Rate Limiter Kata", "168 hours", "http://localhost:3000/assignment/a1b2c3") {
		t.Fatalf("default body missing expected content: %q", sent.html)
	}
}

type recordedEmail struct {
	to      string
	subject string
	html    string
}

type recordingMailer struct {
	emails []recordedEmail
	done   chan struct{}
}

func (m *recordingMailer) Send(_ context.Context, to, subject, html string) error {
	m.emails = append(m.emails, recordedEmail{to: to, subject: subject, html: html})
	m.done <- struct{}{}
	return nil
}

func (m *recordingMailer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for email delivery")
	}
}

func (m *recordingMailer) last() recordedEmail {
	return m.emails[len(m.emails)-1]
}

func containsAll(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}
