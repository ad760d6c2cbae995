package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/assesshub/backend/internal/config"
	"github.com/assesshub/backend/internal/metrics"
	"github.com/assesshub/backend/internal/models"
	"github.com/assesshub/backend/pkg/logger"
)

// Mailer delivers a single HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// ResendMailer posts through the Resend HTTP API.
type ResendMailer struct {
	cfg        config.EmailConfig
	httpClient *http.Client
}

func NewResendMailer(cfg config.EmailConfig) *ResendMailer {
	return &ResendMailer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (m *ResendMailer) Send(ctx context.Context, to, subject, html string) error {
	payload := map[string]interface{}{
		"from":    m.cfg.FromEmail,
		"to":      []string{to},
		"subject": subject,
		"html":    html,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("resend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

type outgoingEmail struct {
	Kind    string
	To      string
	Subject string
	HTML    string
}

// NotificationService sends candidate emails off the request path. Delivery
// is best-effort: a full queue or a failed send is logged and counted, never
// surfaced to the caller.
type NotificationService struct {
	Mailer     Mailer
	AppBaseURL string
	queue      chan outgoingEmail
}

func NewNotificationService(mailer Mailer, appBaseURL string) *NotificationService {
	s := &NotificationService{
		Mailer:     mailer,
		AppBaseURL: appBaseURL,
		queue:      make(chan outgoingEmail, 256),
	}
	go s.processQueue()
	return s
}

// EnqueueInvite sends the initial invitation. The invite must carry preloaded
// Challenge and Candidate associations.
func (s *NotificationService) EnqueueInvite(invite *models.Invite) {
	challenge := invite.Challenge
	link := s.assignmentLink(invite.Token)

	subject := fmt.Sprintf("You're invited: %s", challenge.Title)
	if challenge.EmailSubject != nil && *challenge.EmailSubject != "" {
		subject = renderTemplate(*challenge.EmailSubject, &challenge, link)
	}

	html := fmt.Sprintf(
		"<p>Hi%s,</p><p>You have been invited to complete the coding challenge <strong>%s</strong>.</p>"+
			"<p>You must start before <strong>%s</strong>. Once started, you will have %d hours to submit.</p>"+
			"<p><a href=\"%s\">Open your assignment</a></p>",
		candidateGreeting(invite.Candidate),
		challenge.Title,
		invite.StartDeadlineAt.UTC().Format("Mon, 02 Jan 2006 15:04 MST"),
		challenge.CompleteWindowHours,
		link,
	)
	if challenge.EmailBody != nil && *challenge.EmailBody != "" {
		html = renderTemplate(*challenge.EmailBody, &challenge, link)
	}

	s.enqueue(outgoingEmail{
		Kind:    "invite",
		To:      invite.Candidate.Email,
		Subject: subject,
		HTML:    html,
	})
}

// EnqueueFollowUp sends an admin-authored message to the candidate, e.g. a
// reminder or a post-review note.
func (s *NotificationService) EnqueueFollowUp(invite *models.Invite, subject, body string) {
	link := s.assignmentLink(invite.Token)
	s.enqueue(outgoingEmail{
		Kind:    "follow_up",
		To:      invite.Candidate.Email,
		Subject: subject,
		HTML:    renderTemplate(body, &invite.Challenge, link),
	})
}

func (s *NotificationService) enqueue(email outgoingEmail) {
	select {
	case s.queue <- email:
	default:
		metrics.EmailsMetric.WithLabelValues(email.Kind, "dropped").Inc()
		logger.Warn("email_queue_full", map[string]interface{}{
			"kind":    email.Kind,
			"dropped": true,
		})
	}
}

func (s *NotificationService) processQueue() {
	for email := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.Mailer.Send(ctx, email.To, email.Subject, email.HTML)
		cancel()

		if err != nil {
			metrics.EmailsMetric.WithLabelValues(email.Kind, "error").Inc()
			logger.Error("email_send_failed", err, map[string]interface{}{
				"kind":    email.Kind,
				"subject": email.Subject,
			})
			continue
		}
		metrics.EmailsMetric.WithLabelValues(email.Kind, "sent").Inc()
		logger.Info("email_sent", map[string]interface{}{
			"kind":    email.Kind,
			"subject": email.Subject,
		})
	}
}

func (s *NotificationService) assignmentLink(token string) string {
	return fmt.Sprintf("%s/assignment/%s", strings.TrimRight(s.AppBaseURL, "/"), token)
}

// renderTemplate substitutes the small placeholder set admins may use in
// custom subjects and bodies.
func renderTemplate(tmpl string, challenge *models.Challenge, link string) string {
	r := strings.NewReplacer(
		"{{challenge_title}}", challenge.Title,
		"{{assignment_link}}", link,
	)
	return r.Replace(tmpl)
}

func candidateGreeting(candidate models.Candidate) string {
	if candidate.Name != nil && *candidate.Name != "" {
		return " " + *candidate.Name
	}
	return ""
}
