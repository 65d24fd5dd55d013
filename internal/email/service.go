// Package email sends client notifications via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	AppName  string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	if config.AppName == "" {
		config.AppName = "Intake"
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends an HTML email with a plain text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-intake"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type ResumeLinkData struct {
	AppName   string
	UserName  string
	ResumeURL string
	ExpiresAt string
}

type StatusNoticeData struct {
	AppName       string
	UserName      string
	WorkflowTitle string
	Status        string
}

// SendResumeLink emails a client the link to continue their intake.
func (s *Service) SendResumeLink(to, userName, resumeURL string, expiresAt time.Time) error {
	data := ResumeLinkData{
		AppName:   s.config.AppName,
		UserName:  userName,
		ResumeURL: resumeURL,
		ExpiresAt: expiresAt.UTC().Format("January 2, 2006"),
	}
	html, err := renderTemplate(resumeLinkTemplate, data)
	if err != nil {
		return fmt.Errorf("render resume link template: %w", err)
	}
	text := fmt.Sprintf("Continue your intake at %s (link valid until %s).", resumeURL, data.ExpiresAt)
	return s.SendHTMLEmail([]string{to}, "Continue your "+s.config.AppName+" onboarding", text, html)
}

// SendStatusNotice tells a client their advisor moved the workflow to a new
// status.
func (s *Service) SendStatusNotice(to, userName, workflowTitle, status string) error {
	data := StatusNoticeData{
		AppName:       s.config.AppName,
		UserName:      userName,
		WorkflowTitle: workflowTitle,
		Status:        status,
	}
	html, err := renderTemplate(statusNoticeTemplate, data)
	if err != nil {
		return fmt.Errorf("render status notice template: %w", err)
	}
	text := fmt.Sprintf("Your %s is now %s.", workflowTitle, status)
	return s.SendHTMLEmail([]string{to}, workflowTitle+" is "+status, text, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const emailStyle = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #1f6f5c; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #1f6f5c; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #1f6f5c; }`

const resumeLinkTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Continue your {{.AppName}} onboarding</title>
    <style>` + emailStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>Your answers are saved as you type. Use the link below to pick up where you left off.</p>

    <p>
        <a href="{{.ResumeURL}}" class="button">Continue onboarding</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResumeURL}}</p>

    <p>This link stays valid until {{.ExpiresAt}}.</p>

    <div class="footer">
        <p>If you did not start an onboarding with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const statusNoticeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.WorkflowTitle}}</title>
    <style>` + emailStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>Your advisor marked <strong>{{.WorkflowTitle}}</strong> as {{.Status}}.</p>

    <div class="footer">
        <p>Reply to this email if something looks wrong.</p>
    </div>
</body>
</html>`
