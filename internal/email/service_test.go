package email

import (
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "intake@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "intake@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NewService(tt.config).IsConfigured())
		})
	}
}

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func capturingService(t *testing.T) (*Service, *capturedMail) {
	t.Helper()
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "intake@example.com", FromName: "Intake"})
	captured := &capturedMail{}
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		captured.addr, captured.from, captured.to, captured.msg = addr, from, to, string(msg)
		return nil
	}
	return svc, captured
}

func TestSendResumeLink(t *testing.T) {
	svc, mail := capturingService(t)
	expires := time.Date(2026, 6, 3, 12, 0, 0, 0, time.UTC)

	require.NoError(t, svc.SendResumeLink("client@example.com", "Ada", "https://intake.example.com/resume", expires))

	assert.Equal(t, "smtp.example.com:587", mail.addr)
	assert.Equal(t, []string{"client@example.com"}, mail.to)
	for _, want := range []string{"Subject: Continue your Intake onboarding", "From: Intake <intake@example.com>", "https://intake.example.com/resume", "June 3, 2026", "Hi Ada"} {
		assert.Contains(t, mail.msg, want)
	}
}

func TestSendStatusNotice(t *testing.T) {
	svc, mail := capturingService(t)

	require.NoError(t, svc.SendStatusNotice("client@example.com", "Ada", "Client onboarding", "completed"))
	assert.Contains(t, mail.msg, "Client onboarding is completed", "subject should name the workflow and status")
}

func TestUnconfiguredServiceRefusesToSend(t *testing.T) {
	svc := NewService(Config{})
	assert.Error(t, svc.SendResumeLink("client@example.com", "Ada", "https://x", time.Now()))
}

func TestRenderTemplateEscapesHTML(t *testing.T) {
	html, err := renderTemplate(statusNoticeTemplate, StatusNoticeData{AppName: "Intake", UserName: "<b>Ada</b>", WorkflowTitle: "Onboarding", Status: "archived"})
	require.NoError(t, err)
	assert.NotContains(t, html, "<b>Ada</b>", "user name should be escaped")
}
