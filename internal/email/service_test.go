package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "a@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "a@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "587", From: "a@example.com"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config, nil)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func capture(out *capturedMail) SendFunc {
	return func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		*out = capturedMail{addr: addr, from: from, to: to, msg: string(msg)}
		return nil
	}
}

func TestSendVerificationEmail(t *testing.T) {
	var got capturedMail
	svc := NewService(Config{Host: "smtp.example.com", Port: "2525", From: "hello@example.com", FromName: "Card Studio"}, nil).
		WithSender(capture(&got))

	if err := svc.SendVerificationEmail("ada@example.com", "Ada", "https://app.example.com/verify?token=abc123"); err != nil {
		t.Fatalf("SendVerificationEmail failed: %v", err)
	}

	if got.addr != "smtp.example.com:2525" || got.from != "hello@example.com" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if len(got.to) != 1 || got.to[0] != "ada@example.com" {
		t.Fatalf("unexpected recipients: %v", got.to)
	}
	for _, want := range []string{
		"multipart/alternative",
		"text/plain; charset=UTF-8",
		"text/html; charset=UTF-8",
		"Hi Ada",
		"https://app.example.com/verify?token=abc123",
		"24 hours",
	} {
		if !strings.Contains(got.msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendPasswordResetEmail(t *testing.T) {
	var got capturedMail
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "hello@example.com"}, nil).
		WithSender(capture(&got))

	if err := svc.SendPasswordResetEmail("ada@example.com", "Ada", "https://app.example.com/reset?token=xyz789"); err != nil {
		t.Fatalf("SendPasswordResetEmail failed: %v", err)
	}
	if !strings.Contains(got.msg, "https://app.example.com/reset?token=xyz789") || !strings.Contains(got.msg, "1 hour") {
		t.Errorf("unexpected reset message: %s", got.msg)
	}
}

func TestSendWithoutConfigFails(t *testing.T) {
	svc := NewService(Config{}, nil)
	if err := svc.SendVerificationEmail("a@example.com", "A", "https://x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendWrapsTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	svc := NewService(Config{Host: "h", Port: "1", From: "f@example.com"}, nil).
		WithSender(func(string, smtp.Auth, string, []string, []byte) error { return boom })
	if err := svc.SendPasswordResetEmail("a@example.com", "A", "https://x"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestVerificationTemplateEscapesName(t *testing.T) {
	html, err := render(verificationTemplate, linkData{AppName: AppName, UserName: "<b>Ada</b>", URL: "https://x"})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if strings.Contains(html, "<b>Ada</b>") {
		t.Error("user name should be escaped")
	}
}
