// Package email sends account mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"

	"go.uber.org/zap"
)

const AppName = "Card Studio"

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   SendFunc
	logger *zap.Logger
}

func NewService(config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		logger: logger,
	}
}

// WithSender replaces the SMTP transport.
func (s *Service) WithSender(send SendFunc) *Service {
	s.send = send
	return s
}

func (s *Service) IsConfigured() bool {
	return s != nil && s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

type message struct {
	to      string
	subject string
	text    string
	html    string
}

func (s *Service) deliver(m message) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = mime.QEncoding.Encode("utf-8", s.config.FromName) + " <" + s.config.From + ">"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, part := range []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=UTF-8", m.text},
		{"text/html; charset=UTF-8", m.html},
	} {
		w, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return fmt.Errorf("create mime part: %w", err)
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return fmt.Errorf("write mime part: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close mime writer: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", m.to)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", writer.Boundary())
	msg.Write(body.Bytes())

	if err := s.send(s.server, s.auth, s.config.From, []string{m.to}, msg.Bytes()); err != nil {
		s.logger.Warn("smtp send failed", zap.String("subject", m.subject), zap.Error(err))
		return fmt.Errorf("send mail: %w", err)
	}
	s.logger.Debug("mail sent", zap.String("subject", m.subject))
	return nil
}

type linkData struct {
	AppName  string
	UserName string
	URL      string
}

func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	data := linkData{AppName: AppName, UserName: userName, URL: verificationURL}
	html, err := render(verificationTemplate, data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	return s.deliver(message{
		to:      to,
		subject: "Confirm your " + AppName + " account",
		text:    fmt.Sprintf("Hi %s,\n\nConfirm your email address to start writing against your Future-Self Card:\n%s\n\nThe link expires in 24 hours.\n", userName, verificationURL),
		html:    html,
	})
}

func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	data := linkData{AppName: AppName, UserName: userName, URL: resetURL}
	html, err := render(passwordResetTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	return s.deliver(message{
		to:      to,
		subject: "Reset your " + AppName + " password",
		text:    fmt.Sprintf("Hi %s,\n\nUse this link to choose a new password:\n%s\n\nThe link expires in 1 hour. If you did not ask for a reset, ignore this mail.\n", userName, resetURL),
		html:    html,
	})
}

func render(t *template.Template, data any) (string, error) {
	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutStyle = `body { font-family: Georgia, 'Times New Roman', serif; line-height: 1.6; color: #2b2b2b; max-width: 560px; margin: 0 auto; padding: 24px; }
        .button { display: inline-block; padding: 10px 20px; background: #3d5a45; color: #fff; text-decoration: none; border-radius: 3px; }
        .muted { font-size: 12px; color: #777; }
        .link { word-break: break-all; }`

var verificationTemplate = template.Must(template.New("verify").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Confirm your {{.AppName}} account</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <h1>{{.AppName}}</h1>
    <p>Hi {{.UserName}},</p>
    <p>Confirm your email address to start writing against your Future-Self Card.</p>
    <p><a href="{{.URL}}" class="button">Confirm email</a></p>
    <p class="link">{{.URL}}</p>
    <p class="muted">This link expires in 24 hours. If you did not sign up for {{.AppName}}, ignore this mail.</p>
</body>
</html>`))

var passwordResetTemplate = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <h1>{{.AppName}}</h1>
    <p>Hi {{.UserName}},</p>
    <p>Someone asked to reset the password on your account.</p>
    <p><a href="{{.URL}}" class="button">Choose a new password</a></p>
    <p class="link">{{.URL}}</p>
    <p class="muted">This link expires in 1 hour. Your password stays the same until you use it.</p>
</body>
</html>`))
