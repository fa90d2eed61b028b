package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// Mailer emails alerts to a fixed recipient list over plain SMTP.
type Mailer struct {
	host   string
	port   int
	from   string
	to     []string
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *zap.Logger
}

func NewMailer(host string, port int, from string, to []string, logger *zap.Logger) *Mailer {
	return &Mailer{host: host, port: port, from: from, to: to, send: smtp.SendMail, logger: logger}
}

func (m *Mailer) Send(_ context.Context, event Event) error {
	addr := fmt.Sprintf("%s:%d", m.host, m.port)

	subject := fmt.Sprintf("Bear sighting alert [session %s]", event.SessionID)
	body := fmt.Sprintf(
		"%s\r\n\r\n"+
			"Session: %s\r\n"+
			"Frame: %d\r\n"+
			"Confidence: %.2f\r\n",
		event.Message, event.SessionID, event.FrameIndex, event.Confidence,
	)
	if event.ImageURL != "" {
		body += fmt.Sprintf("Snapshot: %s\r\n", event.ImageURL)
	}
	body += "\r\n-- bearwatch"

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.from, strings.Join(m.to, ", "), subject, body,
	)

	if err := m.send(addr, nil, m.from, m.to, []byte(msg)); err != nil {
		m.logger.Error("failed to send alert email",
			zap.Strings("to", m.to),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
		return fmt.Errorf("send email: %w", err)
	}

	m.logger.Info("alert email sent",
		zap.Strings("to", m.to),
		zap.String("session_id", event.SessionID),
	)
	return nil
}
