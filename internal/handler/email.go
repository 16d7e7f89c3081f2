// Package handler contains the built-in task handlers the worker binary
// registers. Delivery is at-least-once; every handler here is written to be
// safe to re-run.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/worker"
)

// EmailConfig configures the SMTP relay used by email.send.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailPayload is the payload for email.send tasks.
type EmailPayload struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// EmailHandler sends notification emails over SMTP.
type EmailHandler struct {
	logger *zap.Logger
	config EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailHandler creates the email.send handler.
func NewEmailHandler(config EmailConfig, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{
		logger: logger.Named("email"),
		config: config,
		send:   smtp.SendMail,
	}
}

func (h *EmailHandler) Name() string { return "email.send" }

func (h *EmailHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p EmailPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return worker.Permanent(fmt.Errorf("decode email payload: %w", err))
	}
	if len(p.To) == 0 {
		return worker.Permanent(fmt.Errorf("email payload has no recipients"))
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/html; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		h.config.From, strings.Join(p.To, ", "), p.Subject, p.Body)

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)
	var auth smtp.Auth
	if h.config.Username != "" {
		auth = smtp.PlainAuth("", h.config.Username, h.config.Password, h.config.Host)
	}

	if err := h.send(addr, auth, h.config.From, p.To, []byte(msg)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	h.logger.Info("Email sent",
		zap.Int("recipients", len(p.To)),
		zap.String("subject", p.Subject))
	return nil
}
