// Package notify hands human-facing notifications to a delivery transport.
// Delivery itself, including its retries, belongs to the transport.
package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
)

// Message is the transport-neutral notification body.
type Message struct {
	ID         uuid.UUID         `json:"id"`
	TenantID   uuid.UUID         `json:"tenant_id"`
	Channel    string            `json:"channel"`
	TemplateID string            `json:"template_id"`
	Data       map[string]string `json:"data,omitempty"`
	DocumentID *uuid.UUID        `json:"document_id,omitempty"`
	MatchID    *uuid.UUID        `json:"match_id,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes notifications to the log. It is always available and is
// the default transport.
type LogSender struct {
	logger logrus.FieldLogger
}

func NewLogSender(logger logrus.FieldLogger) *LogSender {
	return &LogSender{logger: logging.Component(logger, "notify.log")}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"notification_id": msg.ID,
		"tenant_id":       msg.TenantID,
		"channel":         msg.Channel,
		"template_id":     msg.TemplateID,
		"data":            msg.Data,
	}).Info("notification")
	return nil
}
