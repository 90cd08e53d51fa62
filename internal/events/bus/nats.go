package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
)

// Headers set on every published message so consumers can route without decoding.
const (
	HeaderEventID        = "Hitl-Event-Id"
	HeaderEventType      = "Hitl-Event-Type"
	HeaderConversationID = "Hitl-Conversation-Id"
)

// NATSEventBus implements EventBus on a NATS connection so sink output can be consumed by
// other processes. Subjects are prefixed with the configured subject prefix on the wire.
type NATSEventBus struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

// NewNATSEventBus connects to NATS with reconnection enabled.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.WithFields(zap.String("component", "nats-bus"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed", zap.NamedError("last_error", nc.LastError()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("NATS async error", zap.Error(err), zap.String("subject", subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", zap.String("url", cfg.URL), zap.String("subject_prefix", cfg.SubjectPrefix))
	return &NATSEventBus{conn: conn, prefix: strings.Trim(cfg.SubjectPrefix, "."), logger: log}, nil
}

// wireSubject adds the subject prefix.
func (b *NATSEventBus) wireSubject(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return b.prefix + "." + subject
}

// Publish sends event as JSON with routing headers.
func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(b.wireSubject(subject))
	msg.Data = data
	msg.Header.Set(HeaderEventID, event.ID)
	msg.Header.Set(HeaderEventType, event.Type)
	if event.ConversationID != "" {
		msg.Header.Set(HeaderConversationID, event.ConversationID)
	}

	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", event.Type, subject, err)
	}
	b.logger.Debug("Published event",
		zap.String("subject", msg.Subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe decodes messages on subject into events. NATS delivers the messages of one
// subscription in order on a single goroutine.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.wireSubject(subject), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("Dropping undecodable event",
				zap.String("subject", msg.Subject),
				zap.String("event_id", msg.Header.Get(HeaderEventID)),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Warn("Event handler error",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.logger.Debug("Subscribed to subject", zap.String("subject", sub.Subject))
	return sub, nil
}

// Close drains the connection, falling back to a hard close.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
