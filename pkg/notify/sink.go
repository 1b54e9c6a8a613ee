package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coachchat/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const publishTimeout = 5 * time.Second

// Sink publishes delivery events to Kafka for downstream notification
// fanout (push, email digests). Writes happen on the writer's own
// goroutines so callers never block on the broker; failures are logged
// and dropped.
type Sink struct {
	writer *kafka.Writer
	logger *logrus.Logger
	topic  string
}

type event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	TargetUserID   string    `json:"targetUserId,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func NewSink(brokers []string, topic string, logger *logrus.Logger) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	writer.Completion = func(messages []kafka.Message, err error) {
		if err != nil {
			logger.WithError(err).WithField("count", len(messages)).Warn("Notification publish failed")
		}
	}

	return &Sink{writer: writer, logger: logger, topic: topic}, nil
}

// MessageSent announces a confirmed delivery.
func (s *Sink) MessageSent(ctx context.Context, msg *models.Message) {
	s.publish(ctx, event{
		Type:           "message.sent",
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		OccurredAt:     time.Now().UTC(),
	})
}

// Mentioned announces that a message mentions a specific user.
func (s *Sink) Mentioned(ctx context.Context, msg *models.Message, userID string) {
	s.publish(ctx, event{
		Type:           "message.mentioned",
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		TargetUserID:   userID,
		OccurredAt:     time.Now().UTC(),
	})
}

func (s *Sink) publish(ctx context.Context, evt event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to marshal notification event")
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	// Async writer: this only enqueues, completion is reported via the
	// Completion callback.
	if err := s.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(evt.ConversationID),
		Value: payload,
	}); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"type":      evt.Type,
			"messageId": evt.MessageID,
		}).Warn("Failed to enqueue notification event")
	}
}

func (s *Sink) Close() error {
	return s.writer.Close()
}
