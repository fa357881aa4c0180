package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// PushEvent is the payload consumed by the downstream push-notification
// worker. One event is produced per recipient of a confirmed message.
type PushEvent struct {
	RecipientID    string    `json:"recipient_id"`
	SenderID       string    `json:"sender_id"`
	ConversationID string    `json:"conversation_id"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sent_at"`
}

// KafkaNotifier publishes push events to a Kafka topic. Keys are recipient
// ids so one recipient's notifications stay ordered on a single partition.
type KafkaNotifier struct {
	writer *kafkago.Writer
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.LeastBytes{},
			RequiredAcks: kafkago.RequireAll,
			Async:        false,
		},
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, recipientID, senderID, preview, conversationID string) error {
	b, err := json.Marshal(PushEvent{
		RecipientID:    recipientID,
		SenderID:       senderID,
		ConversationID: conversationID,
		Preview:        preview,
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal push event: %w", err)
	}
	return n.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(recipientID),
		Value: b,
		Time:  time.Now(),
	})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
