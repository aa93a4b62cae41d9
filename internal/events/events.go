// Package events streams ledger entries to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/perp-engine/internal/model"
)

// Publisher receives every ledger entry after it has been committed.
type Publisher interface {
	Publish(ctx context.Context, entries ...model.LedgerEntry) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, ...model.LedgerEntry) error { return nil }
func (Nop) Close() error                                        { return nil }

// KafkaPublisher writes each entry to the topic of its kind, keyed so that
// one user's (or one market's) entries stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
}

// NewKafkaPublisher creates a publisher writing to topics named
// "<prefix>.<kind>" on brokers.
func NewKafkaPublisher(brokers []string, prefix string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		prefix: prefix,
	}
}

// Topic returns the topic entries of kind are written to.
func Topic(prefix string, kind model.LedgerKind) string {
	if prefix == "" {
		return string(kind)
	}
	return prefix + "." + string(kind)
}

// partitionKey groups user entries by address and market-wide entries by
// market index.
func partitionKey(e model.LedgerEntry) string {
	if e.UserAddress != "" {
		return e.UserAddress
	}
	return "market-" + strconv.FormatUint(e.MarketIndex, 10)
}

// Message encodes e as a kafka message for the topic of its kind.
func Message(prefix string, e model.LedgerEntry) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: marshal %s entry %s: %w", e.Kind, e.ID, err)
	}
	return kafka.Message{
		Topic: Topic(prefix, e.Kind),
		Key:   []byte(partitionKey(e)),
		Value: data,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "seq", Value: []byte(strconv.FormatUint(e.Seq, 10))},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, entries ...model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		m, err := Message(p.prefix, e)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("events: write %d messages: %w", len(msgs), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
