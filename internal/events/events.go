// Package events publishes settlement outcomes to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

const TypeSettled = "allocation.settled"

// Settled is emitted once per committed hourly allocation.
type Settled struct {
	Type             string          `json:"type"`
	LogID            string          `json:"log_id"`
	PortfolioID      uint            `json:"portfolio_id"`
	TeamID           uint            `json:"team_id"`
	HourEndAt        time.Time       `json:"hour_end_at"`
	HourlyProfit     decimal.Decimal `json:"hourly_profit"`
	ProfitToTeam     decimal.Decimal `json:"profit_to_team"`
	ProfitToPlatform decimal.Decimal `json:"profit_to_platform"`
	ProfitToUser     decimal.Decimal `json:"profit_to_user"`
	RatioVersion     int             `json:"ratio_version"`
	SettledAt        time.Time       `json:"settled_at"`
}

type Publisher interface {
	PublishSettled(ctx context.Context, evt Settled) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by portfolio, so all
// hours of one portfolio land on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("kafka publisher created")

	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) PublishSettled(ctx context.Context, evt Settled) error {
	msg, err := settledMessage(evt)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish settlement event: %w", err)
	}

	log.Debug().
		Str("log_id", evt.LogID).
		Uint("portfolio_id", evt.PortfolioID).
		Msg("settlement event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func settledMessage(evt Settled) (kafka.Message, error) {
	evt.Type = TypeSettled
	data, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal settlement event: %w", err)
	}

	return kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(evt.PortfolioID), 10)),
		Value: data,
		Time:  evt.SettledAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(TypeSettled)},
		},
	}, nil
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishSettled(context.Context, Settled) error { return nil }
func (NopPublisher) Close() error                                 { return nil }
