package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKeyVoteSubmitted is published once per admitted ballot.
const RoutingKeyVoteSubmitted = "vote.submitted"

// VoteSubmitted is the payload consumers of the vote.submitted key receive.
type VoteSubmitted struct {
	PollID         int64  `json:"pollId"`
	VoterName      string `json:"voterName"`
	SelectionCount int    `json:"selectionCount"`
}

type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewPublisher(url string) (*Publisher, error) {
	const op = "events.rabbitmq.NewPublisher"

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Publisher{conn: conn, channel: channel}, nil
}

// Publish sends payload as a persistent JSON message on the default exchange.
// Delivery is not confirmed; callers treat failures as log-only.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	const op = "events.rabbitmq.Publish"

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = p.channel.PublishWithContext(ctx, "", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *Publisher) Close() error {
	if err := p.channel.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}
