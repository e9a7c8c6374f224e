package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/queue"
)

// AMQPPublisher publishes settlement events to RabbitMQ.  Each publish
// opens its own connection; settlements are rare compared to request
// traffic.  Errors are logged and returned so the caller can ignore them.
type AMQPPublisher struct {
	url string
}

func NewAMQPPublisher(url string) *AMQPPublisher {
	return &AMQPPublisher{url: url}
}

// PublishClaimSettled sends ev to the durable claim.settled queue as a
// persistent message.
func (p *AMQPPublisher) PublishClaimSettled(ctx context.Context, ev queue.ClaimSettledEvent) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		log.Printf("rabbitmq: dial failed: %v", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("rabbitmq: channel open failed: %v", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(
		queue.ClaimSettledQueue, // name
		true,                    // durable
		false,                   // autoDelete
		false,                   // exclusive
		false,                   // noWait
		nil,                     // args
	); err != nil {
		log.Printf("rabbitmq: queue declare failed: %v", err)
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("rabbitmq: marshal event failed: %v", err)
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx,
		"",                      // default exchange
		queue.ClaimSettledQueue, // routing key = queue name
		false,                   // mandatory
		false,                   // immediate
		pub,
	); err != nil {
		log.Printf("rabbitmq: publish failed: %v", err)
		return err
	}
	return nil
}

// nopPublisher is used when no broker is configured.
type nopPublisher struct{}

func (nopPublisher) PublishClaimSettled(context.Context, queue.ClaimSettledEvent) error { return nil }

// NopPublisher returns a publisher that drops every event.
func NopPublisher() SettlementPublisher { return nopPublisher{} }

// settledEvent builds the payload for a claim that reached a settled state.
func settledEvent(c *model.Claim, txHash string, at time.Time) queue.ClaimSettledEvent {
	return queue.ClaimSettledEvent{
		Code:        c.Code,
		EventID:     c.EventID,
		Beneficiary: c.BeneficiaryAddress(),
		Status:      c.Status,
		TxHash:      txHash,
		Delegated:   c.DelegatedMint,
		BumpCount:   c.BumpCount,
		SettledAt:   at.UTC().Format(time.RFC3339),
	}
}
