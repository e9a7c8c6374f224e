// Package queue contains the background consumer that listens to the
// claim.settled queue and writes one line per settlement to logs/claims.log.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// StartClaimsConsumer connects to RabbitMQ, declares the claim.settled
// queue (durable) and appends every message to <logDir>/claims.log.  It
// reconnects with backoff until ctx is cancelled; a message that cannot be
// handled is rejected without requeue so the loop keeps going.
func StartClaimsConsumer(ctx context.Context, url, logDir string) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Printf("claims-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, logDir)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("claims-consumer: consume loop ended: %v; reconnecting", err)
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, logDir string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Printf("claims-consumer: set QoS failed: %v", err)
	}

	if _, err := ch.QueueDeclare(ClaimSettledQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.Consume(ClaimSettledQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := handleMessage(logDir, d.Body); err != nil {
				log.Printf("claims-consumer: handle message failed: %v", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func handleMessage(logDir string, body []byte) error {
	var ev ClaimSettledEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Code == "" {
		return errors.New("event without code")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "claims.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(formatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func formatLine(ev ClaimSettledEvent) string {
	tx := ev.TxHash
	if tx == "" {
		tx = "-"
	}
	return fmt.Sprintf("[%s] Claim settled | code=%s | event_id=%d | beneficiary=%s | status=%s | tx=%s | delegated=%t | bumps=%d\n",
		ev.SettledAt, ev.Code, ev.EventID, ev.Beneficiary, ev.Status, tx, ev.Delegated, ev.BumpCount)
}
