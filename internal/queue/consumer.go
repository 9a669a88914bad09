// Package queue is the pull-based ingest channel. Unparseable messages are acknowledged
// (they can never succeed); every other failure is returned so the queue redelivers.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/notification"
	"github.com/imrishuroy/go-checkout-reconciler/internal/reconcile"
	"github.com/imrishuroy/go-checkout-reconciler/internal/signature"
)

// ErrUnparseable marks a message body that is not JSON.
var ErrUnparseable = errors.New("queue: unparseable message")

// Dispatcher is satisfied by *ingest.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notification.Event, deliveryID string) (reconcile.Outcome, error)
}

// EnvelopeVerifier is satisfied by *signature.CertificateVerifier.
type EnvelopeVerifier interface {
	VerifyEnvelope(ctx context.Context, env *signature.Envelope) signature.Result
}

// Quarantine receives unparseable bodies for inspection; *aws.Publisher satisfies it.
type Quarantine interface {
	Send(ctx context.Context, messageBody string, attributes map[string]string) error
}

// Consumer handles one queue message at a time.
type Consumer struct {
	dispatcher Dispatcher
	certs      EnvelopeVerifier
	quarantine Quarantine
	logger     *zap.Logger
}

// NewConsumer builds a consumer. certs and quarantine may be nil.
func NewConsumer(dispatcher Dispatcher, certs EnvelopeVerifier, quarantine Quarantine, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{dispatcher: dispatcher, certs: certs, quarantine: quarantine, logger: logger}
}

// HandleMessage returns nil to acknowledge and an error to request redelivery.
func (c *Consumer) HandleMessage(ctx context.Context, body, messageID string) error {
	log := c.logger.With(zap.String("message_id", messageID))

	payload, deliveryID, ok := c.unwrap(ctx, []byte(body), log)
	if !ok {
		return nil
	}

	ev, err := notification.Parse(payload, notification.ChannelQueue)
	if err != nil {
		log.Error("Dropping unparseable message", zap.Error(fmt.Errorf("%w: %v", ErrUnparseable, err)))
		c.quarantineBody(ctx, body, messageID, log)
		return nil
	}

	outcome, err := c.dispatcher.Dispatch(ctx, ev, deliveryID)
	if err != nil {
		return fmt.Errorf("reconcile message %s: %w", messageID, err)
	}
	log.Info("Message reconciled", zap.String("outcome", string(outcome)))
	return nil
}

// unwrap verifies and strips an SNS envelope. ok is false when the message must be
// acknowledged without further processing.
func (c *Consumer) unwrap(ctx context.Context, body []byte, log *zap.Logger) ([]byte, string, bool) {
	env, isEnvelope := signature.ParseEnvelope(body)
	if !isEnvelope {
		return body, "", true
	}
	if env.Type != signature.TypeNotification {
		log.Info("Ignoring SNS control message", zap.String("type", env.Type))
		return nil, "", false
	}
	if c.certs == nil {
		log.Warn("No certificate verifier configured, accepting SNS envelope unverified")
		return []byte(env.Message), env.MessageID, true
	}
	if res := c.certs.VerifyEnvelope(ctx, env); !res.Authenticated() {
		log.Warn("Dropping SNS message with invalid signature", zap.String("reason", res.Reason))
		return nil, "", false
	}
	return []byte(env.Message), env.MessageID, true
}

func (c *Consumer) quarantineBody(ctx context.Context, body, messageID string, log *zap.Logger) {
	if c.quarantine == nil {
		return
	}
	err := c.quarantine.Send(ctx, body, map[string]string{
		"SourceMessageId": messageID,
		"Reason":          "unparseable",
	})
	if err != nil {
		log.Error("Failed to quarantine message", zap.Error(err))
	}
}

// Handle is the Lambda SQS entry point. The first failing record fails the batch, so
// Lambda retries it and eventually moves it to the DLQ.
func (c *Consumer) Handle(ctx context.Context, ev events.SQSEvent) error {
	c.logger.Info("Received SQS batch", zap.Int("records", len(ev.Records)))
	for _, rec := range ev.Records {
		if err := c.HandleMessage(ctx, rec.Body, rec.MessageId); err != nil {
			c.logger.Error("Worker error", zap.Error(err))
			return err
		}
	}
	return nil
}
