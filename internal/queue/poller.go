package queue

import (
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/aws"
)

// Poller long-polls an SQS queue. A message is deleted only after HandleMessage
// succeeds; failed messages reappear after the visibility timeout.
type Poller struct {
	sqs         aws.SQSAPI
	queueURL    string
	consumer    *Consumer
	logger      *zap.Logger
	maxMessages int32
	waitSeconds int32
	backoff     time.Duration
}

func NewPoller(client aws.SQSAPI, queueURL string, consumer *Consumer, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		sqs:         client,
		queueURL:    queueURL,
		consumer:    consumer,
		logger:      logger,
		maxMessages: 10,
		waitSeconds: 20,
		backoff:     5 * time.Second,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting queue poller", zap.String("queue_url", p.queueURL))
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("Receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.backoff):
			}
		}
	}
}

// PollOnce receives one batch and returns how many messages were acknowledged.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	out, err := p.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &p.queueURL,
		MaxNumberOfMessages: p.maxMessages,
		WaitTimeSeconds:     p.waitSeconds,
	})
	if err != nil {
		return 0, fmt.Errorf("receive message: %w", err)
	}

	acked := 0
	for _, msg := range out.Messages {
		id := sdkaws.ToString(msg.MessageId)
		if err := p.consumer.HandleMessage(ctx, sdkaws.ToString(msg.Body), id); err != nil {
			p.logger.Warn("Leaving message for redelivery", zap.String("message_id", id), zap.Error(err))
			continue
		}
		_, err := p.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &p.queueURL,
			ReceiptHandle: msg.ReceiptHandle,
		})
		if err != nil {
			p.logger.Error("Delete failed, message will be redelivered", zap.String("message_id", id), zap.Error(err))
			continue
		}
		acked++
	}
	return acked, nil
}
