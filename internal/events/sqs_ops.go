package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// SQSOpsQueue delivers ops escalations to a dedicated queue consumed by the
// on-call tooling. Used for the one fatal-to-the-feature case: an alert with
// zero resolvable recipients, where silence would mean nobody is notified.
type SQSOpsQueue struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

type SQSConfig struct {
	Region   string
	QueueURL string
}

// NewSQSOpsQueue creates the ops escalation queue client.
func NewSQSOpsQueue(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQSOpsQueue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs ops queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &SQSOpsQueue{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Report sends one ops escalation. Failures here are logged at error level;
// the caller has nothing better to do with them, and the alert row itself
// remains queryable as the fallback signal.
func (q *SQSOpsQueue) Report(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal ops event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := q.client.SendMessage(ctx, input)
	if err != nil {
		q.logger.Error("failed to send ops escalation",
			zap.Error(err),
			zap.String("type", ev.Type),
			zap.String("crisis_alert_id", ev.CrisisAlertID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	q.logger.Warn("ops escalation sent",
		zap.String("type", ev.Type),
		zap.String("crisis_alert_id", ev.CrisisAlertID.String()),
		zap.String("sqs_message_id", *result.MessageId),
	)

	return nil
}
