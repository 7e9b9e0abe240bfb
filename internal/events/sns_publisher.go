package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSPublisher fans lifecycle events out to an SNS topic. Subscribers
// (dashboard, audit log stream) filter on the "type" message attribute.
type SNSPublisher struct {
	client   *sns.Client
	topicARN string
	logger   *zap.Logger
}

type SNSConfig struct {
	Region   string
	TopicARN string
}

// NewSNSPublisher creates a publisher for the lifecycle event topic.
func NewSNSPublisher(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSPublisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sns event publisher initialized",
		zap.String("topic_arn", cfg.TopicARN),
	)

	return &SNSPublisher{
		client:   sns.NewFromConfig(awsCfg),
		topicARN: cfg.TopicARN,
		logger:   logger,
	}, nil
}

// Publish sends one lifecycle event to the topic.
func (p *SNSPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Type),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		p.logger.Error("failed to publish lifecycle event",
			zap.Error(err),
			zap.String("type", ev.Type),
			zap.String("crisis_alert_id", ev.CrisisAlertID.String()),
		)
		return fmt.Errorf("sns publish failed: %w", err)
	}

	p.logger.Debug("lifecycle event published",
		zap.String("type", ev.Type),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}
