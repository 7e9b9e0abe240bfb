package sender

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
)

// SNSSender delivers the SMS channel via AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS deliveries
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send delivers an SMS alert via SNS. Crisis SMS are sent as Transactional
// so carriers prioritize them over promotional traffic.
func (s *SNSSender) Send(ctx context.Context, item *db.QueueItem) (string, error) {
	if item.Channel != db.ChannelSMS {
		return "", fmt.Errorf("%w: SNS sender only supports SMS, got %s", ErrPermanent, item.Channel)
	}

	var payload SMSPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return "", fmt.Errorf("%w: invalid SMS payload: %v", ErrPermanent, err)
	}
	if payload.PhoneNumber == "" {
		return "", fmt.Errorf("%w: SMS payload missing phone_number", ErrPermanent)
	}
	if payload.Message == "" {
		return "", fmt.Errorf("%w: SMS payload missing message", ErrPermanent)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(payload.PhoneNumber),
		Message:     aws.String(payload.Message),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("alert SMS sent via SNS",
		zap.String("item_id", item.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
