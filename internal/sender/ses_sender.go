package sender

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
)

// SESSender delivers the email channel via AWS SES.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send delivers an email alert via SES. A malformed payload is permanent;
// an SES call failure is transient and retried by the processor.
func (s *SESSender) Send(ctx context.Context, item *db.QueueItem) (string, error) {
	if item.Channel != db.ChannelEmail {
		return "", fmt.Errorf("%w: SES sender only supports email, got %s", ErrPermanent, item.Channel)
	}

	var payload EmailPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return "", fmt.Errorf("%w: invalid email payload: %v", ErrPermanent, err)
	}
	if payload.To == "" {
		return "", fmt.Errorf("%w: email payload missing 'to' field", ErrPermanent)
	}
	if payload.Body == "" {
		return "", fmt.Errorf("%w: email payload missing 'body' field", ErrPermanent)
	}
	subject := payload.Subject
	if subject == "" {
		subject = "Crisis alert"
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{payload.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(payload.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("alert email sent via SES",
		zap.String("item_id", item.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
