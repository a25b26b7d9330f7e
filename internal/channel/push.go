package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/store"
)

// SNSAPI is the subset of the SNS client the push and SMS adapters use.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// ContactStore resolves recipient destinations.
type ContactStore interface {
	GetContact(ctx context.Context, userID, tenantID uuid.UUID) (*store.Contact, error)
	RemovePushEndpoint(ctx context.Context, userID, tenantID uuid.UUID, arn string) error
}

// PushAdapter delivers via SNS platform endpoints. A recipient may have
// several registered devices; delivery succeeds when at least one endpoint
// accepts the message. Disabled endpoints are removed from the contact
// record so later sends stop targeting dead devices.
type PushAdapter struct {
	client   SNSAPI
	contacts ContactStore
	logger   *zap.Logger
}

// NewPushAdapter builds the push adapter with a real SNS client.
func NewPushAdapter(ctx context.Context, region string, contacts ContactStore, logger *zap.Logger) (*PushAdapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, &ConfigurationError{Channel: store.ChannelPush, Err: fmt.Errorf("load AWS config: %w", err)}
	}
	return NewPushAdapterWithClient(sns.NewFromConfig(awsCfg), contacts, logger), nil
}

// NewPushAdapterWithClient wires an explicit SNS client.
func NewPushAdapterWithClient(client SNSAPI, contacts ContactStore, logger *zap.Logger) *PushAdapter {
	return &PushAdapter{
		client:   client,
		contacts: contacts,
		logger:   logger,
	}
}

func (a *PushAdapter) Channel() store.Channel { return store.ChannelPush }

// pushPayload is the JSON body published to each platform endpoint.
type pushPayload struct {
	NotificationID string `json:"notification_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Subtitle       string `json:"subtitle,omitempty"`
	Category       string `json:"category"`
	Priority       string `json:"priority"`
}

func (a *PushAdapter) Deliver(ctx context.Context, n *store.Notification) error {
	contact, err := a.contacts.GetContact(ctx, n.RecipientID, n.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		return &NoDestinationError{Channel: store.ChannelPush, Reason: "no contact record"}
	}
	if err != nil {
		return &TransportError{Channel: store.ChannelPush, Err: fmt.Errorf("contact lookup: %w", err)}
	}
	if len(contact.PushEndpoints) == 0 {
		return &NoDestinationError{Channel: store.ChannelPush, Reason: "no registered devices"}
	}

	body, err := json.Marshal(pushPayload{
		NotificationID: n.ID.String(),
		Title:          n.Title,
		Body:           n.Message,
		Subtitle:       n.Subtitle,
		Category:       string(n.Category),
		Priority:       string(n.Priority),
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	var (
		accepted int
		lastErr  error
	)
	for _, ep := range contact.PushEndpoints {
		_, err := a.client.Publish(ctx, &sns.PublishInput{
			TargetArn: aws.String(ep.ARN),
			Message:   aws.String(string(body)),
		})
		if err == nil {
			accepted++
			continue
		}

		var disabled *snstypes.EndpointDisabledException
		if errors.As(err, &disabled) {
			a.logger.Info("removing disabled push endpoint",
				zap.String("user_id", n.RecipientID.String()),
				zap.String("endpoint_arn", ep.ARN),
			)
			if rmErr := a.contacts.RemovePushEndpoint(ctx, n.RecipientID, n.TenantID, ep.ARN); rmErr != nil {
				a.logger.Warn("push endpoint removal failed", zap.Error(rmErr))
			}
			continue
		}

		lastErr = err
		a.logger.Warn("push publish failed",
			zap.String("notification_id", n.ID.String()),
			zap.String("endpoint_arn", ep.ARN),
			zap.Error(err),
		)
	}

	if accepted > 0 {
		return nil
	}
	if lastErr != nil {
		return &TransportError{Channel: store.ChannelPush, Err: lastErr}
	}
	return &NoDestinationError{Channel: store.ChannelPush, Reason: "all registered devices disabled"}
}
