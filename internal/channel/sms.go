package channel

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/store"
)

// smsLimit is the single-segment SMS budget.
const smsLimit = 160

const optOutFooter = " Reply STOP to opt out"

// SMSAdapter delivers over SNS SMS publish. Messages are trimmed to one
// segment; non-critical messages carry an opt-out footer inside the
// budget.
type SMSAdapter struct {
	client   SNSAPI
	contacts ContactStore
	logger   *zap.Logger
}

// NewSMSAdapter builds the SMS adapter with a real SNS client.
func NewSMSAdapter(ctx context.Context, region string, contacts ContactStore, logger *zap.Logger) (*SMSAdapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, &ConfigurationError{Channel: store.ChannelSMS, Err: fmt.Errorf("load AWS config: %w", err)}
	}
	return NewSMSAdapterWithClient(sns.NewFromConfig(awsCfg), contacts, logger), nil
}

// NewSMSAdapterWithClient wires an explicit SNS client.
func NewSMSAdapterWithClient(client SNSAPI, contacts ContactStore, logger *zap.Logger) *SMSAdapter {
	return &SMSAdapter{
		client:   client,
		contacts: contacts,
		logger:   logger,
	}
}

func (a *SMSAdapter) Channel() store.Channel { return store.ChannelSMS }

func (a *SMSAdapter) Deliver(ctx context.Context, n *store.Notification) error {
	contact, err := a.contacts.GetContact(ctx, n.RecipientID, n.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		return &NoDestinationError{Channel: store.ChannelSMS, Reason: "no contact record"}
	}
	if err != nil {
		return &TransportError{Channel: store.ChannelSMS, Err: fmt.Errorf("contact lookup: %w", err)}
	}
	if contact.Phone == nil || *contact.Phone == "" {
		return &NoDestinationError{Channel: store.ChannelSMS, Reason: "no phone number"}
	}
	if !contact.PhoneVerified {
		return &NoDestinationError{Channel: store.ChannelSMS, Reason: "phone number not verified"}
	}

	body := FormatSMS(n.Title, n.Message, n.Priority)

	result, err := a.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: contact.Phone,
		Message:     aws.String(body),
	})
	if err != nil {
		return &TransportError{Channel: store.ChannelSMS, Err: err}
	}

	a.logger.Info("sms sent",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// FormatSMS builds the single-segment SMS body. The title leads, the
// message follows; the combined text is truncated with an ellipsis to fit
// the segment, leaving room for the opt-out footer on non-critical sends.
func FormatSMS(title, message string, priority store.Priority) string {
	footer := ""
	if priority != store.PriorityCritical {
		footer = optOutFooter
	}

	body := title
	if message != "" {
		body = title + ": " + message
	}

	budget := smsLimit - len(footer)
	if len(body) > budget {
		// Cut on a rune boundary; a byte slice through a multi-byte
		// character would hand SNS invalid UTF-8.
		cut := budget - 3
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	return body + footer
}
