package channel

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/store"
)

// SESAPI is the subset of the SES client the email adapter uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailAdapter delivers via SES with an HTML body and a plaintext
// fallback. The HTML header bar is colored by priority so urgent messages
// are visually distinct in the inbox.
type EmailAdapter struct {
	client   SESAPI
	contacts ContactStore
	from     string
	logger   *zap.Logger
}

// NewEmailAdapter builds the email adapter with a real SES client.
func NewEmailAdapter(ctx context.Context, region, fromEmail string, contacts ContactStore, logger *zap.Logger) (*EmailAdapter, error) {
	if fromEmail == "" {
		return nil, &ConfigurationError{Channel: store.ChannelEmail, Err: errors.New("from address is required")}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, &ConfigurationError{Channel: store.ChannelEmail, Err: fmt.Errorf("load AWS config: %w", err)}
	}
	return NewEmailAdapterWithClient(ses.NewFromConfig(awsCfg), fromEmail, contacts, logger), nil
}

// NewEmailAdapterWithClient wires an explicit SES client.
func NewEmailAdapterWithClient(client SESAPI, fromEmail string, contacts ContactStore, logger *zap.Logger) *EmailAdapter {
	return &EmailAdapter{
		client:   client,
		contacts: contacts,
		from:     fromEmail,
		logger:   logger,
	}
}

func (a *EmailAdapter) Channel() store.Channel { return store.ChannelEmail }

func (a *EmailAdapter) Deliver(ctx context.Context, n *store.Notification) error {
	contact, err := a.contacts.GetContact(ctx, n.RecipientID, n.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		return &NoDestinationError{Channel: store.ChannelEmail, Reason: "no contact record"}
	}
	if err != nil {
		return &TransportError{Channel: store.ChannelEmail, Err: fmt.Errorf("contact lookup: %w", err)}
	}
	if contact.Email == nil || *contact.Email == "" {
		return &NoDestinationError{Channel: store.ChannelEmail, Reason: "no email address"}
	}
	if !contact.EmailVerified {
		return &NoDestinationError{Channel: store.ChannelEmail, Reason: "email address not verified"}
	}

	subject := n.Title
	if n.Subtitle != "" {
		subject = n.Title + " - " + n.Subtitle
	}

	input := &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{*contact.Email},
		},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &sestypes.Body{
				Html: &sestypes.Content{
					Data:    aws.String(renderEmailHTML(n)),
					Charset: aws.String("UTF-8"),
				},
				Text: &sestypes.Content{
					Data:    aws.String(renderEmailText(n)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return &TransportError{Channel: store.ChannelEmail, Err: err}
	}

	a.logger.Info("email sent",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// priorityColor is the header bar color per priority.
func priorityColor(p store.Priority) string {
	switch p {
	case store.PriorityCritical:
		return "#d32f2f"
	case store.PriorityHigh:
		return "#f57c00"
	case store.PriorityMedium:
		return "#1976d2"
	default:
		return "#616161"
	}
}

func renderEmailHTML(n *store.Notification) string {
	var b strings.Builder
	b.WriteString(`<html><body style="margin:0;font-family:Helvetica,Arial,sans-serif;background:#f5f5f5;">`)
	b.WriteString(`<div style="max-width:600px;margin:24px auto;background:#ffffff;border-radius:8px;overflow:hidden;">`)
	fmt.Fprintf(&b, `<div style="background:%s;color:#ffffff;padding:16px 24px;">`, priorityColor(n.Priority))
	fmt.Fprintf(&b, `<h2 style="margin:0;font-size:18px;">%s</h2>`, html.EscapeString(n.Title))
	if n.Subtitle != "" {
		fmt.Fprintf(&b, `<p style="margin:4px 0 0;font-size:13px;opacity:0.9;">%s</p>`, html.EscapeString(n.Subtitle))
	}
	b.WriteString(`</div>`)
	fmt.Fprintf(&b, `<div style="padding:24px;color:#333333;font-size:14px;line-height:1.5;">%s</div>`, html.EscapeString(n.Message))

	if len(n.Actions) > 0 {
		b.WriteString(`<div style="padding:0 24px 24px;">`)
		for _, action := range n.Actions {
			fmt.Fprintf(&b,
				`<a href="%s" style="display:inline-block;margin-right:8px;padding:10px 20px;background:%s;color:#ffffff;text-decoration:none;border-radius:4px;font-size:13px;">%s</a>`,
				html.EscapeString(action.URL), priorityColor(n.Priority), html.EscapeString(action.Label))
		}
		b.WriteString(`</div>`)
	}

	b.WriteString(`</div></body></html>`)
	return b.String()
}

func renderEmailText(n *store.Notification) string {
	var b strings.Builder
	b.WriteString(n.Title)
	b.WriteString("\n\n")
	b.WriteString(n.Message)
	for _, action := range n.Actions {
		fmt.Fprintf(&b, "\n\n%s: %s", action.Label, action.URL)
	}
	b.WriteString("\n")
	return b.String()
}
