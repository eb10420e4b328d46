package company

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NotificationOwnerInvited is sent when a company is created and its owner invited
const NotificationOwnerInvited = "company.owner_invited"

// Notification is a platform event for downstream mailers and dashboards
type Notification struct {
	Type      string    `json:"type"`
	CompanyID uuid.UUID `json:"companyId"`
	Company   string    `json:"company"`
	Recipient string    `json:"recipient"`
	Name      string    `json:"name,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// Notifier delivers platform notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Publisher is the NATS subset used by NATSNotifier
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes notifications as JSON
type NATSNotifier struct {
	nc      Publisher
	subject string
}

// NewNATSNotifier creates a notifier publishing on subject
func NewNATSNotifier(nc Publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = "platform.notifications"
	}
	return &NATSNotifier{nc: nc, subject: subject}
}

// Notify publishes n
func (n *NATSNotifier) Notify(ctx context.Context, msg Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s notification: %w", msg.Type, err)
	}
	return nil
}

// LogNotifier only logs notifications
type LogNotifier struct{}

// Notify logs n
func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	log.Info().
		Str("type", n.Type).
		Str("company_id", n.CompanyID.String()).
		Str("recipient", n.Recipient).
		Msg("Platform notification")
	return nil
}

// Notifiers delivers to every notifier in order and joins their errors
type Notifiers []Notifier

// Notify sends n to each notifier
func (ns Notifiers) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range ns {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
