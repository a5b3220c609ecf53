// internal/notify/notify.go
package notify

import (
	"context"
	"errors"
)

var ErrAllChannelsFailed = errors.New("all notification channels failed")

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Message is one customer notification. Trigger names the message
// template on the provider side; TemplateData fills its placeholders.
type Message struct {
	Trigger      string            `json:"trigger"`
	Phone        string            `json:"phone"`
	TemplateData map[string]string `json:"template_data,omitempty"`
}

// Sender delivers a message over a single channel.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, msg Message) error
}
