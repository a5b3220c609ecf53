// internal/notify/provider_client.go
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ProviderClient talks to a messaging provider's HTTP API for one
// channel. Calls go through a circuit breaker so a dead provider fails
// fast instead of tying up scheduler passes, and through a rate limiter
// matching the provider's send quota.
type ProviderClient struct {
	channel Channel
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func newProviderClient(channel Channel, baseURL string) *ProviderClient {
	return &ProviderClient{
		channel: channel,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(channel) + "-provider",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		limiter: rate.NewLimiter(rate.Every(time.Second), 10), // 10 messages per second
	}
}

// NewSMSClient creates a client for the SMS provider endpoint.
func NewSMSClient(baseURL string) *ProviderClient {
	return newProviderClient(ChannelSMS, baseURL)
}

// NewWhatsAppClient creates a client for the WhatsApp provider endpoint.
func NewWhatsAppClient(baseURL string) *ProviderClient {
	return newProviderClient(ChannelWhatsApp, baseURL)
}

func (c *ProviderClient) Channel() Channel {
	return c.channel
}

// Send posts the message to the provider. Any non-2xx response counts
// as a failure for both the caller and the circuit breaker.
func (c *ProviderClient) Send(ctx context.Context, msg Message) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("%s send failed: %w", c.channel, err)
	}
	return nil
}

func (c *ProviderClient) post(ctx context.Context, msg Message) error {
	payload := struct {
		To           string            `json:"to"`
		Trigger      string            `json:"trigger"`
		Channel      string            `json:"channel"`
		TemplateData map[string]string `json:"template_data,omitempty"`
	}{
		To:           msg.Phone,
		Trigger:      msg.Trigger,
		Channel:      string(c.channel),
		TemplateData: msg.TemplateData,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/messages", c.baseURL), bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}
