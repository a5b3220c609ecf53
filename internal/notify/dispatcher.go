// internal/notify/dispatcher.go
package notify

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher fans one message out to every configured channel. The
// channels are independent: one failing never stops the others.
type Dispatcher struct {
	senders []Sender
	tracer  trace.Tracer
}

func NewDispatcher(senders ...Sender) *Dispatcher {
	return &Dispatcher{
		senders: senders,
		tracer:  otel.Tracer("atelier/notify"),
	}
}

// SendAll attempts every channel concurrently and returns the channels
// that accepted the message. It returns ErrAllChannelsFailed only when
// no channel succeeded; one accepted channel is enough for the message
// to count as delivered.
func (d *Dispatcher) SendAll(ctx context.Context, msg Message) ([]Channel, error) {
	ctx, span := d.tracer.Start(ctx, "notify.send_all",
		trace.WithAttributes(
			attribute.String("message.trigger", msg.Trigger),
			attribute.Int("channel.count", len(d.senders)),
		),
	)
	defer span.End()

	var (
		mu        sync.Mutex
		delivered []Channel
		wg        sync.WaitGroup
	)

	for _, sender := range d.senders {
		wg.Add(1)
		go func(sender Sender) {
			defer wg.Done()
			if err := sender.Send(ctx, msg); err != nil {
				log.Printf("notify: %s channel failed for trigger %s: %v", sender.Channel(), msg.Trigger, err)
				return
			}
			mu.Lock()
			delivered = append(delivered, sender.Channel())
			mu.Unlock()
		}(sender)
	}
	wg.Wait()

	span.SetAttributes(attribute.Int("channels.delivered", len(delivered)))
	if len(delivered) == 0 {
		return nil, ErrAllChannelsFailed
	}
	return delivered, nil
}
