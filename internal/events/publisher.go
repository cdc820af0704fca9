// Package events announces committed ledger and moderation changes so that
// clients holding a cached balance can invalidate it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

type Envelope struct {
	Subject   string    `json:"subject"`
	Data      any       `json:"data"`
	Published time.Time `json:"publishedAt"`
}

type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("credits-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(Envelope{Subject: subject, Data: payload, Published: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.nc.Publish(subject, data)
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// NopPublisher drops events. Used when NATS_URL is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }

func (NopPublisher) Close() error { return nil }

// PublishAsync fires the event without blocking the caller's response path.
// Failures are logged; the committed mutation stays authoritative.
func PublishAsync(p Publisher, subject string, payload any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Publish(ctx, subject, payload); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
		}
	}()
}
