// Package events is the business-scoped event bus. The dispatcher
// publishes assistant replies and read receipts here; websocket hubs
// subscribe per business and fan messages out to connected clients.
//
// Subjects follow dialog.business.<id>.<event>. Payloads are JSON.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event names published on the bus.
const (
	EventAIResponse = "ai_response"
	EventNewMessage = "new_message"
	EventMarkRead   = "mark_read"
)

const subjectPrefix = "dialog.business."

var errClosed = errors.New("events: bus closed")

// Event is one delivered bus message.
type Event struct {
	BusinessID string
	Name       string
	Data       []byte
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Bus publishes and subscribes business events over NATS. With
// config.Events.Embedded an in-process server is started, so a
// single-node deployment needs no external broker.
type Bus struct {
	nc       *nats.Conn
	embedded *natsserver.Server
	logger   *zap.Logger
}

// Connect dials the configured NATS endpoint, starting the embedded
// server first when requested.
func Connect(cfg config.EventsConfig, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var embedded *natsserver.Server
	url := cfg.URL
	if cfg.Embedded {
		srv, err := startEmbedded()
		if err != nil {
			return nil, fmt.Errorf("starting embedded nats: %w", err)
		}
		embedded = srv
		url = srv.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}

	logger.Info("event bus connected", zap.String("url", url), zap.Bool("embedded", cfg.Embedded))
	return &Bus{nc: nc, embedded: embedded, logger: logger}, nil
}

func startEmbedded() (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded nats server not ready")
	}
	return srv, nil
}

// Subject returns the NATS subject for one business event.
func Subject(businessID, event string) string {
	return subjectPrefix + sanitizeToken(businessID) + "." + sanitizeToken(event)
}

// sanitizeToken keeps ids usable as subject tokens. Dots and spaces
// would change subject structure, so they are replaced.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, s)
}

// Publish sends one event for a business. The payload is JSON-encoded.
func (b *Bus) Publish(_ context.Context, businessID, event string, payload any) error {
	if b == nil || b.nc == nil {
		return errClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	if err := b.nc.Publish(Subject(businessID, event), data); err != nil {
		return fmt.Errorf("publishing %s event: %w", event, err)
	}
	return nil
}

// Subscription is a live business subscription.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe stops delivery.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// SubscribeBusiness delivers every event of one business to fn. fn
// runs on the NATS delivery goroutine and must not block.
func (b *Bus) SubscribeBusiness(businessID string, fn func(Event)) (*Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, errClosed
	}
	prefix := subjectPrefix + sanitizeToken(businessID) + "."
	sub, err := b.nc.Subscribe(prefix+"*", func(msg *nats.Msg) {
		fn(Event{
			BusinessID: businessID,
			Name:       strings.TrimPrefix(msg.Subject, prefix),
			Data:       msg.Data,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to business %s: %w", businessID, err)
	}
	return &Subscription{sub: sub}, nil
}

// Flush waits for in-flight publishes to reach the server.
func (b *Bus) Flush() error {
	if b == nil || b.nc == nil {
		return errClosed
	}
	return b.nc.Flush()
}

// Close drains the connection and stops the embedded server if one was
// started.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if b.nc != nil {
		b.nc.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}
