// Package ingest bridges producer services into the fan-out hub. CRM
// services (call recording, campaign manager, agent presence) publish
// domain events on crm.> subjects; the bridge normalizes each message
// and hands it to the hub for room delivery.
package ingest

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lumina-crm/pulse/internal/events"
)

// PublishFunc delivers a normalized event to an organization's room.
type PublishFunc func(organizationID, eventName string, payload any)

type Bridge struct {
	nc      *nats.Conn
	publish PublishFunc
	sub     *nats.Subscription
}

// New connects to NATS and prepares the bridge. Events are ephemeral,
// so plain core subscriptions are used; a message published while the
// bridge is down is simply lost, matching room delivery semantics.
func New(natsURL string, publish PublishFunc) (*Bridge, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Bridge{nc: nc, publish: publish}, nil
}

// Start subscribes to all producer subjects.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe("crm.>", func(msg *nats.Msg) {
		b.handleMessage(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe crm.>: %w", err)
	}
	b.sub = sub

	slog.Info("subscribed to producer subjects", "subject", "crm.>")
	return nil
}

// handleMessage normalizes one producer message and fans it out.
// Subjects follow crm.<organization_id>.<entity>.<verb>; the subject
// tokens fill in whatever the message body omits.
func (b *Bridge) handleMessage(subject string, data []byte) {
	e, err := events.Normalize(data)
	if err != nil {
		slog.Warn("malformed event, skipping", "subject", subject, "error", err)
		return
	}

	tokens := strings.Split(subject, ".")
	if e.OrganizationID == "" && len(tokens) >= 2 {
		e.OrganizationID = tokens[1]
	}
	if e.Name == "" && len(tokens) >= 4 {
		e.Name = tokens[2] + ":" + tokens[3]
	}

	// An event without an owning organization is undeliverable.
	if e.OrganizationID == "" || e.Name == "" {
		slog.Warn("undeliverable event, skipping",
			"subject", subject,
			"event", e.Name,
			"organization_id", e.OrganizationID,
		)
		return
	}

	b.publish(e.OrganizationID, e.Name, e.Payload)
}

// Close drains the subscription and closes the NATS connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.nc.Drain()
}
