// Package alert provides delivery backends for the monitor's alerts.
package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"guardpost/gateway-service/internal/monitor"
)

// NATSPublisher delivers alerts onto a NATS subject per kind, so downstream
// notifiers (email, pager, chat bridges) subscribe to what they care about.
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
}

func NewNATSPublisher(url, subjectPrefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("guardpost-gateway"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: conn, subjectPrefix: subjectPrefix}, nil
}

func (p *NATSPublisher) Send(_ context.Context, a monitor.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, a.Kind)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// LogSink is the default delivery when no NATS URL is configured: alerts
// land in the structured log and nowhere else.
type LogSink struct{}

func (LogSink) Send(_ context.Context, a monitor.Alert) error {
	log.Warn().
		Str("alert_id", a.ID).
		Str("event_id", a.EventID).
		Str("kind", string(a.Kind)).
		Strs("recipients", a.Recipients).
		Msg(a.Message)
	return nil
}
