package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const DefaultSubjectPrefix = "jobqueue"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher sends events as JSON to <prefix>.<type>, e.g.
// jobqueue.finished.
type NATSPublisher struct {
	conn   Conn
	prefix string
	log    logrus.FieldLogger
}

// DialNATS connects to url and returns a publisher on it.
func DialNATS(url, prefix string, log logrus.FieldLogger) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	nc, err := nats.Connect(url,
		nats.Name("jobqueue"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	log.Infof("Connected to NATS at %s", url)
	return NewNATSPublisher(nc, prefix, log), nil
}

func NewNATSPublisher(conn Conn, prefix string, log logrus.FieldLogger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, log: log}
}

func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("serialize %s event: %w", ev.Type, err)
	}
	subject := p.Subject(ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.log.WithFields(logrus.Fields{
		"subject": subject,
		"iens":    ev.Index,
		"status":  ev.Status.String(),
	}).Debug("Published event")
	return nil
}

// Close flushes pending messages before closing the connection.
func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.conn.FlushWithContext(ctx)
	p.conn.Close()
	return err
}
