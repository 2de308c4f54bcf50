package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
)

// NATSPublisher publishes run events to <subject>.<job id>
type NATSPublisher struct {
	conn    natsConn
	subject string
	logger  *zap.SugaredLogger
}

// natsConn is the part of *nats.Conn the publisher uses
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// ConnectNATS dials url and returns a publisher on subject
func ConnectNATS(url, subject string, log *zap.SugaredLogger) (*NATSPublisher, error) {
	if log == nil {
		log = logger.Logger
	}
	log = log.Named("nats")

	nc, err := nats.Connect(url,
		nats.Name("metronome"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", url)
	}
	return newNATSPublisher(nc, subject, log), nil
}

func newNATSPublisher(conn natsConn, subject string, log *zap.SugaredLogger) *NATSPublisher {
	return &NATSPublisher{
		conn:    conn,
		subject: strings.TrimSuffix(subject, "."),
		logger:  log,
	}
}

// Subject returns the subject events of jobID are published to
func (p *NATSPublisher) Subject(jobID string) string {
	return p.subject + "." + jobID
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ev RunEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Errorw("Failed to encode run event", logger.FieldRunID, ev.RunID, "error", err)
		return
	}
	// nats buffers while reconnecting; an error here means the connection is closed
	if err := p.conn.Publish(p.Subject(ev.JobID), data); err != nil {
		p.logger.Warnw("Failed to publish run event",
			logger.FieldJobID, ev.JobID,
			logger.FieldRunID, ev.RunID,
			"error", err)
	}
}

// Close flushes pending events and closes the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
