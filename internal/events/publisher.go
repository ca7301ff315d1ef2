package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	SubjectStagingChanged  = "catalog.staging.changed"
	SubjectStagingUndone   = "catalog.staging.undone"
	SubjectPushCompleted   = "catalog.push.completed"
	SubjectSnapshotRefresh = "catalog.snapshot.refreshed"
)

// StagingEvent is published after every committed journal mutation
type StagingEvent struct {
	EventType string    `json:"event_type"`
	TenantID  string    `json:"tenant_id"`
	Target    string    `json:"target"`
	Action    string    `json:"action"`
	Count     int       `json:"count"`
	SessionID string    `json:"session_id,omitempty"`
	Backend   string    `json:"backend"`
	Timestamp time.Time `json:"timestamp"`
}

// SnapshotEvent is published after a catalog snapshot refresh
type SnapshotEvent struct {
	EventType string    `json:"event_type"`
	Rows      int       `json:"rows"`
	Locations int       `json:"locations"`
	Backend   string    `json:"backend"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits domain events. A nil *Publisher drops events.
type Publisher struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// NewPublisher connects to NATS
func NewPublisher(natsURL string, logger *logrus.Logger) (*Publisher, error) {
	if natsURL == "" {
		return nil, fmt.Errorf("NATS_URL not set")
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("catalog-sync-service-publisher"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Publisher{
		conn:   conn,
		logger: logger.WithField("component", "events.publisher"),
	}, nil
}

// PublishStaging emits a journal event on the subject for its action
func (p *Publisher) PublishStaging(subject string, event StagingEvent) {
	if event.EventType == "" {
		event.EventType = subject
	}
	p.publish(subject, event)
}

// PublishSnapshot emits a snapshot refresh event
func (p *Publisher) PublishSnapshot(event SnapshotEvent) {
	event.EventType = SubjectSnapshotRefresh
	p.publish(SubjectSnapshotRefresh, event)
}

func (p *Publisher) publish(subject string, payload interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.WithError(err).WithField("subject", subject).Error("Failed to marshal event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.WithError(err).WithField("subject", subject).Warn("Failed to publish event")
	}
}

// Close drains the connection
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.WithError(err).Warn("Failed to drain NATS connection")
	}
}
