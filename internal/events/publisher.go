// Package events publishes learning lifecycle events over NATS so other
// parts of the system can react to drift and completed consolidation
// without polling.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/consolidation"
	"github.com/fyrsmithlabs/braind/internal/learning"
)

// Subjects follow braind.{tenant}.{event}.
const (
	subjectDrift         = "braind.%s.drift"
	subjectConsolidation = "braind.%s.consolidation"
)

// Publisher emits events on a NATS connection. Publishing is best-effort:
// a failed publish is logged, never surfaced to the learning path.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewPublisher creates a publisher over an established connection.
func NewPublisher(nc *nats.Conn, logger *zap.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, logger: logger.Named("events")}, nil
}

// DriftDetected publishes a drift event for the tenant. Wire it to
// Learner.OnDrift.
func (p *Publisher) DriftDetected(event learning.DriftEvent) {
	tenant := event.Tenant
	if tenant == "" {
		tenant = "shared"
	}
	p.publish(fmt.Sprintf(subjectDrift, tenant), "drift", event)
}

// ConsolidationCompleted publishes a cycle summary. Implements
// consolidation.EventSink.
func (p *Publisher) ConsolidationCompleted(tenant string, stats *consolidation.CycleStats) {
	p.publish(fmt.Sprintf(subjectConsolidation, tenant), "consolidation", stats)
}

func (p *Publisher) publish(subject, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
		return
	}
	eventsPublished.WithLabelValues(kind).Inc()
}
