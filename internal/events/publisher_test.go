package events

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/braind/internal/consolidation"
	"github.com/fyrsmithlabs/braind/internal/learning"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestPublisherDriftDetected(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	sub, err := nc.SubscribeSync("braind.acme.drift")
	require.NoError(t, err)

	p, err := NewPublisher(nc, zaptest.NewLogger(t))
	require.NoError(t, err)

	p.DriftDetected(learning.DriftEvent{
		Tenant:     "acme",
		Skill:      "subject-line",
		Domain:     "email",
		OlderMean:  0.05,
		RecentMean: 0.35,
		DetectedAt: time.Now(),
	})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var event learning.DriftEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "subject-line", event.Skill)
	assert.InDelta(t, 0.35, event.RecentMean, 1e-9)
}

func TestPublisherConsolidationCompleted(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	sub, err := nc.SubscribeSync("braind.acme.consolidation")
	require.NoError(t, err)

	p, err := NewPublisher(nc, zaptest.NewLogger(t))
	require.NoError(t, err)

	p.ConsolidationCompleted("acme", &consolidation.CycleStats{
		Tenant:          "acme",
		PatternsWritten: 3,
	})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var stats consolidation.CycleStats
	require.NoError(t, json.Unmarshal(msg.Data, &stats))
	assert.Equal(t, 3, stats.PatternsWritten)
}

func TestPublisherValidation(t *testing.T) {
	_, err := NewPublisher(nil, nil)
	assert.Error(t, err)
}
