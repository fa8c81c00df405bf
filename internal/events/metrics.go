package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "braind",
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Events published to NATS, by kind.",
}, []string{"kind"})
