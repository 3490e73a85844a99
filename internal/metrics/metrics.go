package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Name:      "command_total",
			Help:      "Number of finished commands by terminal status.",
		}, []string{"command", "status"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployr",
			Name:      "command_duration_seconds",
			Help:      "Wall time of one command invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"},
	)
	launchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Name:      "launch_attempts_total",
			Help:      "Install server launch attempts by result.",
		}, []string{"result"},
	)
	serverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Name:      "server_requests_total",
			Help:      "Requests handled by the install server by variant.",
		}, []string{"variant"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Name:      "state_transitions_total",
			Help:      "State machine transitions.",
		}, []string{"machine", "from", "to"},
	)

	collectors = []prometheus.Collector{commands, commandDuration, launchAttempts, serverRequests, stateTransitions}
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Push sends every collector to a Prometheus pushgateway. Commands are
// short-lived, so there is nothing to scrape.
func Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if job == "" {
		job = "deployr"
	}
	p := push.New(url, job)
	for _, c := range collectors {
		p = p.Collector(c)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCommand(command, status string) {
	if regOK.Load() {
		commands.WithLabelValues(command, status).Inc()
	}
}

func ObserveCommandDuration(command string, seconds float64) {
	if regOK.Load() {
		commandDuration.WithLabelValues(command).Observe(seconds)
	}
}

func IncLaunchAttempt(result string) {
	if regOK.Load() {
		launchAttempts.WithLabelValues(result).Inc()
	}
}

func IncServerRequest(variant string) {
	if regOK.Load() {
		serverRequests.WithLabelValues(variant).Inc()
	}
}

func RecordStateTransition(machine, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(machine, from, to).Inc()
	}
}
