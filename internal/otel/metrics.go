package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all bridge metric instruments.
type Metrics struct {
	ConnectionsActive metric.Int64UpDownCounter
	SessionsActive    metric.Int64UpDownCounter
	PromptsTotal      metric.Int64Counter
	UpdatesForwarded  metric.Int64Counter
	PromptsCompleted  metric.Int64Counter
	ProcessSpawns     metric.Int64Counter
	ProcessExits      metric.Int64Counter
	StderrMatches     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ConnectionsActive, err = meter.Int64UpDownCounter("agentbridge.connections.active",
		metric.WithDescription("Open client connections"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsActive, err = meter.Int64UpDownCounter("agentbridge.sessions.active",
		metric.WithDescription("Live agent sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.PromptsTotal, err = meter.Int64Counter("agentbridge.prompts.total",
		metric.WithDescription("Prompts accepted from clients"),
	)
	if err != nil {
		return nil, err
	}

	m.UpdatesForwarded, err = meter.Int64Counter("agentbridge.updates.forwarded",
		metric.WithDescription("Streamed updates forwarded to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.PromptsCompleted, err = meter.Int64Counter("agentbridge.prompts.completed",
		metric.WithDescription("Prompt turns completed"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessSpawns, err = meter.Int64Counter("agentbridge.process.spawns",
		metric.WithDescription("Agent subprocesses spawned"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessExits, err = meter.Int64Counter("agentbridge.process.exits",
		metric.WithDescription("Agent subprocess exits"),
	)
	if err != nil {
		return nil, err
	}

	m.StderrMatches, err = meter.Int64Counter("agentbridge.process.stderr_matches",
		metric.WithDescription("Stderr lines matching the error taxonomy"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
