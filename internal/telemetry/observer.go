// Package telemetry consumes gateway lifecycle events from the bus and feeds
// both the OpenTelemetry instruments and the /metrics snapshot counters.
package telemetry

import (
	"context"
	"sync/atomic"

	"github.com/coppermind/agentbridge/internal/audit"
	"github.com/coppermind/agentbridge/internal/bus"
	"github.com/coppermind/agentbridge/internal/otel"
)

// Observer aggregates bus events into counters.
type Observer struct {
	metrics *otel.Metrics

	connectionsActive atomic.Int64
	sessionsActive    atomic.Int64
	promptsTotal      atomic.Int64
	promptsCompleted  atomic.Int64
	updatesForwarded  atomic.Int64
	processSpawns     atomic.Int64
	processExits      atomic.Int64
	stderrMatches     atomic.Int64
}

// New creates an observer. Metrics may be nil when telemetry is disabled;
// snapshot counters are maintained regardless.
func New(metrics *otel.Metrics) *Observer {
	return &Observer{metrics: metrics}
}

// Run consumes events until ctx is done. Call in a goroutine.
func (o *Observer) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			o.consume(ctx, ev)
		}
	}
}

func (o *Observer) consume(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicConnectionOpened:
		o.connectionsActive.Add(1)
		if o.metrics != nil {
			o.metrics.ConnectionsActive.Add(ctx, 1)
		}
	case bus.TopicConnectionClosed:
		o.connectionsActive.Add(-1)
		if o.metrics != nil {
			o.metrics.ConnectionsActive.Add(ctx, -1)
		}
	case bus.TopicSessionCreated:
		o.sessionsActive.Add(1)
		if o.metrics != nil {
			o.metrics.SessionsActive.Add(ctx, 1)
		}
	case bus.TopicSessionClosed:
		o.sessionsActive.Add(-1)
		if o.metrics != nil {
			o.metrics.SessionsActive.Add(ctx, -1)
		}
	case bus.TopicPromptAccepted:
		o.promptsTotal.Add(1)
		if o.metrics != nil {
			o.metrics.PromptsTotal.Add(ctx, 1)
		}
	case bus.TopicPromptUpdate:
		o.updatesForwarded.Add(1)
		if o.metrics != nil {
			o.metrics.UpdatesForwarded.Add(ctx, 1)
		}
	case bus.TopicPromptCompleted:
		o.promptsCompleted.Add(1)
		if o.metrics != nil {
			o.metrics.PromptsCompleted.Add(ctx, 1)
		}
	case bus.TopicProcessSpawned:
		o.processSpawns.Add(1)
		if o.metrics != nil {
			o.metrics.ProcessSpawns.Add(ctx, 1)
		}
	case bus.TopicProcessExited:
		o.processExits.Add(1)
		if o.metrics != nil {
			o.metrics.ProcessExits.Add(ctx, 1)
		}
	case bus.TopicProcessStderrMatch:
		o.stderrMatches.Add(1)
		if o.metrics != nil {
			o.metrics.StderrMatches.Add(ctx, 1)
		}
	}
}

// Snapshot returns the current counters for the /metrics endpoint.
func (o *Observer) Snapshot() map[string]any {
	return map[string]any{
		"connections_active": o.connectionsActive.Load(),
		"sessions_active":    o.sessionsActive.Load(),
		"prompts_total":      o.promptsTotal.Load(),
		"prompts_completed":  o.promptsCompleted.Load(),
		"updates_forwarded":  o.updatesForwarded.Load(),
		"process_spawns":     o.processSpawns.Load(),
		"process_exits":      o.processExits.Load(),
		"stderr_matches":     o.stderrMatches.Load(),
		"auth_denials":       audit.DenyCount(),
	}
}
