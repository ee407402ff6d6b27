// Package notify fans state changes out to live viewers and optional broker sinks.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
	"github.com/mr1hm/disaster-sentinel/internal/config"
)

// Sink is an outbound broker that mirrors live envelopes.
type Sink interface {
	Name() string
	Publish(ctx context.Context, env broadcast.Envelope) error
	Close() error
}

type Fanout struct {
	hub         *broadcast.Hub
	sinks       []Sink
	sinkTimeout time.Duration
}

// SinksFromConfig connects the configured brokers. A broker that cannot be
// reached is logged and left out.
func SinksFromConfig(cfg config.NotifyConfig) []Sink {
	var sinks []Sink
	if cfg.MQTTBroker != "" {
		m, err := NewMQTTSink(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopic)
		if err != nil {
			slog.Error("mqtt sink disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			sinks = append(sinks, m)
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	return sinks
}

func NewFanout(hub *broadcast.Hub, sinks ...Sink) *Fanout {
	return &Fanout{
		hub:         hub,
		sinks:       sinks,
		sinkTimeout: 5 * time.Second,
	}
}

// Notify delivers {typ, data} to viewers first, then to every sink. Sink failures are logged only.
func (f *Fanout) Notify(ctx context.Context, typ string, data any) {
	if len(f.sinks) == 0 && f.hub.ViewerCount() == 0 {
		return
	}

	env, err := broadcast.NewEnvelope(typ, data)
	if err != nil {
		slog.Error("failed to encode notification", "type", typ, "error", err)
		return
	}
	f.hub.BroadcastEnvelope(env)

	for _, s := range f.sinks {
		sctx, cancel := context.WithTimeout(ctx, f.sinkTimeout)
		if err := s.Publish(sctx, env); err != nil {
			slog.Warn("notification sink failed", "sink", s.Name(), "type", typ, "error", err)
		}
		cancel()
	}
}

func (f *Fanout) Hub() *broadcast.Hub {
	return f.hub
}

func (f *Fanout) Close() {
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			slog.Warn("failed to close sink", "sink", s.Name(), "error", err)
		}
	}
}
