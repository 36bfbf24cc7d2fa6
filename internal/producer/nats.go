// Package producer feeds payloads into a fanout sink from a NATS
// subscription, the same connect/subscribe/handler shape as
// go-server/pkg/nats/client.go's Client, trimmed to the one subject this
// sink cares about and wired directly to Sink.Render instead of a
// generic per-subject handler map.
package producer

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/fanoutsink/internal/fanout"
	"github.com/adred-codev/fanoutsink/internal/telemetry"
)

// Config is the NATS connection configuration.
type Config struct {
	URL             string
	Subject         string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// Producer subscribes to a NATS subject and renders every message it
// receives into a Sink, using the supplied decoder to build each Payload
// and its header/keyframe/timestamp fields.
type Producer struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	logger  zerolog.Logger
	decoder func([]byte) (*fanout.Payload, error)
}

// New connects to NATS and subscribes, rendering every message into sink
// via decode (which turns the raw NATS payload into a fanout.Payload,
// e.g. setting Keyframe/HasTS from an envelope).
func New(cfg Config, sink *fanout.Sink, logger zerolog.Logger, decode func([]byte) (*fanout.Payload, error)) (*Producer, error) {
	p := &Producer{logger: logger.With().Str("component", "producer").Logger(), decoder: decode}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(func(c *nats.Conn) {
			p.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				p.logger.Warn().Err(err).Msg("disconnected from NATS")
				telemetry.ProducerErrorsTotal.WithLabelValues("disconnect").Inc()
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			p.logger.Error().Err(err).Msg("NATS error")
			telemetry.ProducerErrorsTotal.WithLabelValues("async").Inc()
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("producer: connect to NATS: %w", err)
	}
	p.conn = conn

	sub, err := conn.Subscribe(cfg.Subject, func(msg *nats.Msg) {
		payload, err := p.decoder(msg.Data)
		if err != nil {
			p.logger.Warn().Err(err).Msg("dropping undecodable message")
			telemetry.ProducerErrorsTotal.WithLabelValues("decode").Inc()
			return
		}
		telemetry.ProducerMessagesReceived.Inc()
		if err := sink.Render(payload); err != nil {
			p.logger.Warn().Err(err).Msg("render failed")
			telemetry.ProducerErrorsTotal.WithLabelValues("render").Inc()
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("producer: subscribe to %s: %w", cfg.Subject, err)
	}
	p.sub = sub

	return p, nil
}

// Close unsubscribes and closes the NATS connection.
func (p *Producer) Close() {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
