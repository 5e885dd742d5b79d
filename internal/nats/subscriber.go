package natsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/galavrah/machine-status-monitoring/internal/metrics"
)

// Handler receives every message on the status subjects. It must not block
// on I/O.
type Handler func(ctx context.Context, subject string, payload []byte) error

type SubscriberConfig struct {
	URL     string
	Subject string
	Name    string
	Backoff Backoff
	// LastWillEvents also turns producer disconnect advisories into offline
	// announcements. The connection needs system account visibility.
	LastWillEvents bool
}

// Subscriber keeps a subscription to the status subjects alive. Connection
// loss moves it through reconnecting back to connected; NATS replays the
// subscriptions on reconnect.
type Subscriber struct {
	cfg     SubscriberConfig
	handle  Handler
	log     *zap.Logger
	metrics *metrics.Metrics
	state   *stateMachine
}

func NewSubscriber(cfg SubscriberConfig, handle Handler, log *zap.Logger, m *metrics.Metrics) *Subscriber {
	if cfg.Subject == "" {
		cfg.Subject = "machine_status.>"
	}
	if cfg.Name == "" {
		cfg.Name = "machine-status-collector"
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	log = log.Named("nats")
	return &Subscriber{
		cfg:     cfg,
		handle:  handle,
		log:     log,
		metrics: m,
		state:   newStateMachine(log, m),
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State { return s.state.get() }

// Ready reports whether messages are currently being received.
func (s *Subscriber) Ready() bool { return s.state.get() == StateConnected }

// Run connects, subscribes and blocks until ctx is cancelled, then drains
// the connection. A failed initial connect is retried with backoff.
func (s *Subscriber) Run(ctx context.Context) error {
	s.state.to(StateConnecting, zap.String("url", s.cfg.URL))

	nc, err := s.connect(ctx)
	if err != nil {
		s.state.to(StateClosed)
		return err
	}
	if err := s.subscribe(ctx, nc); err != nil {
		nc.Close()
		s.state.to(StateClosed)
		return err
	}
	s.state.to(StateConnected, zap.String("server", nc.ConnectedUrl()))

	<-ctx.Done()
	if err := nc.Drain(); err != nil {
		s.log.Warn("drain failed", zap.Error(err))
		nc.Close()
	}
	s.state.to(StateClosed)
	return nil
}

func (s *Subscriber) connect(ctx context.Context) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(s.cfg.Name),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			d := s.cfg.Backoff.Delay(attempts)
			s.log.Debug("reconnect scheduled", zap.Int("attempt", attempts), zap.Duration("delay", d))
			return d
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.state.to(StateReconnecting, zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.state.to(StateConnected, zap.String("server", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			s.state.to(StateClosed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			s.log.Warn("async nats error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	for attempt := 1; ; attempt++ {
		nc, err := nats.Connect(s.cfg.URL, opts...)
		if err == nil {
			return nc, nil
		}
		delay := s.cfg.Backoff.Delay(attempt)
		s.log.Warn("connect failed",
			zap.String("url", s.cfg.URL),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect %s: %w", s.cfg.URL, errors.Join(err, ctx.Err()))
		case <-time.After(delay):
		}
	}
}

// subscribe delivers with a context that outlives Run's, so messages still
// flushed during Drain reach the handler.
func (s *Subscriber) subscribe(ctx context.Context, nc *nats.Conn) error {
	ctx = context.WithoutCancel(ctx)
	if _, err := nc.Subscribe(s.cfg.Subject, func(msg *nats.Msg) {
		_ = s.handle(ctx, msg.Subject, msg.Data)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	if !s.cfg.LastWillEvents {
		return nil
	}
	if _, err := nc.Subscribe(DisconnectAdvisories, func(msg *nats.Msg) {
		s.onDisconnectAdvisory(ctx, msg.Data)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", DisconnectAdvisories, err)
	}
	s.log.Info("watching producer disconnects", zap.String("subject", DisconnectAdvisories))
	return nil
}

func (s *Subscriber) onDisconnectAdvisory(ctx context.Context, data []byte) {
	will, ok, err := ParseDisconnect(data)
	if err != nil {
		s.log.Warn("bad disconnect advisory", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.log.Info("producer disconnected, applying last will",
		zap.String("topic", will.Topic),
		zap.String("reason", will.Reason))
	_ = s.handle(ctx, will.Topic, will.Payload)
}
