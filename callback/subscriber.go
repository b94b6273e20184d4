package callback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject agents publish callbacks on.
const DefaultSubject = "injector.callbacks"

// Ingester accepts decoded callbacks. *Batcher implements it.
type Ingester interface {
	Ingest(ctx context.Context, source string, cb Callback) error
}

// SubscriberOptions configures a Subscriber.
type SubscriberOptions struct {
	// Subject defaults to DefaultSubject.
	Subject string

	// QueueGroup spreads messages across engine nodes. Default "injector".
	QueueGroup string

	Logger *slog.Logger
}

// Subscriber feeds callbacks published on NATS into an Ingester. Message
// bodies may be zstd compressed, announced by a Content-Encoding header.
type Subscriber struct {
	conn     *nats.Conn
	ingester Ingester
	subject  string
	group    string
	logger   *slog.Logger
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(conn *nats.Conn, ingester Ingester, opts SubscriberOptions) *Subscriber {
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	if opts.QueueGroup == "" {
		opts.QueueGroup = "injector"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Subscriber{
		conn:     conn,
		ingester: ingester,
		subject:  opts.Subject,
		group:    opts.QueueGroup,
		logger:   opts.Logger,
	}
}

// Start subscribes and returns. The subscription is drained when ctx is
// done.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.group, func(msg *nats.Msg) {
		s.Handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}

	s.logger.Info("subscribed to agent callbacks", "subject", s.subject, "queue_group", s.group)

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn("failed to drain callback subscription", "error", err)
		}
	}()
	return nil
}

// Handle decodes one message and ingests every callback it carries. It
// returns how many were accepted.
func (s *Subscriber) Handle(ctx context.Context, msg *nats.Msg) int {
	encoding := ""
	if msg.Header != nil {
		encoding = msg.Header.Get("Content-Encoding")
	}
	cbs, err := DecodeBytes(msg.Data, encoding)
	if err != nil {
		s.logger.Warn("invalid callback message", "subject", msg.Subject, "error", err)
		return 0
	}

	accepted := 0
	for _, cb := range cbs {
		if err := s.ingester.Ingest(ctx, "nats", cb); err != nil {
			s.logger.Warn("callback rejected",
				"inject_id", cb.InjectID,
				"agent_id", cb.AgentID,
				"error", err,
			)
			continue
		}
		accepted++
	}
	return accepted
}
