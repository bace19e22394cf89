package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions describe where events go.
type NATSOptions struct {
	URL      string
	User     string
	Password string
	Prefix   string

	// JetStream persists events in Stream instead of fire-and-forget publishing.
	JetStream  bool
	Stream     string
	MaxBytes   int64
	DupeWindow time.Duration
}

func (o *NATSOptions) setDefaults() {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.Prefix == "" {
		o.Prefix = "xragent"
	}
	if o.Stream == "" {
		o.Stream = "xragent_events"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1024 * 1024 * 1024 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}

// NATS publishes JSON events under <prefix>.<kind>.
type NATS struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   NATSOptions
	logger *slog.Logger
}

func NewNATS(ctx context.Context, opts NATSOptions, logger *slog.Logger) (*NATS, error) {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	natsOpts := []nats.Option{nats.Name("xragent")}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := &NATS{conn: conn, opts: opts, logger: logger}
	if opts.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, err
		}
		p.js = js
		if err := p.ensureStream(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", opts.Stream, err)
		}
	}
	return p, nil
}

func (p *NATS) ensureStream(ctx context.Context) error {
	cfg := &nats.StreamConfig{
		Name:       p.opts.Stream,
		Subjects:   []string{p.opts.Prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   p.opts.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: p.opts.DupeWindow,
	}
	if _, err := p.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, err = p.js.AddStream(cfg, nats.Context(ctx))
		}
		return err
	}
	_, err := p.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

// Subject returns the subject evt is published on.
func (p *NATS) Subject(kind Kind) string {
	return p.opts.Prefix + "." + string(kind)
}

func (p *NATS) Publish(_ context.Context, evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("encode event", "kind", evt.Kind, "err", err)
		return
	}
	subject := p.Subject(evt.Kind)
	if p.js != nil {
		msgID := fmt.Sprintf("%s:%s:%d", evt.Kind, evt.Token, evt.Time.UnixNano())
		if _, err := p.js.PublishAsync(subject, payload, nats.MsgId(msgID)); err != nil {
			p.logger.Warn("publish event", "subject", subject, "err", err)
		}
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn("publish event", "subject", subject, "err", err)
	}
}

func (p *NATS) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
}
