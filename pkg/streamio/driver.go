// Package streamio connects the IO table of a graph to NATS subjects.
//
// Every IO entry is bound to the subject "<prefix>.arc.<n>", n being the
// entry's arc index. Messages received on the subject of a receive entry are
// written into its arc from the NATS delivery goroutine; whatever does not
// fit is dropped and counted. Transmit arcs are drained between scheduler
// passes and published in messages of at most MaxMessage bytes.
package streamio

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
)

// DriverID is the driver id of IO entries served by this package.
const DriverID uint8 = 1

// DefaultMaxMessage bounds one published message.
const DefaultMaxMessage = 4096

// Config configures a Driver.
type Config struct {
	// SubjectPrefix is prepended to every arc subject.
	// Default: "daedalus"
	SubjectPrefix string

	// MaxMessage is the largest payload published at once.
	// Default: 4096
	MaxMessage int
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "daedalus",
		MaxMessage:    DefaultMaxMessage,
	}
}

type port struct {
	scheduler.Port
	subject string
}

// Driver is a scheduler.Driver backed by NATS.
type Driver struct {
	conn   Conn
	cfg    Config
	logger *zap.Logger

	tx   []port
	subs []Subscription
	buf  []byte

	received  atomic.Uint64
	dropped   atomic.Uint64
	published atomic.Uint64
}

// NewDriver creates a driver publishing and subscribing through conn.
func NewDriver(conn Conn, cfg Config, logger *zap.Logger) *Driver {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "daedalus"
	}
	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = DefaultMaxMessage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{conn: conn, cfg: cfg, logger: logger}
}

// Subject returns the subject bound to an IO entry.
func (d *Driver) Subject(e graph.IOEntry) string {
	return fmt.Sprintf("%s.arc.%d", d.cfg.SubjectPrefix, e.Arc)
}

// Open subscribes to the receive entries and remembers the transmit ones.
func (d *Driver) Open(ctx context.Context, ports []scheduler.Port) error {
	if d.conn == nil {
		return rterrors.NewError(rterrors.CodeIO, "streamio driver has no connection", rterrors.ErrInvalidConfig)
	}
	d.buf = make([]byte, d.cfg.MaxMessage)
	for _, p := range ports {
		pt := port{Port: p, subject: d.Subject(p.Entry)}
		if p.Entry.Transmit {
			d.tx = append(d.tx, pt)
			continue
		}
		sub, err := d.conn.Subscribe(pt.subject, d.receiver(pt))
		if err != nil {
			_ = d.Close()
			return fmt.Errorf("subscribe %s: %w", pt.subject, err)
		}
		d.subs = append(d.subs, sub)
	}
	d.logger.Info("Stream driver opened",
		zap.Int("receive", len(d.subs)),
		zap.Int("transmit", len(d.tx)),
		zap.String("prefix", d.cfg.SubjectPrefix))
	return nil
}

func (d *Driver) receiver(p port) nats.MsgHandler {
	return func(msg *nats.Msg) {
		n := p.Arc.WriteExternal(msg.Data)
		d.received.Add(uint64(n))
		if lost := len(msg.Data) - n; lost > 0 {
			d.dropped.Add(uint64(lost))
			d.logger.Warn("Arc full, dropping received bytes",
				zap.String("subject", p.subject),
				zap.Int("arc", p.Arc.Index),
				zap.Int("dropped", lost))
		}
	}
}

// Flush publishes everything readable on the transmit arcs.
func (d *Driver) Flush(ctx context.Context) error {
	for _, p := range d.tx {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := p.Arc.Peek(d.buf)
			if n == 0 {
				break
			}
			if err := d.conn.Publish(p.subject, d.buf[:n]); err != nil {
				return fmt.Errorf("publish %s: %w", p.subject, err)
			}
			if err := p.Arc.AdvanceRead(uint32(n)); err != nil {
				return err
			}
			d.published.Add(uint64(n))
		}
	}
	return nil
}

// Close removes the subscriptions.
func (d *Driver) Close() error {
	var first error
	for _, sub := range d.subs {
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	d.subs = nil
	d.tx = nil
	return first
}

// Stats reports the bytes received, dropped and published so far.
func (d *Driver) Stats() (received, dropped, published uint64) {
	return d.received.Load(), d.dropped.Load(), d.published.Load()
}

var _ scheduler.Driver = (*Driver)(nil)
