package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Bridge is the cross-device message bridge backed by NATS. The sync
// protocol publishes state broadcasts and exchanges migration packages
// through it.
type Bridge struct {
	nc  *nats.Conn
	url string
	log *zap.Logger
}

func NewBridge(url string, log *zap.Logger) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name("capsuled"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Bridge{nc: nc, url: url, log: log}, nil
}

// Publish sends a fire-and-forget broadcast.
func (b *Bridge) Publish(ctx context.Context, subject string, payload []byte) error {
	if b.nc == nil || b.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return b.nc.Publish(subject, payload)
}

// Request sends a message and waits for the acknowledgement payload.
func (b *Bridge) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if b.nc == nil || b.nc.IsClosed() {
		return nil, fmt.Errorf("nats not connected")
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := b.nc.RequestWithContext(rctx, subject, payload)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Subscribe registers a handler. The handler's reply func answers
// request/reply messages; for plain broadcasts it is a no-op.
func (b *Bridge) Subscribe(subject string, handler func(data []byte, reply func([]byte) error)) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		reply := func(data []byte) error {
			if msg.Reply == "" {
				return nil
			}
			return msg.Respond(data)
		}
		handler(msg.Data, reply)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Warn("nats unsubscribe", zap.String("subject", subject), zap.Error(err))
		}
	}, nil
}

func (b *Bridge) Close() {
	if b.nc != nil {
		b.nc.Drain()
		b.nc.Close()
	}
}
