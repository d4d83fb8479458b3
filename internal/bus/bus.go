package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/playgrid/arena/internal/events"
	"github.com/playgrid/arena/internal/obslog"
)

// State is the connection lifecycle. Callers never block on a down bus;
// operations fail fast with ErrNotReady instead.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateReady        State = "READY"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

// ErrNotReady is returned while the connection is down or still being
// established.
const ErrNotReady staticErr = "bus not ready"

const (
	commandStream  = "ARENA_CMD"
	connectRetries = 30
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Conn is the process's bus connection. Commands go through JetStream
// (durable, at-least-once, explicit ack); instance-targeted and broadcast
// notifications ride core NATS, since a notification that cannot reach a live
// socket is repaired by resync, not redelivery.
type Conn struct {
	nc *nats.Conn
	js nats.JetStreamContext

	stateM sync.RWMutex
	state  State
}

// Connect dials NATS with bounded backoff and provisions the command stream.
func Connect(ctx context.Context, url, name string) (*Conn, error) {
	c := &Conn{state: StateConnecting}

	var nc *nats.Conn
	var err error
	backoff := baseBackoff
	for attempt := 1; attempt <= connectRetries; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, derr error) {
				c.setState(StateDisconnected)
				obslog.L().Warn("bus_disconnected", zap.Error(derr))
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				c.setState(StateReady)
				obslog.L().Info("bus_reconnected")
			}),
		)
		if err == nil {
			break
		}
		obslog.L().Info("bus_connect_retry", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	if err != nil {
		c.setState(StateDisconnected)
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		c.setState(StateDisconnected)
		return nil, err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     commandStream,
		Subjects: []string{events.CommandWildcard},
		// work-queue so a command leaves the stream exactly when its one
		// consumer group acks it
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		c.setState(StateDisconnected)
		return nil, err
	}

	c.nc = nc
	c.js = js
	c.setState(StateReady)
	obslog.L().Info("bus_connected", zap.String("url", nc.ConnectedUrl()))
	return c, nil
}

func (c *Conn) setState(s State) {
	c.stateM.Lock()
	c.state = s
	c.stateM.Unlock()
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

// Publish sends one envelope. Command subjects are published durably through
// JetStream; everything else is fire-and-forget core NATS.
func (c *Conn) Publish(ctx context.Context, subject string, env *events.Envelope) error {
	if c == nil || c.State() != StateReady {
		return ErrNotReady
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if strings.HasPrefix(subject, events.CommandPrefix) {
		_, err = c.js.Publish(subject, raw, nats.Context(ctx))
		return err
	}
	return c.nc.Publish(subject, raw)
}

// Handler processes one decoded envelope. A non-nil error leaves the message
// unacked for redelivery; handlers are idempotent by design.
type Handler func(ctx context.Context, env *events.Envelope) error

// ConsumeCommands attaches this instance to the shared command queue group.
// NATS dispatches one message at a time per subscription, so a command is
// fully handled before the next is taken.
func (c *Conn) ConsumeCommands(ctx context.Context, group string, h Handler) (*nats.Subscription, error) {
	if c == nil || c.State() != StateReady {
		return nil, ErrNotReady
	}
	return c.js.QueueSubscribe(events.CommandWildcard, group, func(msg *nats.Msg) {
		var env events.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			obslog.L().Warn("bus_bad_command", zap.String("subject", msg.Subject), zap.Error(err))
			// malformed payloads can never succeed; drop them
			_ = msg.Ack()
			return
		}
		if err := h(ctx, &env); err != nil {
			obslog.L().Error("bus_command_error", zap.String("kind", string(env.Kind)), zap.Error(err))
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.ManualAck(), nats.AckExplicit())
}

// SubscribeNotifications wires delivery for this instance: its private
// subject plus the broadcast channel.
func (c *Conn) SubscribeNotifications(instanceID string, h func(env *events.Envelope)) ([]*nats.Subscription, error) {
	if c == nil || c.State() != StateReady {
		return nil, ErrNotReady
	}
	cb := func(msg *nats.Msg) {
		var env events.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			obslog.L().Warn("bus_bad_notification", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		h(&env)
	}
	private, err := c.nc.Subscribe(events.InstanceSubject(instanceID), cb)
	if err != nil {
		return nil, err
	}
	broadcast, err := c.nc.Subscribe(events.SubjectBroadcast, cb)
	if err != nil {
		_ = private.Unsubscribe()
		return nil, err
	}
	return []*nats.Subscription{private, broadcast}, nil
}

// Close drains in-flight messages and closes the connection.
func (c *Conn) Close() {
	if c == nil || c.nc == nil {
		return
	}
	_ = c.nc.Drain()
	c.setState(StateDisconnected)
}
