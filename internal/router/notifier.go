package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/playgrid/arena/internal/events"
	"github.com/playgrid/arena/internal/obslog"
	"github.com/playgrid/arena/internal/presence"
)

// Notifier is the publish side of instance-targeted routing: it resolves the
// recipient's owning instance through the presence directory at publish time
// and tags the message onto that instance's private subject. No instance ever
// needs to know about sockets it does not hold.
type Notifier struct {
	dir *presence.Directory
	pub events.Publisher
}

func NewNotifier(dir *presence.Directory, pub events.Publisher) *Notifier {
	return &Notifier{dir: dir, pub: pub}
}

// Notify delivers one payload to the instance holding recipientID's
// connection. An absent recipient is a no-op; the client repairs itself with
// a resync on reconnect.
func (n *Notifier) Notify(ctx context.Context, recipientID string, kind events.Kind, payload interface{}) error {
	loc, err := n.dir.Locate(ctx, recipientID)
	if err != nil {
		return err
	}
	if loc == nil {
		obslog.L().Debug("notify_recipient_offline",
			zap.String("recipient", recipientID),
			zap.String("kind", string(kind)),
		)
		return nil
	}
	env, err := events.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	return n.pub.Publish(ctx, events.InstanceSubject(loc.InstanceID), env)
}

// Broadcast publishes to the channel every instance subscribes to.
func (n *Notifier) Broadcast(ctx context.Context, kind events.Kind, payload interface{}) error {
	env, err := events.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	return n.pub.Publish(ctx, events.SubjectBroadcast, env)
}
