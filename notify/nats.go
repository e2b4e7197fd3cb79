package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// DefaultSubject is where notification records are published when no
// subject is configured.
const DefaultSubject = "ruleflow.notifications"

// NATSDispatcher publishes notification records as JSON. A notification with
// a channel goes to "<subject>.<channel>", others to the subject itself.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSDispatcher(conn *nats.Conn, subject string) *NATSDispatcher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSDispatcher{conn: conn, subject: subject}
}

func (d *NATSDispatcher) Subject(n Notification) string {
	if n.Channel == "" {
		return d.subject
	}
	return d.subject + "." + n.Channel
}

func (d *NATSDispatcher) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "notify: marshal notification")
	}
	if err := d.conn.Publish(d.Subject(n), payload); err != nil {
		return errors.Wrapf(err, "notify: publish to %s", d.Subject(n))
	}
	return nil
}
